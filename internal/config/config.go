// internal/config/config.go
//
// This package handles configuration and the .foreman directory structure.
// Every project supervised by foreman gets a .foreman/ folder created in
// its root, holding the config file, the checklist, the session history,
// and the run logs.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ForemanDir is the name of the directory we create in each project.
	ForemanDir = ".foreman"

	// BootstrapScript is the conventional name of the development
	// bootstrap script. It lives in the project root, outside the
	// deployable app/ directory.
	BootstrapScript = "init.sh"

	defaultAgent          = "copilot"
	defaultModel          = "claude-sonnet-4.5"
	defaultAppDir         = "app"
	defaultSessionTimeout = 45 * time.Minute
	defaultMaxTurns       = 1000
	defaultErrorThreshold = 3
	defaultAbortThreshold = 10
	defaultMaxOutputBytes = 16 << 20
	defaultContinueDelay  = 3 * time.Second
	defaultTerminateGrace = 10 * time.Second
)

const defaultProjectConfigYAML = `# foreman project configuration
version: 1

# External coding agent CLI and the model it should use.
agent: copilot
model: claude-sonnet-4.5

# Directory (relative to the project root) where the agent builds the app.
app_dir: app

# Per-session bounds. A session that exceeds any of these is terminated
# and recorded as timeout / max-turns rather than success.
session_timeout: 45m
max_turns: 1000

# 0 means run until the checklist is complete.
max_sessions: 0

# Consecutive non-success sessions before recovery prompts kick in, and
# before the run aborts outright.
error_threshold: 3
abort_threshold: 10

# Spawn the read-only progress monitor alongside the run.
monitor: false

# Pass browser-automation tool flags through to the agent.
browser_tools: false

# Echo log entries to the console while running.
verbose: true
`

// Duration is a time.Duration that parses from yaml values written the
// way humans write them, like "45m" or "1h30m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// ProjectConfig models .foreman/config.yaml. Unknown keys are rejected at
// load time so a typo in an option name surfaces at startup instead of
// silently running with defaults.
type ProjectConfig struct {
	Version        int      `yaml:"version"`
	Agent          string   `yaml:"agent"`
	Model          string   `yaml:"model"`
	AppDir         string   `yaml:"app_dir"`
	SessionTimeout Duration `yaml:"session_timeout"`
	MaxTurns       int      `yaml:"max_turns"`
	MaxSessions    int      `yaml:"max_sessions"`
	ErrorThreshold int      `yaml:"error_threshold"`
	AbortThreshold int      `yaml:"abort_threshold"`
	Monitor        bool     `yaml:"monitor"`
	BrowserTools   bool     `yaml:"browser_tools"`
	Verbose        bool     `yaml:"verbose"`
}

// Config holds the runtime configuration for foreman.
type Config struct {
	// ProjectDir is the directory being supervised.
	ProjectDir string

	// ForemanProjectDir is ProjectDir/.foreman.
	ForemanProjectDir string

	Project ProjectConfig

	// MaxOutputBytes bounds how much agent output a single session may
	// produce before it is cut off.
	MaxOutputBytes int64

	// ContinueDelay is the pause between sessions.
	ContinueDelay time.Duration

	// TerminateGrace is how long a session gets between the polite
	// termination signal and the forced kill.
	TerminateGrace time.Duration
}

// InitForemanDir creates the .foreman directory structure in the given
// project directory, along with the app/ directory the agent works in.
//
// Structure created:
//
//	<project>/
//	├── app/          <- agent working directory (deployable code)
//	└── .foreman/
//	    ├── config.yaml
//	    └── logs/     <- run logs, tailed by the monitor
func InitForemanDir(projectDir string) error {
	dirs := []string{
		filepath.Join(projectDir, defaultAppDir),
		filepath.Join(projectDir, ForemanDir),
		filepath.Join(projectDir, ForemanDir, "logs"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureProjectConfig(filepath.Join(projectDir, ForemanDir, "config.yaml"))
}

// NewConfig creates a Config populated from .foreman/config.yaml, applying
// defaults for anything the file omits.
func NewConfig(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir:        abs,
		ForemanProjectDir: filepath.Join(abs, ForemanDir),
		Project:           defaultProjectConfig(),
		MaxOutputBytes:    defaultMaxOutputBytes,
		ContinueDelay:     defaultContinueDelay,
		TerminateGrace:    defaultTerminateGrace,
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// AppDir returns the absolute path of the directory the agent works in.
func (c *Config) AppDir() string {
	return filepath.Join(c.ProjectDir, c.Project.AppDir)
}

// LogsDir returns the path to the run-log directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.ForemanProjectDir, "logs")
}

// BootstrapPath returns the conventional location of init.sh.
func (c *Config) BootstrapPath() string {
	return filepath.Join(c.ProjectDir, BootstrapScript)
}

// SpecPath returns where the application spec is copied for the agent.
func (c *Config) SpecPath() string {
	return filepath.Join(c.ForemanProjectDir, "app_spec.md")
}

// MCPConfigPath returns where the browser-automation MCP config is
// written when browser tools are enabled.
func (c *Config) MCPConfigPath() string {
	return filepath.Join(c.ForemanProjectDir, "mcp.json")
}

// ProjectConfigPath returns the on-disk location of the config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.ForemanProjectDir, "config.yaml")
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}

	parsed := defaultProjectConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	// Unrecognized options are an error, not a shrug.
	dec.KnownFields(true)
	if err := dec.Decode(&parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}

	parsed.applyDefaults()
	parsed.normalize()
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	c.Project = parsed
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version:        1,
		Agent:          defaultAgent,
		Model:          defaultModel,
		AppDir:         defaultAppDir,
		SessionTimeout: Duration(defaultSessionTimeout),
		MaxTurns:       defaultMaxTurns,
		ErrorThreshold: defaultErrorThreshold,
		AbortThreshold: defaultAbortThreshold,
		// The decoder fills over these defaults, so an absent verbose
		// key keeps console echo on and an explicit false turns it off.
		Verbose: true,
	}
}

func (pc *ProjectConfig) applyDefaults() {
	if pc.Version == 0 {
		pc.Version = 1
	}
	if pc.Agent == "" {
		pc.Agent = defaultAgent
	}
	if pc.Model == "" {
		pc.Model = defaultModel
	}
	if pc.AppDir == "" {
		pc.AppDir = defaultAppDir
	}
	if pc.SessionTimeout == 0 {
		pc.SessionTimeout = Duration(defaultSessionTimeout)
	}
	if pc.MaxTurns == 0 {
		pc.MaxTurns = defaultMaxTurns
	}
	if pc.ErrorThreshold == 0 {
		pc.ErrorThreshold = defaultErrorThreshold
	}
	if pc.AbortThreshold == 0 {
		pc.AbortThreshold = defaultAbortThreshold
	}
}

func (pc *ProjectConfig) normalize() {
	pc.Agent = strings.TrimSpace(pc.Agent)
	pc.Model = strings.TrimSpace(pc.Model)
	pc.AppDir = filepath.Clean(strings.TrimSpace(pc.AppDir))
}

func (pc *ProjectConfig) validate() error {
	if pc.Version < 1 {
		return fmt.Errorf("version must be >= 1")
	}
	if pc.Agent == "" {
		return fmt.Errorf("agent is required")
	}
	if pc.Model == "" {
		return fmt.Errorf("model is required")
	}
	if pc.AppDir == "" || pc.AppDir == "." || strings.HasPrefix(pc.AppDir, "..") || filepath.IsAbs(pc.AppDir) {
		return fmt.Errorf("app_dir must be a subdirectory of the project, got %q", pc.AppDir)
	}
	if pc.SessionTimeout.Std() < time.Minute {
		return fmt.Errorf("session_timeout must be at least 1m, got %s", pc.SessionTimeout)
	}
	if pc.MaxTurns < 1 {
		return fmt.Errorf("max_turns must be positive, got %d", pc.MaxTurns)
	}
	if pc.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must be >= 0, got %d", pc.MaxSessions)
	}
	if pc.ErrorThreshold < 1 {
		return fmt.Errorf("error_threshold must be positive, got %d", pc.ErrorThreshold)
	}
	if pc.AbortThreshold < pc.ErrorThreshold {
		return fmt.Errorf("abort_threshold (%d) must be >= error_threshold (%d)", pc.AbortThreshold, pc.ErrorThreshold)
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultProjectConfigYAML), 0o644)
}
