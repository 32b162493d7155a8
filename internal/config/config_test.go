package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, projectDir, content string) {
	t.Helper()
	foremanDir := filepath.Join(projectDir, ForemanDir)
	if err := os.MkdirAll(foremanDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(foremanDir, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestNewConfigDefaultsWhenMissing(t *testing.T) {
	projectDir := t.TempDir()
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.Project.Agent != "copilot" {
		t.Fatalf("expected default agent copilot, got %q", c.Project.Agent)
	}
	if c.Project.SessionTimeout.Std() != 45*time.Minute {
		t.Fatalf("expected default session timeout 45m, got %s", c.Project.SessionTimeout)
	}
	if c.Project.ErrorThreshold != 3 {
		t.Fatalf("expected default error threshold 3, got %d", c.Project.ErrorThreshold)
	}
	if !c.Project.Verbose {
		t.Fatal("expected console echo on by default")
	}
	if !strings.HasSuffix(c.AppDir(), string(filepath.Separator)+"app") {
		t.Fatalf("expected app dir under project, got %s", c.AppDir())
	}
}

func TestNewConfigParsesYaml(t *testing.T) {
	projectDir := t.TempDir()
	writeConfig(t, projectDir, strings.TrimSpace(`
version: 1
agent: claude
model: claude-opus-4.5
app_dir: web
session_timeout: 20m
max_turns: 250
max_sessions: 40
error_threshold: 2
abort_threshold: 6
monitor: true
browser_tools: true
verbose: false
`))
	c, err := NewConfig(projectDir)
	if err != nil {
		t.Fatalf("NewConfig returned error: %v", err)
	}
	if c.Project.Agent != "claude" || c.Project.Model != "claude-opus-4.5" {
		t.Fatalf("agent/model not parsed: %+v", c.Project)
	}
	if c.Project.SessionTimeout.Std() != 20*time.Minute {
		t.Fatalf("session_timeout = %s, want 20m", c.Project.SessionTimeout)
	}
	if c.Project.MaxSessions != 40 || c.Project.AbortThreshold != 6 {
		t.Fatalf("bounds not parsed: %+v", c.Project)
	}
	if !c.Project.Monitor || !c.Project.BrowserTools {
		t.Fatalf("toggles not parsed: %+v", c.Project)
	}
	if c.Project.Verbose {
		t.Fatal("explicit verbose: false was not honored")
	}
	if filepath.Base(c.AppDir()) != "web" {
		t.Fatalf("app dir = %s, want .../web", c.AppDir())
	}
}

func TestNewConfigRejectsUnknownOptions(t *testing.T) {
	projectDir := t.TempDir()
	writeConfig(t, projectDir, strings.TrimSpace(`
version: 1
model: claude-sonnet-4.5
max_iterations: 5
`))
	if _, err := NewConfig(projectDir); err == nil {
		t.Fatal("expected error for unrecognized option, got none")
	}
}

func TestNewConfigValidation(t *testing.T) {
	cases := map[string]string{
		"timeout too small":  "session_timeout: 5s",
		"negative sessions":  "max_sessions: -1",
		"zero turns":         "max_turns: -3",
		"abort below errors": "error_threshold: 5\nabort_threshold: 2",
		"absolute app dir":   "app_dir: /tmp/elsewhere",
		"escaping app dir":   "app_dir: ../outside",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			projectDir := t.TempDir()
			writeConfig(t, projectDir, "version: 1\n"+body+"\n")
			if _, err := NewConfig(projectDir); err == nil {
				t.Fatalf("expected validation error for %q", body)
			}
		})
	}
}

func TestInitForemanDir(t *testing.T) {
	projectDir := t.TempDir()
	if err := InitForemanDir(projectDir); err != nil {
		t.Fatalf("InitForemanDir: %v", err)
	}
	for _, p := range []string{
		filepath.Join(projectDir, "app"),
		filepath.Join(projectDir, ForemanDir, "logs"),
		filepath.Join(projectDir, ForemanDir, "config.yaml"),
	} {
		if _, err := os.Stat(p); err != nil {
			t.Errorf("missing %s after init: %v", p, err)
		}
	}

	// The generated default config must load cleanly.
	if _, err := NewConfig(projectDir); err != nil {
		t.Fatalf("default config does not load: %v", err)
	}

	// Re-running init must not clobber an edited config.
	cfgPath := filepath.Join(projectDir, ForemanDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("version: 1\nmodel: gpt-5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := InitForemanDir(projectDir); err != nil {
		t.Fatal(err)
	}
	data, err := os.ReadFile(cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "gpt-5") {
		t.Fatal("InitForemanDir overwrote an existing config")
	}
}
