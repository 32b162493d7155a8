// internal/cli/run_cmd.go

package cli

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kingrea/The-Foreman/internal/agent"
	"github.com/kingrea/The-Foreman/internal/config"
	"github.com/kingrea/The-Foreman/internal/ledger"
	"github.com/kingrea/The-Foreman/internal/logbook"
	"github.com/kingrea/The-Foreman/internal/orchestrator"
	"github.com/kingrea/The-Foreman/internal/prompts"
)

// Exit codes per run outcome, so scripts wrapping foreman can branch on
// why the loop stopped.
const (
	exitCompleted     = 0
	exitUnrecoverable = 1
	exitMaxIterations = 2
	exitInterrupted   = 130
)

// RunCmd returns the run command, the main entry point: it drives the
// session loop until the checklist completes or the run aborts.
func RunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the supervision loop until the checklist completes",
		Long: `Runs agent sessions back to back. A fresh project needs --spec so the
first session can generate the feature checklist from it; a continued
run reuses the spec copied into .foreman/app_spec.md.

Exit codes: 0 completed, 1 aborted on an unrecoverable error,
2 session budget exhausted, 130 interrupted.`,
		RunE: runRun,
	}
	cmd.Flags().String("spec", "", "application spec to build (copied into .foreman/)")
	cmd.Flags().String("model", "", "override the configured model")
	cmd.Flags().Int("max-sessions", -1, "override the configured session budget (0 = unlimited)")
	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	projectDir, err := cmd.Flags().GetString("project")
	if err != nil {
		return err
	}
	if err := config.InitForemanDir(projectDir); err != nil {
		return err
	}
	cfg, err := config.NewConfig(projectDir)
	if err != nil {
		return err
	}
	if model, _ := cmd.Flags().GetString("model"); model != "" {
		cfg.Project.Model = model
	}
	if maxSessions, _ := cmd.Flags().GetInt("max-sessions"); maxSessions >= 0 {
		cfg.Project.MaxSessions = maxSessions
	}

	specPath, _ := cmd.Flags().GetString("spec")
	if specPath != "" {
		if err := prompts.CopySpec(specPath, cfg.SpecPath()); err != nil {
			return err
		}
	} else if _, err := os.Stat(cfg.SpecPath()); err != nil {
		return fmt.Errorf("no spec: pass --spec on the first run (looked for %s)", cfg.SpecPath())
	}

	if cfg.Project.BrowserTools {
		if err := agent.WriteMCPConfig(cfg.MCPConfigPath()); err != nil {
			return err
		}
	}

	log, err := logbook.New(cfg.LogsDir(), cfg.Project.Verbose)
	if err != nil {
		return err
	}
	defer log.Close()

	led, err := ledger.Open(cfg.ForemanProjectDir)
	if err != nil {
		if errors.Is(err, ledger.ErrCorrupt) {
			return fmt.Errorf("refusing to start: %w", err)
		}
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runner := agent.NewRunner(cfg.Project.Agent, nil, log, cfg.MaxOutputBytes, cfg.TerminateGrace)
	if err := runner.CheckBinary(ctx); err != nil {
		return err
	}

	if cfg.Project.Monitor {
		spawnMonitorPane(log, projectDir)
	}

	ctrl := orchestrator.New(cfg, led, runner, log)
	outcome, runErr := ctrl.Run(ctx)

	switch outcome {
	case orchestrator.RunCompleted:
		color.New(color.FgGreen, color.Bold).Printf("\nrun completed: every feature passes\n")
		printNextSteps(cfg)
		return nil
	case orchestrator.RunInterrupted:
		color.New(color.FgYellow).Printf("\nrun interrupted; re-run to continue where it left off\n")
		os.Exit(exitInterrupted)
	case orchestrator.RunAbortedMaxIterations:
		color.New(color.FgYellow).Printf("\nrun stopped: %v\n", runErr)
		os.Exit(exitMaxIterations)
	default:
		color.New(color.FgRed, color.Bold).Printf("\nrun aborted: %v\n", runErr)
		os.Exit(exitUnrecoverable)
	}
	return nil
}

func printNextSteps(cfg *config.Config) {
	fmt.Printf("\nto run the generated application:\n")
	fmt.Printf("  cd %s\n", cfg.ProjectDir)
	fmt.Printf("  ./%s\n", config.BootstrapScript)
}

// spawnMonitorPane opens the read-only monitor in a tmux split when the
// run is already inside tmux. Outside tmux there is no second terminal
// to draw into, so the operator gets a hint instead.
func spawnMonitorPane(log *logbook.Logbook, projectDir string) {
	if os.Getenv("TMUX") == "" {
		log.Warn("monitor: not inside tmux; run `foreman monitor -p %s` in another terminal", projectDir)
		return
	}
	self, err := os.Executable()
	if err != nil {
		log.Warn("monitor: %v", err)
		return
	}
	if err := exec.Command("tmux", "split-window", "-h",
		self, "monitor", "--project", projectDir).Run(); err != nil {
		log.Warn("monitor: tmux split-window: %v", err)
	}
}
