// internal/cli/monitor_cmd.go

package cli

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/kingrea/The-Foreman/internal/monitor"
)

// MonitorCmd returns the monitor command: a read-only dashboard that
// tails the run log and checklist of a project, safe to run alongside
// an active `foreman run`.
func MonitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Watch a run's progress (read-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			m, err := monitor.New(cfg)
			if err != nil {
				return err
			}
			defer m.Close()

			p := tea.NewProgram(m, tea.WithAltScreen())
			_, err = p.Run()
			return err
		},
	}
}
