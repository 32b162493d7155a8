// internal/cli/status_cmd.go

package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kingrea/The-Foreman/internal/ledger"
	"github.com/kingrea/The-Foreman/internal/monitor"
)

// StatusCmd returns the status command: a one-shot text report for
// scripts and quick checks, without the full dashboard.
func StatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print a one-shot progress report",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			snap := monitor.Load(cfg)
			if snap.Err != nil {
				return snap.Err
			}

			if !snap.Initialized {
				fmt.Println("checklist not created yet (no initializer session has run)")
				return nil
			}

			bold := color.New(color.Bold)
			bold.Printf("features: %d/%d passing (%.1f%%)\n",
				snap.Passing, snap.Total, snap.Ratio()*100)
			fmt.Printf("  %s\n", textBar(snap.Ratio(), 40))
			for _, cat := range ledger.Categories {
				counts, ok := snap.Categories[cat]
				if !ok {
					continue
				}
				line := fmt.Sprintf("  %-14s %3d/%-3d", cat, counts[0], counts[1])
				if counts[0] == counts[1] {
					color.Green(line)
				} else {
					fmt.Println(line)
				}
			}

			if len(snap.Sessions) > 0 {
				bold.Println("\nrecent sessions:")
				for _, s := range snap.Sessions {
					line := fmt.Sprintf("  #%-3d %-11s %-9s %6s  cmds %d (blocked %d)",
						s.SessionIndex, s.SessionType, s.Outcome,
						s.Duration().Round(time.Second),
						s.CommandsProposed, s.CommandsBlocked)
					if s.Outcome == ledger.OutcomeSuccess {
						fmt.Println(line)
					} else {
						color.Red(line)
					}
				}
			}
			return nil
		},
	}
}

// textBar renders a fixed-width completion bar for plain terminals.
func textBar(ratio float64, width int) string {
	filled := int(ratio * float64(width))
	if filled > width {
		filled = width
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", width-filled) + "]"
}
