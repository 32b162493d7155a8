// internal/cli/feature_cmd.go

package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kingrea/The-Foreman/internal/ledger"
)

// FeatureCmd returns the feature command group for inspecting and
// correcting checklist state by hand. The ledger has a single writer:
// only use pass/fail while no run is active.
func FeatureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feature",
		Short: "Inspect or correct the feature checklist",
	}
	cmd.AddCommand(featureListCmd(), featureMarkCmd("pass"), featureMarkCmd("fail"))
	return cmd
}

func openLedger(cmd *cobra.Command) (*ledger.Ledger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	led, err := ledger.Open(cfg.ForemanProjectDir)
	if err != nil {
		return nil, err
	}
	if !led.Initialized() {
		return nil, fmt.Errorf("checklist not created yet")
	}
	return led, nil
}

func featureListCmd() *cobra.Command {
	var failingOnly bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List checklist features and their state",
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := openLedger(cmd)
			if err != nil {
				return err
			}
			for _, f := range led.Features() {
				if failingOnly && f.Passes {
					continue
				}
				mark := color.RedString("fail")
				if f.Passes {
					mark = color.GreenString("pass")
				}
				fmt.Printf("%s  %-16s %-14s %s\n", mark, f.ID, f.Category, f.Description)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&failingOnly, "failing", false, "only show failing features")
	return cmd
}

func featureMarkCmd(verb string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: "Mark a feature as " + verb + "ing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			led, err := openLedger(cmd)
			if err != nil {
				return err
			}
			id := args[0]
			if verb == "pass" {
				err = led.MarkPassing(id)
			} else {
				err = led.MarkFailing(id)
			}
			if err != nil {
				return err
			}
			passing, total := led.CompletionRatio()
			fmt.Printf("%s marked %sing (%d/%d passing)\n", id, verb, passing, total)
			return nil
		},
	}
}
