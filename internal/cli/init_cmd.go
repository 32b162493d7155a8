// internal/cli/init_cmd.go

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kingrea/The-Foreman/internal/config"
)

// InitCmd returns the init command, which lays out the .foreman
// directory without starting a run.
func InitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the .foreman directory structure",
		Long: `Creates <project>/app and <project>/.foreman with a default
config.yaml. Safe to re-run: an existing config is never overwritten.`,
		RunE: func(cmd *cobra.Command, args []string) error {
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
			fmt.Printf("initialized %s\n", cfg.ForemanProjectDir)
			fmt.Printf("edit %s, then start with: foreman run --spec <spec.md>\n",
				cfg.ProjectConfigPath())
			return nil
		},
	}
}
