// internal/cli/cli.go
//
// Shared helpers for the foreman subcommands.

package cli

import (
	"github.com/spf13/cobra"

	"github.com/kingrea/The-Foreman/internal/config"
)

// loadConfig resolves the --project flag into a runtime configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	projectDir, err := cmd.Flags().GetString("project")
	if err != nil {
		return nil, err
	}
	return config.NewConfig(projectDir)
}
