// cmd/foreman/main.go
//
// Entry point for the foreman CLI. foreman supervises an external
// coding agent, session by session, until a project's feature
// checklist is complete.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kingrea/The-Foreman/internal/cli"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "foreman",
		Short: "Supervise an autonomous coding agent",
		Long: `foreman drives an external coding-agent CLI through repeated,
context-free sessions against a single project. The first session turns
an application spec into a feature checklist; later sessions work the
checklist until every feature passes.

The agent works inside <project>/app. Everything foreman tracks (the
checklist, session history, run logs, config) lives in <project>/.foreman.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringP("project", "p", ".", "project directory to supervise")

	rootCmd.AddCommand(cli.InitCmd())
	rootCmd.AddCommand(cli.RunCmd())
	rootCmd.AddCommand(cli.MonitorCmd())
	rootCmd.AddCommand(cli.StatusCmd())
	rootCmd.AddCommand(cli.FeatureCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
