// Package main is the entrypoint of the placer binary.
package main

import (
	"os"

	"github.com/placer-project/placer/cmd"
	"github.com/placer-project/placer/cmd/migrate"
	"github.com/placer-project/placer/cmd/run"
)

func main() {
	rootCmd := cmd.NewRootCommand()

	rootCmd.AddCommand(run.NewRunCommand())
	rootCmd.AddCommand(migrate.NewMigrateCommand())
	rootCmd.AddCommand(cmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
