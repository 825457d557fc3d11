package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/placer-project/placer/internal/build"
)

// NewVersionCommand returns the command to print the placer version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Reports the placer version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Printf("placer version `%s` build from `%s` on `%s`\n", build.Version, build.Commit, build.Date)
		},
		Args: cobra.NoArgs,
	}
}
