// Package cmd contains all the commands included in the binary file.
package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// NewRootCommand enables all children commands to read flags from CLI flags,
// environment variables prefixed with PLACER, or config.yaml (in that order).
func NewRootCommand() *cobra.Command {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	viper.SetEnvPrefix("PLACER")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	configPaths := []string{"/etc/placer", "$HOME/.placer", "."}
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// A missing config file is fine, flags and env vars still apply.
	_ = viper.ReadInConfig()

	return &cobra.Command{
		Use:   "placer",
		Short: "A resource placement service tracking provider inventories, consumers and their allocations",
		Long: `A resource placement service tracking provider inventories, consumers and their allocations.

Placer records what quantitative resources each provider tree has to give,
who consumes them, and answers which providers can satisfy a multi-resource
request.`,
	}
}
