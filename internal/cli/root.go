// Package cli wires the cobra command tree: init, serve, stats, version.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guiyumin/streamcached/internal/version"
)

var rootCmd = &cobra.Command{
	Use:     "streamcached",
	Short:   "A streaming media cache that sits between a player and a remote origin",
	Version: version.Version,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
