// Package cmd wires up the stevedore CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stevedore",
	Short: "Release task runner",
	Long: `stevedore runs the release tasks declared in the next tasks.star file:
building distribution archives, bundling plugin packages and handing the
results to the publishing tools. It also bundles the small helpers those
tasks need, like cross-platform rm/mv/mkdir and checksum sidecars.`,
}

func Execute() {
	cobra.CheckErr(rootCmd.Execute())
}
