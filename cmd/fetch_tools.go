package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"stevedore/pkg"
	"stevedore/pkg/fetch"
)

const toolManifestName = "TOOLS.yml"

var fetchToolsCmd = &cobra.Command{
	Use:   "fetch-tools",
	Short: "Downloads and unpacks the project's external tools",
	Long: `Downloads the tools listed in the next TOOLS.yml manifest, verifies their
sha256 checksums and unpacks them. Entries whose stamp is current are
skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		update, err := cmd.Flags().GetBool("update")
		if err != nil {
			return err
		}

		wd, err := os.Getwd()
		if err != nil {
			return err
		}

		manifestPath, err := pkg.FindFileUpwards(wd, toolManifestName)
		if err != nil {
			return err
		}

		return fetch.Run(cmd.Context(), manifestPath, fetch.Options{Update: update})
	},
}

func init() {
	fetchToolsCmd.Flags().BoolP("update", "u", false, "update the manifest checksums")

	rootCmd.AddCommand(fetchToolsCmd)
}
