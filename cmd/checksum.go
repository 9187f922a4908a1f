package cmd

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"stevedore/pkg"
	"stevedore/pkg/checksum"
)

var checksumCmd = &cobra.Command{
	Use:   "checksum file...",
	Short: "Writes sha256 sidecar files for the passed artifacts",
	Long: `Computes the sha256 digest of each file and writes it to <file>.sha256.
Upload tasks publish these sidecars next to the dist artifacts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return eris.New("expected at least 1 argument")
		}

		useBase64, err := cmd.Flags().GetBool("base64")
		if err != nil {
			return err
		}

		enc := checksum.Hex
		if useBase64 {
			enc = checksum.Base64
		}

		for _, file := range args {
			digest, err := checksum.WriteSidecar(file, enc)
			if err != nil {
				return err
			}

			pkg.PrintSubtask(file + ":  " + digest)
		}

		return nil
	},
}

func init() {
	checksumCmd.Flags().Bool("base64", false, "write the base64 form instead of hex")

	rootCmd.AddCommand(checksumCmd)
}
