package cmd

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"stevedore/pkg/archive"
	"stevedore/pkg/bundle"
)

var packZipCmd = &cobra.Command{
	Use:   "pack-zip archive_name content_directory",
	Short: "Packs the content of the passed directory into a zip archive",
	Long: `Recursively packs the directory into a zip archive with a deterministic
member order. This backs the plugins archive target: exclude patterns are
matched against each entry's relative path and its base name.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return eris.New("expected 2 arguments")
		}

		exclude, err := cmd.Flags().GetStringArray("exclude")
		if err != nil {
			return err
		}

		return archive.ZipDirectory(args[0], args[1], archive.ZipOptions{Exclude: exclude})
	},
}

var packBundleCmd = &cobra.Command{
	Use:   "pack-bundle archive_name content_directory",
	Short: "Packs the content of the passed directory into a plugin bundle",
	Long: `Pass the name of the bundle file that should be generated and a directory
with the intended contents. Bundle payloads are brotli-compressed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return eris.New("expected 2 arguments")
		}

		return bundle.Pack(args[0], args[1])
	},
}

var unpackBundleCmd = &cobra.Command{
	Use:   "unpack-bundle archive_name dest_directory",
	Short: "Extracts a plugin bundle into the passed directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 2 {
			return eris.New("expected 2 arguments")
		}

		reader, err := bundle.OpenReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		return reader.Extract(args[1])
	},
}

var listBundleCmd = &cobra.Command{
	Use:   "list-bundle archive_name",
	Short: "Lists the files contained in a plugin bundle",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) != 1 {
			return eris.New("expected 1 argument")
		}

		reader, err := bundle.OpenReader(args[0])
		if err != nil {
			return err
		}
		defer reader.Close()

		for _, entry := range reader.Entries() {
			fmt.Printf("%10d  %s\n", entry.Size, entry.Path)
		}
		return nil
	},
}

func init() {
	packZipCmd.Flags().StringArray("exclude", nil, "glob pattern to exclude (repeatable)")

	rootCmd.AddCommand(packZipCmd)
	rootCmd.AddCommand(packBundleCmd)
	rootCmd.AddCommand(unpackBundleCmd)
	rootCmd.AddCommand(listBundleCmd)
}
