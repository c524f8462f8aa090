package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/pkg/artifact"
	"github.com/kilnbuild/kiln/pkg/platform"
)

// bundleCmd exists mostly for build scripts: a task packs its staged output
// with "kiln bundle <dir>" and the pipeline publishes the result.
var bundleCmd = &cobra.Command{
	Use:   "bundle <directory>",
	Short: "Pack a directory into a kiln bundle",
	Long: `Packs every file below the given directory into a bundle named
name-version-tag.kb. Name and version default to the manifest's values, the
tag to KILN_TARGET (set for build tasks) or the host platform.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		info := artifact.Info{}

		info.Name, _ = cmd.Flags().GetString("name")
		info.Version, _ = cmd.Flags().GetString("version")
		info.Tag, _ = cmd.Flags().GetString("tag")
		outDir, _ := cmd.Flags().GetString("out")

		if info.Name == "" || info.Version == "" {
			m, err := loadManifest(cmd)
			if err != nil {
				return err
			}

			if info.Name == "" {
				info.Name = m.Project
			}
			if info.Version == "" {
				info.Version = m.Version
			}
		}

		if info.Tag == "" {
			info.Tag = os.Getenv("KILN_TARGET")
		}
		if info.Tag == "" {
			info.Tag = platform.Host().String()
		}

		path := filepath.Join(outDir, info.Filename())
		writer, err := artifact.NewWriter(path, info)
		if err != nil {
			return err
		}

		err = writer.AddTree(args[0])
		if err != nil {
			return err
		}

		err = writer.Close()
		if err != nil {
			return err
		}

		// scripts capture the path from stdout
		fmt.Println(path)
		return nil
	},
}

func init() {
	bundleCmd.Flags().String("name", "", "bundle name (default: the manifest's project name)")
	bundleCmd.Flags().String("version", "", "bundle version (default: the manifest's version)")
	bundleCmd.Flags().String("tag", "", "platform tag (default: KILN_TARGET or the host platform)")
	bundleCmd.Flags().StringP("out", "o", ".", "directory the bundle is written to")

	rootCmd.AddCommand(bundleCmd)
}
