package main

import (
	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/pkg/artifact"
	"github.com/kilnbuild/kiln/pkg/logctx"
)

var packageCmd = &cobra.Command{
	Use:   "package [target]",
	Short: "Publish the artifacts of a finished build",
	Long: `Locates the bundles the last build left in the working directory, verifies
they were built for the given target and moves them into the publish
directory, retagging them when the manifest says so.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadManifest(cmd)
		if err != nil {
			return err
		}

		target, err := pickTarget(m, args)
		if err != nil {
			return err
		}

		publishTag, err := m.PublishTag(target.Tag())
		if err != nil {
			return err
		}

		published, err := artifact.Publish(cmd.Context(), artifact.Request{
			WorkDir:    m.WorkDirPath(),
			Patterns:   m.Packaging.Artifacts,
			PublishDir: m.PublishPath(),
			Built:      target.Tag(),
			PublishTag: publishTag,
		})
		if err != nil {
			return err
		}

		logctx.Log(cmd.Context()).Info().
			Int("artifacts", len(published)).
			Str("dir", m.PublishPath()).
			Msg("published")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(packageCmd)
}
