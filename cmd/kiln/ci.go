package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/pkg/ci"
	"github.com/kilnbuild/kiln/pkg/logctx"
	"github.com/kilnbuild/kiln/pkg/pipeline"
)

var ciCmd = &cobra.Command{
	Use:   "ci",
	Short: "Run the pipeline for every CI target of the manifest",
	Long: `Reads the trigger event from KILN_EVENT and KILN_BRANCH and checks it
against the manifest's ci.on filters. A non-matching event is not an error,
the command just does nothing. Matching events build every CI target in
manifest order, stopping at the first failure.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadManifest(cmd)
		if err != nil {
			return err
		}

		evt, err := ci.ReadEvent(os.Environ())
		if err != nil {
			return err
		}

		if !m.CI.On.Matches(evt.Name, evt.Branch) {
			logctx.Log(cmd.Context()).Info().
				Str("event", evt.Name).
				Str("branch", evt.Branch).
				Msg("event matches no trigger, nothing to do")
			return nil
		}

		targets, err := m.CITargets()
		if err != nil {
			return err
		}

		cfg, err := parseEnvConfig()
		if err != nil {
			return err
		}

		for _, target := range targets {
			_, err = pipeline.Run(cmd.Context(), pipeline.Config{
				Manifest: m,
				Target:   target,
				CacheDir: cfg.CacheDir,
				CI:       true,
			})
			if err != nil {
				return err
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(ciCmd)
}
