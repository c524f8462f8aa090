package main

import (
	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/pkg/pipeline"
)

var buildCmd = &cobra.Command{
	Use:   "build [target] [task|option=value ...]",
	Short: "Run the full pipeline for one target",
	Long: `Provisions the target's toolchain, rebuilds the working directory from
scratch, runs the requested tasks (the manifest's default task when none are
named) and publishes the resulting bundles.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		m, err := loadManifest(cmd)
		if err != nil {
			return err
		}

		target, options, tasks, err := splitBuildArgs(m, args)
		if err != nil {
			return err
		}

		cfg, err := parseEnvConfig()
		if err != nil {
			return err
		}

		_, err = pipeline.Run(cmd.Context(), pipeline.Config{
			Manifest: m,
			Target:   target,
			CacheDir: cfg.CacheDir,
			CI:       cfg.CI,
			Options:  options,
			Tasks:    tasks,
		})
		return err
	},
}

func init() {
	rootCmd.AddCommand(buildCmd)
}
