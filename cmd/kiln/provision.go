package main

import (
	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/pkg/logctx"
	"github.com/kilnbuild/kiln/pkg/provision"
)

var provisionCmd = &cobra.Command{
	Use:   "provision [target]",
	Short: "Download and unpack the toolchain for a target",
	Long: `Builds the target's execution environment in the cache directory. Pieces
that are already present and unchanged are reused, so running this twice is
cheap.`,
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

		cfg, err := parseEnvConfig()
		if err != nil {
			return err
		}

		prov := provision.New(cfg.CacheDir)
		vars := provision.Vars(target, m.Version, cfg.CI)

		env, err := prov.EnsureEnv(cmd.Context(), target, vars)
		if err != nil {
			return err
		}

		logctx.Log(cmd.Context()).Info().
			Str("target", target.Tag().String()).
			Str("root", env.Root).
			Msg("environment ready")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}
