package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/pkg/driver"
	"github.com/kilnbuild/kiln/pkg/logctx"
	"github.com/kilnbuild/kiln/pkg/manifest"
)

// envConfig holds the settings kiln reads from the process environment.
type envConfig struct {
	CacheDir string `env:"KILN_CACHE_DIR"`
	Debug    bool   `env:"KILN_DEBUG"`
	CI       bool   `env:"CI"`
}

func parseEnvConfig() (*envConfig, error) {
	var cfg envConfig

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(os.Environ()),
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse the process environment")
	}

	if cfg.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, eris.Wrap(err, "failed to locate the user cache directory")
		}

		cfg.CacheDir = filepath.Join(base, "kiln")
	}

	return &cfg, nil
}

var rootCmd = &cobra.Command{
	Use:   "kiln",
	Short: "Cross-platform build pipeline runner",
	Long: `kiln provisions a target's toolchain, runs the project's build script and
publishes the resulting bundles. Projects are described by a kiln.yml manifest
and a build.star script next to it.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonLog, err := cmd.Flags().GetBool("json-log")
		if err != nil {
			return err
		}

		debug, err := cmd.Flags().GetBool("debug")
		if err != nil {
			return err
		}
		if os.Getenv("KILN_DEBUG") != "" {
			debug = true
		}

		var logger zerolog.Logger
		if jsonLog {
			logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		} else {
			logger = zerolog.New(NewConsoleWriter())
		}

		level := zerolog.InfoLevel
		if debug {
			level = zerolog.DebugLevel
		}
		logger = logger.Level(level)

		cmd.SetContext(logctx.WithLogger(cmd.Context(), &logger))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug output")
	rootCmd.PersistentFlags().Bool("json-log", false, "emit log lines as JSON instead of colored text")
	rootCmd.PersistentFlags().StringP("manifest", "m", "", "path of the project manifest (default: the next kiln.yml upwards)")
}

// Execute runs the CLI and exits with the failing step's exit code on error.
func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	if err != nil {
		logger := zerolog.New(NewConsoleWriter())
		logger.Error().Err(err).Msg("aborted")
		os.Exit(driver.ExitCode(err))
	}
}

func loadManifest(cmd *cobra.Command) (*manifest.Manifest, error) {
	path, err := cmd.Flags().GetString("manifest")
	if err != nil {
		return nil, err
	}

	if path == "" {
		path, err = findManifest()
		if err != nil {
			return nil, err
		}
	}

	return manifest.Load(path)
}

// findManifest walks up from the working directory until it finds a kiln.yml.
func findManifest() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", eris.Wrap(err, "failed to retrieve the current working directory")
	}

	for {
		path := filepath.Join(dir, manifest.DefaultFile)
		_, err := os.Stat(path)
		if err == nil {
			return path, nil
		}
		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", path)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", eris.Errorf("no %s found in the current directory or any parent", manifest.DefaultFile)
		}

		dir = parent
	}
}

// pickTarget resolves the first positional target argument, falling back to
// the manifest's default when none was given.
func pickTarget(m *manifest.Manifest, args []string) (*manifest.Target, error) {
	if len(args) > 0 {
		return m.Target(args[0])
	}

	return m.PickTarget()
}

// splitBuildArgs sorts the command line into the target, option overrides
// (name=value) and task names. The target has to come first.
func splitBuildArgs(m *manifest.Manifest, args []string) (*manifest.Target, map[string]string, []string, error) {
	var target *manifest.Target
	rest := args

	if len(args) > 0 && !strings.Contains(args[0], "=") {
		candidate, err := m.Target(args[0])
		if err == nil {
			target = candidate
			rest = args[1:]
		}
	}

	if target == nil {
		var err error
		target, err = m.PickTarget()
		if err != nil {
			return nil, nil, nil, err
		}
	}

	options := map[string]string{}
	tasks := []string{}
	for _, part := range rest {
		name, value, found := strings.Cut(part, "=")
		if found {
			options[name] = value
		} else {
			tasks = append(tasks, part)
		}
	}

	return target, options, tasks, nil
}
