package main

import (
	"maps"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/pkg/buildscript"
	"github.com/kilnbuild/kiln/pkg/ci"
	"github.com/kilnbuild/kiln/pkg/driver"
	"github.com/kilnbuild/kiln/pkg/logctx"
	"github.com/kilnbuild/kiln/pkg/platform"
	"github.com/kilnbuild/kiln/pkg/provision"
)

var runCmd = &cobra.Command{
	Use:   "run [task|option=value ...]",
	Short: "Run tasks incrementally without wiping the working directory",
	Long: `Unlike build, this keeps the working directory and skips tasks whose
outputs are already up to date. The task graph from the last configure is
reused as long as the options match.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		targetName, err := cmd.Flags().GetString("target")
		if err != nil {
			return err
		}

		m, err := loadManifest(cmd)
		if err != nil {
			return err
		}

		var targetArgs []string
		if targetName != "" {
			targetArgs = []string{targetName}
		}
		target, err := pickTarget(m, targetArgs)
		if err != nil {
			return err
		}

		cfg, err := parseEnvConfig()
		if err != nil {
			return err
		}

		prov := provision.New(cfg.CacheDir)
		env, err := prov.EnsureEnv(cmd.Context(), target, provision.Vars(target, m.Version, cfg.CI))
		if err != nil {
			return err
		}

		emulator, err := ci.SelectEmulator(target, platform.Host())
		if err != nil {
			return err
		}

		options := map[string]string{}
		for name, value := range m.Options {
			options[name] = value
		}
		tasks := []string{}
		for _, part := range args {
			name, value, found := strings.Cut(part, "=")
			if found {
				options[name] = value
			} else {
				tasks = append(tasks, part)
			}
		}
		if len(tasks) == 0 {
			tasks = []string{m.DefaultTask}
		}

		workDir := m.WorkDirPath()
		err = os.MkdirAll(workDir, 0o770)
		if err != nil {
			return eris.Wrapf(err, "failed to create the working directory %s", workDir)
		}

		baseEnv := env.Environ(os.Environ())
		ctx := cmd.Context()

		cachePath := filepath.Join(workDir, driver.CacheFile)
		var graph buildscript.TaskList

		cachedOptions, cachedGraph, err := buildscript.ReadCache(cachePath)
		if err == nil && maps.Equal(cachedOptions, options) {
			logctx.Log(ctx).Debug().Msg("reusing the cached task graph")
			graph = cachedGraph
		} else {
			graph, _, err = buildscript.Evaluate(ctx, buildscript.Config{
				Script:      m.ScriptPath(),
				ProjectRoot: m.Root(),
				Target:      target.Tag(),
				OutDir:      workDir,
				Options:     options,
				Env:         baseEnv,
				Configure:   true,
			})
			if err != nil {
				return eris.Wrap(err, "configure failed")
			}

			err = buildscript.WriteCache(cachePath, options, graph)
			if err != nil {
				logctx.Log(ctx).Warn().Err(err).Msg("failed to write the task graph cache")
			}
		}

		opts := buildscript.RunOptions{
			DryRun:        dryRun,
			Force:         force,
			Env:           baseEnv,
			Emulator:      emulator,
			EmulatedRoots: []string{env.Root, workDir},
		}

		for _, name := range tasks {
			err = buildscript.RunTask(ctx, m.Root(), name, graph, opts)
			if err != nil {
				return eris.Wrapf(err, "task %s failed", name)
			}
		}

		return nil
	},
}

func init() {
	runCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	runCmd.Flags().BoolP("force", "f", false, "always execute the named tasks even if they are up to date")
	runCmd.Flags().StringP("target", "t", "", "target platform (default: the manifest's default target)")

	rootCmd.AddCommand(runCmd)
}
