// Package pipeline chains the three stages of a full build: provision the
// target's environment, drive the build and publish the artifacts. The
// stages run strictly in order and the first failing stage aborts the run;
// there are no retries and no partial-success states.
package pipeline

import (
	"context"
	"os"

	"github.com/rotisserie/eris"

	"github.com/kilnbuild/kiln/pkg/artifact"
	"github.com/kilnbuild/kiln/pkg/ci"
	"github.com/kilnbuild/kiln/pkg/driver"
	"github.com/kilnbuild/kiln/pkg/logctx"
	"github.com/kilnbuild/kiln/pkg/manifest"
	"github.com/kilnbuild/kiln/pkg/platform"
	"github.com/kilnbuild/kiln/pkg/provision"
)

// Config describes one pipeline run for one target.
type Config struct {
	Manifest *manifest.Manifest
	Target   *manifest.Target
	// CacheDir is where provisioned environments live.
	CacheDir string
	// CI marks runs on a build machine: progress output is suppressed and
	// toolchain deps gated on the ci condition become active.
	CI bool
	// Options overrides the manifest's build script options.
	Options map[string]string
	// Tasks are the tasks to run, the manifest's default task when empty.
	Tasks []string
}

// Run executes provision → build → publish for one target. The returned job
// carries the exit status of the failing step when an error is returned.
func Run(ctx context.Context, cfg Config) (*driver.Job, error) {
	m := cfg.Manifest
	tag := cfg.Target.Tag()

	logctx.Log(ctx).Info().
		Str("project", m.Project).
		Str("target", tag.String()).
		Msg("provisioning environment")

	prov := provision.New(cfg.CacheDir)
	vars := provision.Vars(cfg.Target, m.Version, cfg.CI)

	env, err := prov.EnsureEnv(ctx, cfg.Target, vars)
	if err != nil {
		return nil, eris.Wrap(err, "provisioning failed")
	}

	emulator, err := ci.SelectEmulator(cfg.Target, platform.Host())
	if err != nil {
		return nil, eris.Wrap(err, "provisioning failed")
	}
	if emulator != "" {
		logctx.Log(ctx).Info().Str("emulator", emulator).Msg("target runs under emulation")
	}

	options := map[string]string{}
	for name, value := range m.Options {
		options[name] = value
	}
	for name, value := range cfg.Options {
		options[name] = value
	}

	job := driver.New(tag, m.Root(), m.ScriptPath(), m.WorkDirPath())
	job.Options = options
	job.Tasks = cfg.Tasks
	if len(job.Tasks) == 0 {
		job.Tasks = []string{m.DefaultTask}
	}
	job.Env = env.Environ(os.Environ())
	job.Emulator = emulator
	job.EmulatedRoots = []string{env.Root, m.WorkDirPath()}

	err = job.Run(ctx)
	if err != nil {
		return job, err
	}

	publishTag, err := m.PublishTag(tag)
	if err != nil {
		job.ExitStatus = driver.ExitCode(err)
		return job, eris.Wrap(err, "packaging failed")
	}

	published, err := artifact.Publish(ctx, artifact.Request{
		WorkDir:    m.WorkDirPath(),
		Patterns:   m.Packaging.Artifacts,
		PublishDir: m.PublishPath(),
		Built:      tag,
		PublishTag: publishTag,
	})
	if err != nil {
		job.ExitStatus = driver.ExitCode(err)
		return job, eris.Wrap(err, "packaging failed")
	}

	logctx.Log(ctx).Info().
		Int("artifacts", len(published)).
		Str("target", tag.String()).
		Msg("pipeline finished")

	return job, nil
}
