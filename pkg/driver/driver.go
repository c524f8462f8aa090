// Package driver runs a single build job: it rebuilds the working directory
// from scratch, evaluates the build script into a task graph (the configure
// step) and executes the requested tasks (the compile step). The first
// failing step aborts the job and its exit status is recorded.
package driver

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/interp"

	"github.com/kilnbuild/kiln/pkg/buildscript"
	"github.com/kilnbuild/kiln/pkg/logctx"
	"github.com/kilnbuild/kiln/pkg/platform"
)

// CacheFile is the name of the task graph cache inside the working directory.
const CacheFile = ".kiln-graph"

// Job describes one build of one target. Jobs are created, run once and
// discarded; nothing about them is persisted beyond the working directory
// they leave behind.
type Job struct {
	ID          uuid.UUID
	Target      platform.Tag
	ProjectRoot string
	Script      string
	WorkDir     string
	Options     map[string]string
	Tasks       []string

	// Env replaces the process environment for script evaluation and task
	// commands. Leave nil to use os.Environ.
	Env []string
	// Emulator runs binaries below EmulatedRoots through a translation
	// layer, usually qemu-user for cross-architecture builds.
	Emulator      string
	EmulatedRoots []string

	// ExitStatus holds the exit code of the failing step after Run returned
	// an error and stays 0 otherwise.
	ExitStatus int
}

// New returns a job with a fresh ID for the given target and project layout.
func New(target platform.Tag, projectRoot, script, workDir string) *Job {
	return &Job{
		ID:          uuid.New(),
		Target:      target,
		ProjectRoot: projectRoot,
		Script:      script,
		WorkDir:     workDir,
		Options:     map[string]string{},
	}
}

// Run executes the job. The working directory is deleted and recreated
// before anything else happens so outputs of earlier runs can't leak into
// this one.
func (j *Job) Run(ctx context.Context) error {
	err := j.run(ctx)
	if err != nil {
		j.ExitStatus = ExitCode(err)
	}

	return err
}

func (j *Job) run(ctx context.Context) error {
	err := os.RemoveAll(j.WorkDir)
	if err != nil {
		return eris.Wrapf(err, "failed to clear the working directory %s", j.WorkDir)
	}

	err = os.MkdirAll(j.WorkDir, 0o770)
	if err != nil {
		return eris.Wrapf(err, "failed to create the working directory %s", j.WorkDir)
	}

	logctx.Log(ctx).Info().
		Str("job", j.ID.String()).
		Str("target", j.Target.String()).
		Msg("configuring")

	tasks, _, err := buildscript.Evaluate(ctx, buildscript.Config{
		Script:      j.Script,
		ProjectRoot: j.ProjectRoot,
		Target:      j.Target,
		OutDir:      j.WorkDir,
		Options:     j.Options,
		Env:         j.Env,
		Configure:   true,
	})
	if err != nil {
		return eris.Wrap(err, "configure failed")
	}

	err = buildscript.WriteCache(filepath.Join(j.WorkDir, CacheFile), j.Options, tasks)
	if err != nil {
		// only later incremental runs miss out, the build itself is fine
		logctx.Log(ctx).Warn().Err(err).Msg("failed to write the task graph cache")
	}

	opts := buildscript.RunOptions{
		Env:           j.Env,
		Emulator:      j.Emulator,
		EmulatedRoots: j.EmulatedRoots,
	}

	for _, name := range j.Tasks {
		logctx.Log(ctx).Info().Str("task", name).Msg("running")

		err = buildscript.RunTask(ctx, j.ProjectRoot, name, tasks, opts)
		if err != nil {
			return eris.Wrapf(err, "task %s failed", name)
		}
	}

	return nil
}

// ExitCode maps an error to the exit code the process should end with: the
// shell's status when a command failed, 1 for everything else and 0 for nil.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}

	if status, ok := interp.IsExitStatus(err); ok {
		return int(status)
	}

	return 1
}
