// Package buildscript evaluates a project's build.star script and runs the
// resulting task graph. Starlark describes the tasks, mvdan.cc/sh provides
// the shell runtime the task commands execute in, which keeps build scripts
// behaving the same on every supported platform. When a build targets a
// foreign architecture, the runner transparently routes toolchain binaries
// through an emulator.
package buildscript
