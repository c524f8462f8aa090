// Package ci covers the parts of a run that only matter on a build machine:
// reading the trigger event from the environment and picking the emulator
// that cross-architecture builds run their foreign binaries under.
package ci

import (
	"os/exec"

	"github.com/caarlos0/env/v11"
	"github.com/rotisserie/eris"

	"github.com/kilnbuild/kiln/pkg/manifest"
	"github.com/kilnbuild/kiln/pkg/platform"
)

// Event is the external trigger a CI run reacts to.
type Event struct {
	Name   string `env:"KILN_EVENT" envDefault:"push"`
	Branch string `env:"KILN_BRANCH"`
}

// ReadEvent parses the trigger event from the given environment variables
// (usually os.Environ).
func ReadEvent(environ []string) (Event, error) {
	var evt Event

	err := env.ParseWithOptions(&evt, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return Event{}, eris.Wrap(err, "failed to read the trigger event from the environment")
	}

	return evt, nil
}

var lookPath = exec.LookPath

// SelectEmulator returns the binary translation layer the target's programs
// run under on the given host. Targets matching the host architecture run
// natively and get an empty result. A target declaring an explicit emulator
// uses that; otherwise qemu-user is looked up on PATH and its absence is a
// provisioning failure.
func SelectEmulator(target *manifest.Target, host platform.Tag) (string, error) {
	tag := target.Tag()
	if !tag.NeedsEmulation(host) {
		return "", nil
	}

	setting := target.Emulator
	switch setting {
	case "none":
		return "", nil
	case "", "auto":
		cpu := tag.Arch.QemuCPU()
		for _, name := range []string{"qemu-" + cpu + "-static", "qemu-" + cpu} {
			path, err := lookPath(name)
			if err == nil {
				return path, nil
			}
		}

		return "", eris.Errorf("target %s needs emulation on %s but no qemu-%s binary was found on PATH", tag, host, cpu)
	default:
		path, err := lookPath(setting)
		if err != nil {
			return "", eris.Wrapf(err, "failed to find the emulator %s declared for target %s", setting, tag)
		}

		return path, nil
	}
}
