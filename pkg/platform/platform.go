// Package platform defines the tag format used to describe which OS/CPU
// combination an environment or artifact belongs to. A tag has the form
// "<os>_<arch>" where the arch uses Go's spelling (amd64, arm64, ...).
package platform

import (
	"runtime"
	"strings"

	"github.com/rotisserie/eris"
)

// Arch is a CPU architecture in Go's spelling.
type Arch string

const (
	Amd64   Arch = "amd64"
	I386    Arch = "386"
	Arm64   Arch = "arm64"
	Arm     Arch = "arm"
	Ppc64le Arch = "ppc64le"
	S390x   Arch = "s390x"
	Riscv64 Arch = "riscv64"
)

// NormalizeArch maps common alternate spellings (uname, dpkg, wheel tags)
// onto the canonical Arch. Returns "" for unknown values.
func NormalizeArch(value string) Arch {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "amd64", "x86_64", "x86-64", "x64":
		return Amd64
	case "386", "i386", "i486", "i586", "i686", "x86":
		return I386
	case "arm64", "aarch64":
		return Arm64
	case "arm", "armv7", "armv7l", "armhf":
		return Arm
	case "ppc64le", "ppc64el", "powerpc64le":
		return Ppc64le
	case "s390x":
		return S390x
	case "riscv64":
		return Riscv64
	default:
		return ""
	}
}

// QemuCPU returns the CPU name qemu-user binaries use for this arch
// (qemu-x86_64, qemu-aarch64, ...).
func (a Arch) QemuCPU() string {
	switch a {
	case Amd64:
		return "x86_64"
	case I386:
		return "i386"
	case Arm64:
		return "aarch64"
	case Arm:
		return "arm"
	case Ppc64le:
		return "ppc64le"
	case S390x:
		return "s390x"
	case Riscv64:
		return "riscv64"
	default:
		return string(a)
	}
}

// Tag identifies an OS/architecture combination, e.g. "linux_arm64".
type Tag struct {
	OS   string
	Arch Arch
}

// Host returns the tag describing the machine this process runs on.
func Host() Tag {
	return Tag{OS: runtime.GOOS, Arch: Arch(runtime.GOARCH)}
}

// Parse splits a tag string into its OS and arch parts. The arch part is
// normalized, so "linux_aarch64" and "linux_arm64" describe the same tag.
func Parse(value string) (Tag, error) {
	parts := strings.SplitN(value, "_", 2)
	if len(parts) != 2 || parts[0] == "" {
		return Tag{}, eris.Errorf("invalid platform tag %q, expected <os>_<arch>", value)
	}

	arch := NormalizeArch(parts[1])
	if arch == "" {
		return Tag{}, eris.Errorf("unknown architecture %q in platform tag %q", parts[1], value)
	}

	return Tag{OS: parts[0], Arch: arch}, nil
}

// String renders the canonical form of the tag.
func (t Tag) String() string {
	return t.OS + "_" + string(t.Arch)
}

// Matches reports whether both tags describe the same OS/arch combination.
func (t Tag) Matches(other Tag) bool {
	return t.OS == other.OS && t.Arch == other.Arch
}

// NeedsEmulation reports whether binaries built for this tag cannot run
// natively on the given host.
func (t Tag) NeedsEmulation(host Tag) bool {
	return t.Arch != host.Arch
}
