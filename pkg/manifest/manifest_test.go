package manifest

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kilnbuild/kiln/pkg/platform"
)

const sampleManifest = `
project: demo
version: 1.2.0
defaultTarget: linux_amd64
targets:
  linux_amd64:
    cc: bin/gcc
    cxx: bin/g++
    path: [bin]
  linux_arm64:
    emulator: auto
    toolchain:
      sysroot:
        url: https://dl.example.com/sysroot-{TARGET_ARCH}.tar.xz
        sha256: 0000000000000000000000000000000000000000000000000000000000000000
        dest: sysroot
        strip: 1
packaging:
  artifacts: ["dist/*.kb"]
  retag:
    linux_arm64: manylinux2014_aarch64
ci:
  on:
    push:
      branches: [mainline]
    pull_request:
      branches: [mainline]
  targets: [linux_amd64, linux_arm64]
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, DefaultFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	m, err := Load(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if m.Script != "build.star" {
		t.Fatalf("Script = %q, want build.star", m.Script)
	}
	if m.DefaultTask != "build" {
		t.Fatalf("DefaultTask = %q, want build", m.DefaultTask)
	}
	if m.WorkDir != "build" {
		t.Fatalf("WorkDir = %q, want build", m.WorkDir)
	}
	if m.Packaging.Publish != "publish" {
		t.Fatalf("Publish = %q, want publish", m.Packaging.Publish)
	}
	if got, want := m.WorkDirPath(), filepath.Join(m.Root(), "build"); got != want {
		t.Fatalf("WorkDirPath() = %q, want %q", got, want)
	}
}

func TestTargetAcceptsAlternateSpellings(t *testing.T) {
	t.Parallel()

	m, err := Load(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	target, err := m.Target("linux_aarch64")
	if err != nil {
		t.Fatalf("Target(linux_aarch64) error = %v", err)
	}
	if target.Tag().String() != "linux_arm64" {
		t.Fatalf("tag = %q, want linux_arm64", target.Tag())
	}

	if _, err := m.Target("linux_mips"); err == nil {
		t.Fatal("Target(linux_mips) succeeded, want error")
	}
}

func TestTriggerMatching(t *testing.T) {
	t.Parallel()

	m, err := Load(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !m.CI.On.Matches("push", "mainline") {
		t.Fatal("push to mainline should match")
	}
	if !m.CI.On.Matches("pull_request", "mainline") {
		t.Fatal("pull_request against mainline should match")
	}
	if m.CI.On.Matches("push", "feature/x") {
		t.Fatal("push to feature/x should not match")
	}
	if m.CI.On.Matches("schedule", "mainline") {
		t.Fatal("unknown event should not match")
	}
}

func TestPublishTag(t *testing.T) {
	t.Parallel()

	m, err := Load(writeManifest(t, sampleManifest))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	got, err := m.PublishTag(platform.Tag{OS: "linux", Arch: platform.Arm64})
	if err != nil {
		t.Fatalf("PublishTag() error = %v", err)
	}
	if got != "manylinux2014_aarch64" {
		t.Fatalf("PublishTag(linux_arm64) = %q, want manylinux2014_aarch64", got)
	}

	got, err = m.PublishTag(platform.Tag{OS: "linux", Arch: platform.Amd64})
	if err != nil {
		t.Fatalf("PublishTag() error = %v", err)
	}
	if got != "linux_amd64" {
		t.Fatalf("PublishTag(linux_amd64) = %q, want linux_amd64", got)
	}
}

func TestValidationFailures(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"missing project": `
version: 1.0.0
targets:
  linux_amd64: {}
`,
		"missing version": `
project: demo
targets:
  linux_amd64: {}
`,
		"no targets": `
project: demo
version: 1.0.0
`,
		"bad target tag": `
project: demo
version: 1.0.0
targets:
  commodore64: {}
`,
		"toolchain dep without url": `
project: demo
version: 1.0.0
targets:
  linux_amd64:
    toolchain:
      gcc:
        dest: gcc
`,
		"unknown defaultTarget": `
project: demo
version: 1.0.0
defaultTarget: linux_s390x
targets:
  linux_amd64: {}
`,
		"retag with separator": `
project: demo
version: 1.0.0
targets:
  linux_amd64: {}
packaging:
  retag:
    linux_amd64: many-linux
`,
		"unknown ci target": `
project: demo
version: 1.0.0
targets:
  linux_amd64: {}
ci:
  targets: [linux_arm64]
`,
	}

	for name, content := range cases {
		if _, err := Load(writeManifest(t, content)); err == nil {
			t.Fatalf("%s: Load() succeeded, want error", name)
		}
	}
}

func TestCITargetsDefaultsToAllSorted(t *testing.T) {
	t.Parallel()

	m, err := Load(writeManifest(t, `
project: demo
version: 1.0.0
targets:
  linux_arm64: {}
  linux_amd64: {}
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	targets, err := m.CITargets()
	if err != nil {
		t.Fatalf("CITargets() error = %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("len(targets) = %d, want 2", len(targets))
	}
	if targets[0].Tag().String() != "linux_amd64" || targets[1].Tag().String() != "linux_arm64" {
		t.Fatalf("targets out of order: %s, %s", targets[0].Tag(), targets[1].Tag())
	}
}
