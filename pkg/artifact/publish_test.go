package artifact

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnbuild/kiln/pkg/platform"
)

func mustParseTag(t *testing.T, value string) platform.Tag {
	t.Helper()

	tag, err := platform.Parse(value)
	if err != nil {
		t.Fatalf("failed to parse tag %s: %v", value, err)
	}
	return tag
}

func TestPublishMovesBundle(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	publishDir := filepath.Join(t.TempDir(), "publish")
	info := Info{Name: "demo", Version: "1.0", Tag: "linux_amd64"}
	writeTestBundle(t, workDir, info, map[string]string{"bin/demo": "x"})

	published, err := Publish(testContext(), Request{
		WorkDir:    workDir,
		Patterns:   []string{"*.kb"},
		PublishDir: publishDir,
		Built:      mustParseTag(t, "linux_amd64"),
		PublishTag: "linux_amd64",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(published) != 1 {
		t.Fatalf("expected exactly one published bundle, got %d", len(published))
	}
	if filepath.Base(published[0]) != info.Filename() {
		t.Errorf("expected %s, got %s", info.Filename(), published[0])
	}

	if _, err := os.Stat(published[0]); err != nil {
		t.Errorf("expected the bundle in the publish directory: %v", err)
	}
	if _, err := os.Stat(filepath.Join(workDir, info.Filename())); err == nil {
		t.Error("expected the bundle to be moved out of the working directory")
	}
}

func TestPublishRetagsBundle(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	publishDir := filepath.Join(t.TempDir(), "publish")
	info := Info{Name: "demo", Version: "1.0", Tag: "linux_arm64"}
	writeTestBundle(t, workDir, info, map[string]string{"bin/demo": "x"})

	// a stale copy with the build tag has to disappear
	err := os.MkdirAll(publishDir, 0o770)
	if err != nil {
		t.Fatal(err)
	}
	stale := filepath.Join(publishDir, info.Filename())
	err = os.WriteFile(stale, []byte("stale"), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	published, err := Publish(testContext(), Request{
		WorkDir:    workDir,
		Patterns:   []string{"*.kb"},
		PublishDir: publishDir,
		Built:      mustParseTag(t, "linux_arm64"),
		PublishTag: "manylinux2014_aarch64",
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if len(published) != 1 || filepath.Base(published[0]) != "demo-1.0-manylinux2014_aarch64.kb" {
		t.Fatalf("expected the retagged bundle, got %v", published)
	}

	meta, err := ReadInfo(published[0])
	if err != nil {
		t.Fatalf("ReadInfo failed: %v", err)
	}
	if meta.Tag != "manylinux2014_aarch64" {
		t.Errorf("expected the recorded tag to be rewritten, got %s", meta.Tag)
	}

	if _, err := os.Stat(filepath.Join(workDir, info.Filename())); err == nil {
		t.Error("expected the original bundle to be deleted from the working directory")
	}
	if _, err := os.Stat(stale); err == nil {
		t.Error("expected the stale bundle to be deleted from the publish directory")
	}
}

func TestPublishRejectsTagMismatch(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	publishDir := filepath.Join(t.TempDir(), "publish")
	info := Info{Name: "demo", Version: "1.0", Tag: "linux_arm64"}
	writeTestBundle(t, workDir, info, map[string]string{"bin/demo": "x"})

	_, err := Publish(testContext(), Request{
		WorkDir:    workDir,
		Patterns:   []string{"*.kb"},
		PublishDir: publishDir,
		Built:      mustParseTag(t, "linux_amd64"),
		PublishTag: "linux_amd64",
	})
	if err == nil || !strings.Contains(err.Error(), "built for") {
		t.Fatalf("expected a tag mismatch error, got: %v", err)
	}

	entries, err := os.ReadDir(publishDir)
	if err == nil && len(entries) > 0 {
		t.Error("expected nothing to be published on a tag mismatch")
	}
}

func TestPublishRejectsRenamedBundle(t *testing.T) {
	t.Parallel()

	workDir := t.TempDir()
	info := Info{Name: "demo", Version: "1.0", Tag: "linux_arm64"}
	path := writeTestBundle(t, workDir, info, map[string]string{"bin/demo": "x"})

	// the file name lies about the platform
	renamed := filepath.Join(workDir, "demo-1.0-linux_amd64.kb")
	err := os.Rename(path, renamed)
	if err != nil {
		t.Fatal(err)
	}

	_, err = Publish(testContext(), Request{
		WorkDir:    workDir,
		Patterns:   []string{"*.kb"},
		PublishDir: filepath.Join(t.TempDir(), "publish"),
		Built:      mustParseTag(t, "linux_arm64"),
		PublishTag: "linux_arm64",
	})
	if err == nil || !strings.Contains(err.Error(), "disagrees") {
		t.Fatalf("expected a name/metadata mismatch error, got: %v", err)
	}
}

func TestPublishRequiresArtifacts(t *testing.T) {
	t.Parallel()

	_, err := Publish(testContext(), Request{
		WorkDir:    t.TempDir(),
		Patterns:   []string{"*.kb"},
		PublishDir: filepath.Join(t.TempDir(), "publish"),
		Built:      platform.Host(),
		PublishTag: platform.Host().String(),
	})
	if err == nil || !strings.Contains(err.Error(), "no artifacts") {
		t.Fatalf("expected a missing artifact error, got: %v", err)
	}
}
