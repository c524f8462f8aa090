package provision

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/kilnbuild/kiln/pkg/manifest"
	"github.com/kilnbuild/kiln/pkg/platform"
)

func makeTarGz(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	for name, content := range files {
		err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		})
		if err != nil {
			t.Fatalf("failed to write tar header for %s: %v", name, err)
		}
		if _, err := tw.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write tar entry %s: %v", name, err)
		}
	}

	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar writer: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip writer: %v", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func makeZip(t *testing.T, files map[string]string) ([]byte, string) {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		entry, err := zw.Create(name)
		if err != nil {
			t.Fatalf("failed to create zip entry %s: %v", name, err)
		}
		if _, err := entry.Write([]byte(content)); err != nil {
			t.Fatalf("failed to write zip entry %s: %v", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip writer: %v", err)
	}

	sum := sha256.Sum256(buf.Bytes())
	return buf.Bytes(), hex.EncodeToString(sum[:])
}

func serveFiles(t *testing.T, files map[string][]byte) (*httptest.Server, *int) {
	t.Helper()

	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, ok := files[r.URL.Path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		hits++
		w.Write(data)
	}))
	t.Cleanup(server.Close)

	return server, &hits
}

func testTarget(t *testing.T, toolchain map[string]manifest.ToolchainDep) *manifest.Target {
	t.Helper()

	tag, err := platform.Parse("linux_amd64")
	if err != nil {
		t.Fatalf("failed to parse tag: %v", err)
	}

	target := manifest.NewTarget(tag)
	target.Toolchain = toolchain
	return target
}

func TestEnsureEnvProvisionsAndReuses(t *testing.T) {
	t.Parallel()

	archive, checksum := makeTarGz(t, map[string]string{
		"gcc-13/bin/gcc":     "#!/bin/sh\n",
		"gcc-13/lib/libc.so": "elf",
	})
	server, hits := serveFiles(t, map[string][]byte{"/gcc.tar.gz": archive})

	target := testTarget(t, map[string]manifest.ToolchainDep{
		"gcc": {
			URL:    server.URL + "/gcc.tar.gz",
			Sha256: checksum,
			Dest:   "toolchain",
			Strip:  1,
		},
	})

	prov := New(t.TempDir())
	env, err := prov.EnsureEnv(context.Background(), target, nil)
	if err != nil {
		t.Fatalf("EnsureEnv failed: %v", err)
	}

	compiler := filepath.Join(env.Root, "toolchain", "bin", "gcc")
	if _, err := os.Stat(compiler); err != nil {
		t.Fatalf("expected %s to exist: %v", compiler, err)
	}
	if *hits != 1 {
		t.Fatalf("expected 1 download, got %d", *hits)
	}

	// a second run reuses the stamped environment
	env2, err := prov.EnsureEnv(context.Background(), target, nil)
	if err != nil {
		t.Fatalf("second EnsureEnv failed: %v", err)
	}
	if env2.Root != env.Root {
		t.Fatalf("expected the same environment root, got %s and %s", env.Root, env2.Root)
	}
	if *hits != 1 {
		t.Fatalf("expected the second run to skip the download, got %d hits", *hits)
	}
}

func TestEnsureEnvRedownloadsOnChangedURL(t *testing.T) {
	t.Parallel()

	archive, checksum := makeTarGz(t, map[string]string{"tool/run": "v1"})
	server, hits := serveFiles(t, map[string][]byte{
		"/v1.tar.gz": archive,
		"/v2.tar.gz": archive,
	})

	target := testTarget(t, map[string]manifest.ToolchainDep{
		"tool": {URL: server.URL + "/v1.tar.gz", Sha256: checksum, Dest: "tool", Strip: 1},
	})

	prov := New(t.TempDir())
	if _, err := prov.EnsureEnv(context.Background(), target, nil); err != nil {
		t.Fatalf("EnsureEnv failed: %v", err)
	}

	target.Toolchain["tool"] = manifest.ToolchainDep{
		URL: server.URL + "/v2.tar.gz", Sha256: checksum, Dest: "tool", Strip: 1,
	}
	if _, err := prov.EnsureEnv(context.Background(), target, nil); err != nil {
		t.Fatalf("EnsureEnv after URL change failed: %v", err)
	}

	if *hits != 2 {
		t.Fatalf("expected a fresh download after the URL changed, got %d hits", *hits)
	}
}

func TestEnsureEnvRejectsBadChecksum(t *testing.T) {
	t.Parallel()

	archive, _ := makeTarGz(t, map[string]string{"tool/run": "data"})
	server, _ := serveFiles(t, map[string][]byte{"/tool.tar.gz": archive})

	target := testTarget(t, map[string]manifest.ToolchainDep{
		"tool": {
			URL:    server.URL + "/tool.tar.gz",
			Sha256: strings.Repeat("0", 64),
			Dest:   "tool",
		},
	})

	prov := New(t.TempDir())
	_, err := prov.EnsureEnv(context.Background(), target, nil)
	if err == nil {
		t.Fatal("expected a checksum error")
	}
	if !strings.Contains(err.Error(), "checksum mismatch") {
		t.Fatalf("expected a checksum mismatch error, got: %v", err)
	}

	dest := filepath.Join(prov.CacheDir, "linux_amd64", "tool")
	if _, err := os.Stat(dest); err == nil {
		t.Fatalf("expected %s to not exist after a failed download", dest)
	}
}

func TestEnsureEnvPlacesPlainFiles(t *testing.T) {
	t.Parallel()

	payload := []byte("standalone binary")
	sum := sha256.Sum256(payload)
	server, _ := serveFiles(t, map[string][]byte{"/ninja": payload})

	target := testTarget(t, map[string]manifest.ToolchainDep{
		"ninja": {
			URL:      server.URL + "/ninja",
			Sha256:   hex.EncodeToString(sum[:]),
			Dest:     filepath.Join("bin", "ninja"),
			MarkExec: []string{},
		},
	})

	prov := New(t.TempDir())
	env, err := prov.EnsureEnv(context.Background(), target, nil)
	if err != nil {
		t.Fatalf("EnsureEnv failed: %v", err)
	}

	placed, err := os.ReadFile(filepath.Join(env.Root, "bin", "ninja"))
	if err != nil {
		t.Fatalf("expected the download to be placed at dest: %v", err)
	}
	if !bytes.Equal(placed, payload) {
		t.Fatal("placed file doesn't match the served payload")
	}
}

func TestEnsureEnvMarksExecutables(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("no executable bits on windows")
	}
	t.Parallel()

	archive, checksum := makeZip(t, map[string]string{"bin/tool": "#!/bin/sh\n"})
	server, _ := serveFiles(t, map[string][]byte{"/tools.zip": archive})

	target := testTarget(t, map[string]manifest.ToolchainDep{
		"tools": {
			URL:      server.URL + "/tools.zip",
			Sha256:   checksum,
			Dest:     "tools",
			MarkExec: []string{filepath.Join("bin", "tool")},
		},
	})

	prov := New(t.TempDir())
	env, err := prov.EnsureEnv(context.Background(), target, nil)
	if err != nil {
		t.Fatalf("EnsureEnv failed: %v", err)
	}

	fi, err := os.Stat(filepath.Join(env.Root, "tools", "bin", "tool"))
	if err != nil {
		t.Fatalf("expected the tool to exist: %v", err)
	}
	if fi.Mode()&0o100 == 0 {
		t.Fatalf("expected the executable bit to be set, got %s", fi.Mode())
	}
}

func TestEvalConditions(t *testing.T) {
	t.Parallel()

	vars := map[string]string{
		"linux":       "true",
		"TARGET_ARCH": "arm64",
	}

	cases := []struct {
		name string
		dep  manifest.ToolchainDep
		want bool
	}{
		{"no conditions", manifest.ToolchainDep{URL: "https://example.org/a.zip"}, true},
		{"met condition", manifest.ToolchainDep{Condition: "linux"}, true},
		{"unmet condition", manifest.ToolchainDep{Condition: "windows"}, false},
		{"met rejection", manifest.ToolchainDep{Rejections: "linux"}, false},
		{"unmet rejection", manifest.ToolchainDep{Rejections: "windows"}, true},
		{"mixed list", manifest.ToolchainDep{Condition: "linux, windows"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dep := tc.dep
			if got := evalConditions(&dep, vars); got != tc.want {
				t.Fatalf("expected %v, got %v", tc.want, got)
			}
		})
	}

	dep := manifest.ToolchainDep{URL: "https://example.org/sysroot-{TARGET_ARCH}.tar.gz"}
	evalConditions(&dep, vars)
	if dep.URL != "https://example.org/sysroot-arm64.tar.gz" {
		t.Fatalf("expected the URL placeholder to be interpolated, got %s", dep.URL)
	}
}

func TestVars(t *testing.T) {
	t.Parallel()

	tag, err := platform.Parse("linux_arm64")
	if err != nil {
		t.Fatalf("failed to parse tag: %v", err)
	}

	vars := Vars(manifest.NewTarget(tag), "2.1.0", true)
	if vars["TARGET"] != "linux_arm64" {
		t.Errorf("expected TARGET=linux_arm64, got %s", vars["TARGET"])
	}
	if vars["TARGET_CPU"] != "aarch64" {
		t.Errorf("expected TARGET_CPU=aarch64, got %s", vars["TARGET_CPU"])
	}
	if vars["VERSION"] != "2.1.0" {
		t.Errorf("expected VERSION=2.1.0, got %s", vars["VERSION"])
	}
	if vars["ci"] != "true" {
		t.Error("expected the ci condition var to be set")
	}
	if vars["linux"] != "true" {
		t.Error("expected the target OS condition var to be set")
	}
}

func TestEnvEnviron(t *testing.T) {
	t.Parallel()

	tag, err := platform.Parse("linux_arm64")
	if err != nil {
		t.Fatalf("failed to parse tag: %v", err)
	}

	target := manifest.NewTarget(tag)
	target.CC = filepath.Join("bin", "aarch64-linux-gnu-gcc")
	target.CXX = filepath.Join("bin", "aarch64-linux-gnu-g++")
	target.Env = map[string]string{"SYSROOT": "{ROOT}/sysroot"}
	target.Path = []string{"bin"}

	root := filepath.Join(string(filepath.Separator), "opt", "env")
	env := &Env{Root: root, Target: target}

	result := env.Environ([]string{
		"PATH=/usr/bin",
		"CC=cc",
		"HOME=/home/user",
	})

	got := map[string]string{}
	for _, item := range result {
		parts := strings.SplitN(item, "=", 2)
		if prev, dup := got[parts[0]]; dup {
			t.Fatalf("duplicate env entry %s (%s and %s)", parts[0], prev, parts[1])
		}
		got[parts[0]] = parts[1]
	}

	if want := filepath.Join(root, "bin", "aarch64-linux-gnu-gcc"); got["CC"] != want {
		t.Errorf("expected CC=%s, got %s", want, got["CC"])
	}
	if want := filepath.Join(root, "bin") + string(os.PathListSeparator) + "/usr/bin"; got["PATH"] != want {
		t.Errorf("expected PATH=%s, got %s", want, got["PATH"])
	}
	if want := root + "/sysroot"; got["SYSROOT"] != want {
		t.Errorf("expected SYSROOT=%s, got %s", want, got["SYSROOT"])
	}
	if got["HOME"] != "/home/user" {
		t.Errorf("expected HOME to be passed through, got %s", got["HOME"])
	}
	if got["KILN_TARGET"] != "linux_arm64" {
		t.Errorf("expected KILN_TARGET=linux_arm64, got %s", got["KILN_TARGET"])
	}
}
