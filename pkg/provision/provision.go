// Package provision builds the per-target execution environment: it downloads
// the toolchain pieces a target declares, verifies and unpacks them into a
// cache directory keyed by the platform tag, and assembles the environment
// variables (CC, CXX, PATH, ...) the build runs with. Environments are reused
// across runs through a stamps file; a changed URL or checksum invalidates
// the affected piece only.
package provision

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/kilnbuild/kiln/pkg/logctx"
	"github.com/kilnbuild/kiln/pkg/manifest"
	"github.com/kilnbuild/kiln/pkg/platform"
)

var urlVarMatcher = regexp.MustCompile(`\{([A-Z0-9_]+)\}`)

// Provisioner downloads and unpacks toolchain deps into CacheDir.
type Provisioner struct {
	CacheDir string
	Client   *http.Client
}

// New returns a Provisioner writing below cacheDir.
func New(cacheDir string) *Provisioner {
	return &Provisioner{
		CacheDir: cacheDir,
		Client: &http.Client{
			Timeout: time.Minute * 30,
		},
	}
}

// Env is a provisioned, ready-to-use execution environment.
type Env struct {
	Root   string
	Target *manifest.Target
}

// Vars returns the variable set used for condition checks and URL
// placeholders of toolchain deps. Lowercase entries gate `if`/`ifNot`
// conditions, uppercase entries interpolate into URLs.
func Vars(target *manifest.Target, projectVersion string, ci bool) map[string]string {
	tag := target.Tag()
	host := platform.Host()

	vars := map[string]string{
		tag.OS:           "true",
		string(tag.Arch): "true",

		"TARGET":      tag.String(),
		"TARGET_OS":   tag.OS,
		"TARGET_ARCH": string(tag.Arch),
		"TARGET_CPU":  tag.Arch.QemuCPU(),
		"HOST_OS":     host.OS,
		"HOST_ARCH":   string(host.Arch),
		"VERSION":     projectVersion,
	}
	if ci {
		vars["ci"] = "true"
	}
	if tag.NeedsEmulation(host) {
		vars["emulated"] = "true"
	}

	return vars
}

// EnsureEnv provisions the environment for the given target, reusing pieces
// recorded in the stamps file. Any failing step aborts the whole run; a piece
// is only stamped after it was fully downloaded, verified and unpacked.
func (p *Provisioner) EnsureEnv(ctx context.Context, target *manifest.Target, vars map[string]string) (*Env, error) {
	root, err := filepath.Abs(filepath.Join(p.CacheDir, target.Tag().String()))
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve environment root")
	}

	err = os.MkdirAll(root, 0o770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create environment root %s", root)
	}

	stamps, err := readStamps(root)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(target.Toolchain))
	for name := range target.Toolchain {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		dep := target.Toolchain[name]
		if !evalConditions(&dep, vars) {
			logctx.Log(ctx).Debug().Str("dep", name).Msg("skipped by condition")
			continue
		}

		err = p.ensureDep(ctx, root, name, dep, stamps)
		if err != nil {
			// stamps for deps that did succeed are still worth keeping
			if werr := writeStamps(root, stamps); werr != nil {
				logctx.Log(ctx).Warn().Err(werr).Msg("failed to write stamps file")
			}
			return nil, eris.Wrapf(err, "failed to provision %s for %s", name, target.Tag())
		}
	}

	err = writeStamps(root, stamps)
	if err != nil {
		return nil, err
	}

	return &Env{Root: root, Target: target}, nil
}

func (p *Provisioner) ensureDep(ctx context.Context, root, name string, dep manifest.ToolchainDep, stamps map[string]string) error {
	destPath := filepath.Join(root, dep.Dest)
	destInfo, err := os.Stat(destPath)
	destExists := err == nil

	stampToken := dep.URL + "#" + dep.Sha256
	if stamp, ok := stamps[name]; ok && stamp == stampToken && destExists {
		logctx.Log(ctx).Debug().Str("dep", name).Msg("up to date")
		return nil
	}

	if dep.Sha256 == "" {
		return eris.Errorf("dep %s has no sha256 checksum", name)
	}

	logctx.Log(ctx).Info().Str("dep", name).Str("url", dep.URL).Msg("downloading")

	archive, err := p.download(ctx, dep.URL, dep.Sha256)
	if err != nil {
		return err
	}
	defer func() {
		archive.Close()
		os.Remove(archive.Name())
	}()

	if destExists {
		if destInfo.IsDir() {
			err = os.RemoveAll(destPath)
		} else {
			err = os.Remove(destPath)
		}
		if err != nil {
			return eris.Wrapf(err, "failed to remove stale %s", destPath)
		}
	}

	extract, found := getExtractor(dep.URL)
	if !found {
		// not an archive, keep the raw download at dest
		err = placeFile(archive, destPath)
	} else {
		stat, serr := archive.Stat()
		if serr != nil {
			return eris.Wrap(serr, "failed to stat download")
		}

		bar := getProgressBar(stat.Size(), "      extract")
		err = extract(archive, bar, destPath, dep)
		bar.Finish()
	}
	if err != nil {
		return err
	}

	err = markExecutables(root, dep)
	if err != nil {
		return err
	}

	stamps[name] = stampToken
	return nil
}

// evalConditions interpolates URL placeholders and evaluates the dep's
// `if`/`ifNot` variable gates.
func evalConditions(dep *manifest.ToolchainDep, vars map[string]string) bool {
	dep.URL = urlVarMatcher.ReplaceAllStringFunc(dep.URL, func(varName string) string {
		return vars[varName[1:len(varName)-1]]
	})

	for _, condition := range strings.Split(dep.Condition, ",") {
		if condition == "" {
			continue
		}

		if vars[strings.TrimSpace(condition)] == "" {
			return false
		}
	}

	for _, condition := range strings.Split(dep.Rejections, ",") {
		if condition == "" {
			continue
		}

		if vars[strings.TrimSpace(condition)] != "" {
			return false
		}
	}
	return true
}

func markExecutables(root string, dep manifest.ToolchainDep) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	// .zip files don't carry permissions so binaries from them have to be fixed up manually
	for _, binPath := range dep.MarkExec {
		binPath = filepath.Join(root, dep.Dest, binPath)
		fi, err := os.Stat(binPath)
		if err != nil {
			return eris.Wrapf(err, "failed to read permissions for %s", binPath)
		}

		err = os.Chmod(binPath, fi.Mode()|0o700)
		if err != nil {
			return eris.Wrapf(err, "failed to mark %s as executable", binPath)
		}
	}
	return nil
}

func placeFile(archive *os.File, destPath string) error {
	err := os.MkdirAll(filepath.Dir(destPath), 0o770)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", filepath.Dir(destPath))
	}

	err = archive.Close()
	if err != nil {
		return eris.Wrap(err, "failed to flush download")
	}

	err = os.Rename(archive.Name(), destPath)
	if err == nil {
		return nil
	}

	// rename fails across filesystems, fall back to a copy
	data, err := os.ReadFile(archive.Name())
	if err != nil {
		return eris.Wrap(err, "failed to reopen download")
	}
	err = os.WriteFile(destPath, data, 0o660)
	if err != nil {
		return eris.Wrapf(err, "failed to write %s", destPath)
	}
	return nil
}

// Environ layers the provisioned environment over base (usually os.Environ):
// compiler variables resolved below the root, custom env entries with {ROOT}
// expanded, and PATH prepends. Overridden keys are dropped from base first.
func (e *Env) Environ(base []string) []string {
	overrides := make(map[string]string, len(e.Target.Env)+4)

	if e.Target.CC != "" {
		overrides["CC"] = e.resolve(e.Target.CC)
	}
	if e.Target.CXX != "" {
		overrides["CXX"] = e.resolve(e.Target.CXX)
	}
	if e.Target.CPP != "" {
		overrides["CPP"] = e.resolve(e.Target.CPP)
	}
	overrides["KILN_TARGET"] = e.Target.Tag().String()

	for key, value := range e.Target.Env {
		overrides[key] = strings.ReplaceAll(value, "{ROOT}", e.Root)
	}

	path := ""
	result := make([]string, 0, len(base)+len(overrides))
	for _, item := range base {
		parts := strings.SplitN(item, "=", 2)
		if parts[0] == "PATH" && len(parts) == 2 {
			path = parts[1]
			continue
		}

		// skip overridden entries to avoid conflicts
		if _, present := overrides[parts[0]]; !present {
			result = append(result, item)
		}
	}

	if override, ok := overrides["PATH"]; ok {
		path = override
		delete(overrides, "PATH")
	}
	for i := len(e.Target.Path) - 1; i >= 0; i-- {
		prefix := e.resolve(e.Target.Path[i])
		if path == "" {
			path = prefix
		} else {
			path = prefix + string(os.PathListSeparator) + path
		}
	}
	result = append(result, "PATH="+path)

	keys := make([]string, 0, len(overrides))
	for key := range overrides {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		result = append(result, fmt.Sprintf("%s=%s", key, overrides[key]))
	}

	return result
}

func (e *Env) resolve(path string) string {
	path = strings.ReplaceAll(path, "{ROOT}", e.Root)
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(e.Root, path)
}
