// Package manifest reads and validates kiln.yml, the declarative description
// of a project's build pipeline: which platforms it targets, which toolchains
// those platforms need, how artifacts are packaged and which CI events run
// the whole thing.
package manifest

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/kilnbuild/kiln/pkg/platform"
)

// DefaultFile is the manifest name looked up in the project root.
const DefaultFile = "kiln.yml"

// ToolchainDep describes one downloadable piece of a target's environment.
type ToolchainDep struct {
	Condition  string   `yaml:"if,omitempty"`
	Rejections string   `yaml:"ifNot,omitempty"`
	URL        string   `yaml:"url"`
	Sha256     string   `yaml:"sha256"`
	Dest       string   `yaml:"dest"`
	Strip      int      `yaml:"strip,omitempty"`
	MarkExec   []string `yaml:"markExec,omitempty"`
}

// Target configures one platform the project can be built for.
type Target struct {
	Toolchain map[string]ToolchainDep `yaml:"toolchain,omitempty"`
	CC        string                  `yaml:"cc,omitempty"`
	CXX       string                  `yaml:"cxx,omitempty"`
	CPP       string                  `yaml:"cpp,omitempty"`
	Env       map[string]string       `yaml:"env,omitempty"`
	Path      []string                `yaml:"path,omitempty"`
	Emulator  string                  `yaml:"emulator,omitempty"`

	tag platform.Tag
}

// NewTarget returns an empty target pinned to the given platform tag.
// Targets loaded from a manifest get their tag from the declaration key,
// NewTarget covers programmatic construction.
func NewTarget(tag platform.Tag) *Target {
	return &Target{tag: tag}
}

// Tag returns the parsed platform tag this target was declared under.
func (t *Target) Tag() platform.Tag {
	return t.tag
}

// Packaging controls artifact discovery and publishing.
type Packaging struct {
	Artifacts []string          `yaml:"artifacts"`
	Publish   string            `yaml:"publish,omitempty"`
	Retag     map[string]string `yaml:"retag,omitempty"`
}

// BranchFilter limits a trigger to a set of branches. An empty list matches
// every branch.
type BranchFilter struct {
	Branches []string `yaml:"branches,omitempty"`
}

func (f *BranchFilter) matches(branch string) bool {
	if f == nil {
		return false
	}
	if len(f.Branches) == 0 {
		return true
	}
	for _, item := range f.Branches {
		if item == branch {
			return true
		}
	}
	return false
}

// Triggers declares which external events start a CI run.
type Triggers struct {
	Push        *BranchFilter `yaml:"push,omitempty"`
	PullRequest *BranchFilter `yaml:"pull_request,omitempty"`
}

// Matches reports whether the given event name/branch combination should
// trigger a run.
func (t Triggers) Matches(event, branch string) bool {
	switch event {
	case "push":
		return t.Push.matches(branch)
	case "pull_request":
		return t.PullRequest.matches(branch)
	default:
		return false
	}
}

// CI configures the trigger surface and which targets a CI run builds.
type CI struct {
	On      Triggers `yaml:"on"`
	Targets []string `yaml:"targets,omitempty"`
}

// Manifest is the parsed kiln.yml.
type Manifest struct {
	Project       string             `yaml:"project"`
	Version       string             `yaml:"version"`
	Script        string             `yaml:"script,omitempty"`
	DefaultTask   string             `yaml:"defaultTask,omitempty"`
	DefaultTarget string             `yaml:"defaultTarget,omitempty"`
	WorkDir       string             `yaml:"workdir,omitempty"`
	Options       map[string]string  `yaml:"options,omitempty"`
	Targets       map[string]*Target `yaml:"targets"`
	Packaging     Packaging          `yaml:"packaging"`
	CI            CI                 `yaml:"ci,omitempty"`

	root string
}

// Load reads and validates the manifest at path. The manifest's directory
// becomes the project root all relative paths resolve against.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read manifest %s", path)
	}

	var m Manifest
	err = yaml.Unmarshal(data, &m)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse manifest %s", path)
	}

	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve project root")
	}
	m.root = root

	err = m.validate()
	if err != nil {
		return nil, eris.Wrapf(err, "invalid manifest %s", path)
	}

	return &m, nil
}

func (m *Manifest) validate() error {
	if m.Project == "" {
		return eris.New("project name is missing")
	}
	if m.Version == "" {
		return eris.New("project version is missing")
	}
	if len(m.Targets) == 0 {
		return eris.New("no targets declared")
	}

	if m.Script == "" {
		m.Script = "build.star"
	}
	if m.DefaultTask == "" {
		m.DefaultTask = "build"
	}
	if m.WorkDir == "" {
		m.WorkDir = "build"
	}
	if m.Packaging.Publish == "" {
		m.Packaging.Publish = "publish"
	}
	if m.Options == nil {
		m.Options = map[string]string{}
	}

	for name, target := range m.Targets {
		tag, err := platform.Parse(name)
		if err != nil {
			return eris.Wrapf(err, "target %s", name)
		}
		target.tag = tag

		for depName, dep := range target.Toolchain {
			if dep.URL == "" {
				return eris.Errorf("target %s: toolchain dep %s has no url", name, depName)
			}
			if dep.Dest == "" {
				return eris.Errorf("target %s: toolchain dep %s has no dest", name, depName)
			}
		}
	}

	if m.DefaultTarget != "" {
		if _, err := m.Target(m.DefaultTarget); err != nil {
			return eris.Wrap(err, "defaultTarget")
		}
	}

	for from, to := range m.Packaging.Retag {
		if _, err := platform.Parse(from); err != nil {
			return eris.Wrapf(err, "retag source %s", from)
		}
		// Publish tags are compatibility strings (manylinux2014_aarch64 and
		// friends), not necessarily <os>_<arch>, so only sanity-check them.
		if to == "" {
			return eris.Errorf("retag for %s maps to an empty tag", from)
		}
		if strings.ContainsAny(to, "-/\\") {
			return eris.Errorf("retag for %s contains separator characters: %s", from, to)
		}
	}

	for _, name := range m.CI.Targets {
		if _, err := m.Target(name); err != nil {
			return eris.Wrap(err, "ci targets")
		}
	}

	return nil
}

// Root returns the absolute project root directory.
func (m *Manifest) Root() string {
	return m.root
}

// ScriptPath returns the absolute path of the build script.
func (m *Manifest) ScriptPath() string {
	return filepath.Join(m.root, m.Script)
}

// WorkDirPath returns the absolute path of the build working directory.
func (m *Manifest) WorkDirPath() string {
	return filepath.Join(m.root, m.WorkDir)
}

// PublishPath returns the absolute path of the publish directory.
func (m *Manifest) PublishPath() string {
	return filepath.Join(m.root, m.Packaging.Publish)
}

// Target resolves the named target, accepting any tag spelling that
// normalizes to a declared one.
func (m *Manifest) Target(name string) (*Target, error) {
	if target, ok := m.Targets[name]; ok {
		return target, nil
	}

	tag, err := platform.Parse(name)
	if err != nil {
		return nil, eris.Wrapf(err, "unknown target %s", name)
	}
	for _, target := range m.Targets {
		if target.tag.Matches(tag) {
			return target, nil
		}
	}

	return nil, eris.Errorf("target %s is not declared in the manifest", name)
}

// PickTarget returns the target to build when the user named none: the
// declared default, or the target matching the host platform.
func (m *Manifest) PickTarget() (*Target, error) {
	if m.DefaultTarget != "" {
		return m.Target(m.DefaultTarget)
	}

	host := platform.Host()
	for _, target := range m.Targets {
		if target.tag.Matches(host) {
			return target, nil
		}
	}

	return nil, eris.Errorf("no defaultTarget set and no target matches the host platform %s", host)
}

// CITargets returns the targets a CI run builds, in deterministic order.
// Without an explicit list, every declared target is built.
func (m *Manifest) CITargets() ([]*Target, error) {
	names := m.CI.Targets
	if len(names) == 0 {
		names = make([]string, 0, len(m.Targets))
		for name := range m.Targets {
			names = append(names, name)
		}
		sort.Strings(names)
	}

	targets := make([]*Target, 0, len(names))
	for _, name := range names {
		target, err := m.Target(name)
		if err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}

	return targets, nil
}

// PublishTag returns the tag string an artifact built for the given tag is
// published under. Without a retag entry the canonical build tag is kept.
func (m *Manifest) PublishTag(built platform.Tag) (string, error) {
	for from, to := range m.Packaging.Retag {
		fromTag, err := platform.Parse(from)
		if err != nil {
			return "", err
		}
		if fromTag.Matches(built) {
			return to, nil
		}
	}
	return built.String(), nil
}
