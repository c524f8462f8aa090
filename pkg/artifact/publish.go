package artifact

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"

	"github.com/kilnbuild/kiln/pkg/logctx"
	"github.com/kilnbuild/kiln/pkg/platform"
)

// Request describes one publishing pass over a finished build.
type Request struct {
	// WorkDir is the build's working directory, Patterns are resolved
	// relative to it.
	WorkDir  string
	Patterns []string
	// PublishDir receives the published bundles.
	PublishDir string
	// Built is the platform every found bundle must have been built for.
	Built platform.Tag
	// PublishTag is the tag bundles are published under. When it differs
	// from the build tag, bundles are rewritten and the ones carrying the
	// old tag are deleted from both directories.
	PublishTag string
}

// Publish locates the bundles a build produced, verifies each one was built
// for the expected platform and moves it into the publish directory. There
// is no rollback: a failure half way through leaves the directories as they
// are and the operator re-runs the build.
func Publish(ctx context.Context, req Request) ([]string, error) {
	matches := []string{}
	for _, pattern := range req.Patterns {
		found, err := filepath.Glob(filepath.Join(req.WorkDir, pattern))
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve artifact pattern %s", pattern)
		}

		matches = append(matches, found...)
	}
	sort.Strings(matches)

	if len(matches) == 0 {
		return nil, eris.Errorf("no artifacts found below %s", req.WorkDir)
	}

	err := os.MkdirAll(req.PublishDir, 0o770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create the publish directory %s", req.PublishDir)
	}

	published := make([]string, 0, len(matches))
	for _, src := range matches {
		dest, err := publishBundle(ctx, req, src)
		if err != nil {
			return nil, err
		}

		published = append(published, dest)
	}

	return published, nil
}

func publishBundle(ctx context.Context, req Request, src string) (string, error) {
	fromName, err := ParseFilename(src)
	if err != nil {
		return "", err
	}

	meta, err := ReadInfo(src)
	if err != nil {
		return "", err
	}

	// The recorded metadata is authoritative; the file name has to agree
	// with it and both have to name the platform the job built for.
	metaTag, err := platform.Parse(meta.Tag)
	if err != nil {
		return "", eris.Wrapf(err, "bundle %s records an invalid platform tag", src)
	}
	if !metaTag.Matches(req.Built) {
		return "", eris.Errorf("bundle %s was built for %s but this build targets %s", src, meta.Tag, req.Built)
	}

	nameTag, err := platform.Parse(fromName.Tag)
	if err != nil || !nameTag.Matches(metaTag) {
		return "", eris.Errorf("the name of bundle %s disagrees with its recorded platform %s", src, meta.Tag)
	}

	target := meta
	target.Tag = req.PublishTag
	dest := filepath.Join(req.PublishDir, target.Filename())

	if req.PublishTag == meta.Tag {
		err = moveFile(src, dest)
		if err != nil {
			return "", err
		}
	} else {
		err = retag(src, dest, req.PublishTag)
		if err != nil {
			return "", err
		}

		// drop the bundles still carrying the build tag
		err = os.Remove(src)
		if err != nil {
			return "", eris.Wrapf(err, "failed to remove the retagged bundle %s", src)
		}

		stale := filepath.Join(req.PublishDir, meta.Filename())
		err = os.Remove(stale)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to remove the stale bundle %s", stale)
		}
	}

	logctx.Log(ctx).Info().
		Str("bundle", filepath.Base(dest)).
		Str("tag", req.PublishTag).
		Msg("published")

	return dest, nil
}

func moveFile(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	// rename fails across filesystems, fall back to a copy
	in, err := os.Open(src)
	if err != nil {
		return eris.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "failed to create %s", dest)
	}

	_, err = io.Copy(out, in)
	if err != nil {
		out.Close()
		return eris.Wrapf(err, "failed to copy %s to %s", src, dest)
	}

	err = out.Close()
	if err != nil {
		return eris.Wrapf(err, "failed to flush %s", dest)
	}

	return os.Remove(src)
}
