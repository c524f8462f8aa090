// Package artifact handles kiln bundles, the container format build outputs
// are published in. A bundle is a plain zip file named name-version-tag.kb
// whose first entry records the same identity, so the platform an artifact
// was built for can be verified independently of its file name.
//
// Bundles are written deterministically: entries are sorted by name and
// carry a fixed timestamp. Building the same tree twice yields byte
// identical bundles.
package artifact

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const (
	// MetaEntry is the name of the metadata entry inside a bundle.
	MetaEntry = "KILN/BUNDLE"
	// Extension is the file extension of bundles.
	Extension = ".kb"

	bundleVersion = "1"
	generator     = "kiln"
)

// zip timestamps can't be older than this
var entryTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// Info identifies a bundle: the project it belongs to, the project version
// and the platform tag its contents were built for.
type Info struct {
	Name    string
	Version string
	Tag     string
}

// Filename returns the canonical file name for this bundle.
func (i Info) Filename() string {
	return fmt.Sprintf("%s-%s-%s%s", i.Name, i.Version, i.Tag, Extension)
}

func (i Info) validate() error {
	for field, value := range map[string]string{"name": i.Name, "version": i.Version, "tag": i.Tag} {
		if value == "" {
			return eris.Errorf("bundle %s is missing", field)
		}
		if strings.Contains(value, "-") && field != "name" {
			return eris.Errorf("bundle %s %q must not contain dashes", field, value)
		}
	}

	return nil
}

// ParseFilename splits a bundle file name into its parts. Only the name may
// contain dashes, so the version and tag are taken from the right.
func ParseFilename(path string) (Info, error) {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, Extension)
	if stem == base {
		return Info{}, eris.Errorf("%s is not a bundle file", base)
	}

	parts := strings.Split(stem, "-")
	if len(parts) < 3 || parts[len(parts)-1] == "" || parts[len(parts)-2] == "" {
		return Info{}, eris.Errorf("bundle name %s does not follow name-version-tag%s", base, Extension)
	}

	info := Info{
		Name:    strings.Join(parts[:len(parts)-2], "-"),
		Version: parts[len(parts)-2],
		Tag:     parts[len(parts)-1],
	}
	if info.Name == "" {
		return Info{}, eris.Errorf("bundle name %s has an empty name part", base)
	}

	return info, nil
}

// Writer collects files and writes them out as a bundle on Close.
type Writer struct {
	info    Info
	path    string
	sources map[string]string
}

// NewWriter prepares a bundle at path with the given identity. Nothing is
// written until Close.
func NewWriter(path string, info Info) (*Writer, error) {
	err := info.validate()
	if err != nil {
		return nil, err
	}

	return &Writer{
		info:    info,
		path:    path,
		sources: map[string]string{},
	}, nil
}

// AddFile schedules src to be stored under name inside the bundle.
func (w *Writer) AddFile(name, src string) error {
	name = filepath.ToSlash(filepath.Clean(name))
	if name == "." || strings.HasPrefix(name, "/") || !filepath.IsLocal(filepath.FromSlash(name)) {
		return eris.Errorf("invalid bundle entry name %q", name)
	}
	if name == MetaEntry {
		return eris.Errorf("the entry name %s is reserved", MetaEntry)
	}

	if _, present := w.sources[name]; present {
		return eris.Errorf("the bundle already contains an entry named %s", name)
	}

	w.sources[name] = src
	return nil
}

// AddTree schedules every file below dir, keeping the relative paths.
func (w *Writer) AddTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return eris.Wrapf(err, "failed to walk %s", dir)
		}
		if entry.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return eris.Wrapf(err, "failed to resolve %s", path)
		}

		return w.AddFile(rel, path)
	})
}

// Close writes the bundle file. The metadata entry always comes first, the
// collected files follow in sorted order.
func (w *Writer) Close() error {
	names := make([]string, 0, len(w.sources))
	for name := range w.sources {
		names = append(names, name)
	}
	sort.Strings(names)

	handle, err := os.Create(w.path)
	if err != nil {
		return eris.Wrapf(err, "failed to create bundle %s", w.path)
	}
	defer handle.Close()

	archive := zip.NewWriter(handle)

	entry, err := archive.CreateHeader(&zip.FileHeader{
		Name:     MetaEntry,
		Method:   zip.Deflate,
		Modified: entryTime,
	})
	if err != nil {
		return eris.Wrap(err, "failed to create the bundle metadata entry")
	}

	_, err = io.WriteString(entry, encodeMeta(w.info))
	if err != nil {
		return eris.Wrap(err, "failed to write the bundle metadata")
	}

	for _, name := range names {
		entry, err := archive.CreateHeader(&zip.FileHeader{
			Name:     name,
			Method:   zip.Deflate,
			Modified: entryTime,
		})
		if err != nil {
			return eris.Wrapf(err, "failed to create bundle entry %s", name)
		}

		src, err := os.Open(w.sources[name])
		if err != nil {
			return eris.Wrapf(err, "failed to open %s", w.sources[name])
		}

		_, err = io.Copy(entry, src)
		src.Close()
		if err != nil {
			return eris.Wrapf(err, "failed to write bundle entry %s", name)
		}
	}

	err = archive.Close()
	if err != nil {
		return eris.Wrapf(err, "failed to finish bundle %s", w.path)
	}

	return handle.Close()
}

func encodeMeta(info Info) string {
	builder := strings.Builder{}
	builder.WriteString("Bundle-Version: " + bundleVersion + "\n")
	builder.WriteString("Generator: " + generator + "\n")
	builder.WriteString("Name: " + info.Name + "\n")
	builder.WriteString("Version: " + info.Version + "\n")
	builder.WriteString("Tag: " + info.Tag + "\n")
	return builder.String()
}

// ReadInfo returns the identity recorded inside the bundle at path.
func ReadInfo(path string) (Info, error) {
	archive, err := zip.OpenReader(path)
	if err != nil {
		return Info{}, eris.Wrapf(err, "failed to open bundle %s", path)
	}
	defer archive.Close()

	return readInfo(&archive.Reader, path)
}

func readInfo(archive *zip.Reader, path string) (Info, error) {
	for _, item := range archive.File {
		if item.Name != MetaEntry {
			continue
		}

		handle, err := item.Open()
		if err != nil {
			return Info{}, eris.Wrapf(err, "failed to open the metadata of %s", path)
		}

		data, err := io.ReadAll(handle)
		handle.Close()
		if err != nil {
			return Info{}, eris.Wrapf(err, "failed to read the metadata of %s", path)
		}

		return decodeMeta(string(data), path)
	}

	return Info{}, eris.Errorf("%s carries no %s entry", path, MetaEntry)
}

func decodeMeta(data, path string) (Info, error) {
	fields := map[string]string{}
	for _, line := range strings.Split(data, "\n") {
		if line == "" {
			continue
		}

		key, value, found := strings.Cut(line, ": ")
		if !found {
			return Info{}, eris.Errorf("malformed metadata line %q in %s", line, path)
		}
		fields[key] = value
	}

	if fields["Bundle-Version"] != bundleVersion {
		return Info{}, eris.Errorf("%s uses the unsupported bundle version %q", path, fields["Bundle-Version"])
	}

	info := Info{
		Name:    fields["Name"],
		Version: fields["Version"],
		Tag:     fields["Tag"],
	}

	err := info.validate()
	if err != nil {
		return Info{}, eris.Wrapf(err, "invalid metadata in %s", path)
	}

	return info, nil
}

// retag copies the bundle at src to dest with the metadata tag replaced.
// Everything except the metadata entry is copied without recompression.
func retag(src, dest, newTag string) error {
	archive, err := zip.OpenReader(src)
	if err != nil {
		return eris.Wrapf(err, "failed to open bundle %s", src)
	}
	defer archive.Close()

	info, err := readInfo(&archive.Reader, src)
	if err != nil {
		return err
	}
	info.Tag = newTag

	err = info.validate()
	if err != nil {
		return err
	}

	handle, err := os.Create(dest)
	if err != nil {
		return eris.Wrapf(err, "failed to create bundle %s", dest)
	}
	defer handle.Close()

	out := zip.NewWriter(handle)
	for _, item := range archive.File {
		if item.Name == MetaEntry {
			entry, err := out.CreateHeader(&zip.FileHeader{
				Name:     MetaEntry,
				Method:   zip.Deflate,
				Modified: entryTime,
			})
			if err != nil {
				return eris.Wrap(err, "failed to rewrite the bundle metadata")
			}

			_, err = io.WriteString(entry, encodeMeta(info))
			if err != nil {
				return eris.Wrap(err, "failed to rewrite the bundle metadata")
			}
			continue
		}

		reader, err := item.OpenRaw()
		if err != nil {
			return eris.Wrapf(err, "failed to read bundle entry %s", item.Name)
		}

		header := item.FileHeader
		entry, err := out.CreateRaw(&header)
		if err != nil {
			return eris.Wrapf(err, "failed to copy bundle entry %s", item.Name)
		}

		_, err = io.Copy(entry, reader)
		if err != nil {
			return eris.Wrapf(err, "failed to copy bundle entry %s", item.Name)
		}
	}

	err = out.Close()
	if err != nil {
		return eris.Wrapf(err, "failed to finish bundle %s", dest)
	}

	return handle.Close()
}
