package provision

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"

	"github.com/kilnbuild/kiln/pkg/manifest"
)

type archiveExtractor func(f *os.File, bar *progressbar.ProgressBar, destPath string, dep manifest.ToolchainDep) error

// getExtractor picks an extractor based on the URL's suffix. Returns false
// for URLs that don't point to a supported archive format.
func getExtractor(url string) (archiveExtractor, bool) {
	if strings.HasSuffix(url, ".zip") {
		return extractZip, true
	}

	if strings.HasSuffix(url, ".tar.gz") || strings.HasSuffix(url, ".tgz") {
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, dep manifest.ToolchainDep) error {
			reader, err := gzip.NewReader(f)
			if err != nil {
				return eris.Wrap(err, "failed to open gzip stream")
			}
			defer reader.Close()

			return extractTar(reader, f, bar, destPath, dep)
		}, true
	}

	if strings.HasSuffix(url, ".tar.bz2") {
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, dep manifest.ToolchainDep) error {
			return extractTar(bzip2.NewReader(f), f, bar, destPath, dep)
		}, true
	}

	if strings.HasSuffix(url, ".tar.xz") {
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, dep manifest.ToolchainDep) error {
			reader, err := xz.NewReader(f)
			if err != nil {
				return eris.Wrap(err, "failed to open xz stream")
			}

			return extractTar(reader, f, bar, destPath, dep)
		}, true
	}

	if strings.HasSuffix(url, ".tar.br") {
		return func(f *os.File, bar *progressbar.ProgressBar, destPath string, dep manifest.ToolchainDep) error {
			return extractTar(brotli.NewReader(f), f, bar, destPath, dep)
		}, true
	}

	return nil, false
}

// openExtractorDest maps an archive entry to its destination below destPath,
// stripping the configured number of leading path elements. A nil handle with
// a nil error means the entry should be skipped. Entries that would land
// outside destPath are rejected.
func openExtractorDest(destPath, item string, dep manifest.ToolchainDep) (*os.File, string, error) {
	pathParts := strings.Split(filepath.Clean(filepath.FromSlash(item)), string(filepath.Separator))
	if len(pathParts) <= dep.Strip {
		return nil, "", nil
	}

	relPath := strings.Join(pathParts[dep.Strip:], string(filepath.Separator))
	if relPath == "." {
		return nil, "", nil
	}
	if !filepath.IsLocal(relPath) {
		return nil, "", eris.Errorf("archive entry %s would escape the destination directory", item)
	}

	dest := filepath.Join(destPath, relPath)
	destParent := filepath.Dir(dest)
	err := os.MkdirAll(destParent, 0o770)
	if err != nil {
		return nil, "", eris.Wrapf(err, "failed to create directory %s", destParent)
	}

	destHandle, err := os.Create(dest)
	if err != nil {
		return nil, "", eris.Wrapf(err, "failed to create file %s", dest)
	}

	return destHandle, dest, nil
}

func extractZip(f *os.File, bar *progressbar.ProgressBar, destPath string, dep manifest.ToolchainDep) error {
	stat, err := f.Stat()
	if err != nil {
		return eris.Wrap(err, "failed to stat archive")
	}

	archive, err := zip.NewReader(f, stat.Size())
	if err != nil {
		return eris.Wrap(err, "failed to open zip archive")
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		destHandle, dest, err := openExtractorDest(destPath, item.Name, dep)
		if err != nil {
			return err
		}
		if destHandle == nil {
			continue
		}

		itemHandle, err := item.Open()
		if err != nil {
			destHandle.Close()
			return eris.Wrapf(err, "failed to open archive entry %s", item.Name)
		}

		_, err = io.Copy(destHandle, itemHandle)
		itemHandle.Close()
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "failed to write extracted file %s", dest)
		}

		bar.Add64(int64(item.CompressedSize64))
	}

	return nil
}

func extractTar(r io.Reader, f *os.File, bar *progressbar.ProgressBar, destPath string, dep manifest.ToolchainDep) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		destHandle, dest, err := openExtractorDest(destPath, item.Name, dep)
		if err != nil {
			return err
		}
		if destHandle == nil {
			continue
		}

		if item.Typeflag == tar.TypeSymlink {
			destHandle.Close()
			err = os.Remove(dest)
			if err != nil {
				return eris.Wrapf(err, "failed to remove placeholder file %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
			continue
		}

		_, err = io.Copy(destHandle, archive)
		destHandle.Close()
		if err != nil {
			return eris.Wrapf(err, "failed to write extracted file %s", dest)
		}

		os.Chmod(dest, fi.Mode())

		// the bar tracks the position in the compressed stream
		pos, err := f.Seek(0, io.SeekCurrent)
		if err == nil {
			bar.Set64(pos)
		}
	}

	return nil
}
