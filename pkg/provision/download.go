package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
)

func getProgressBar(length int64, desc string) *progressbar.ProgressBar {
	if os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.DefaultBytes(length, desc)
}

// download fetches url into a temp file and verifies its sha256 checksum.
// The caller removes the returned file.
func (p *Provisioner) download(ctx context.Context, url, checksum string) (*os.File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to prepare request for %s", url)
	}

	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to start download for %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("failed to fetch %s: got status %s", url, resp.Status)
	}

	tmp, err := os.CreateTemp("", "kiln-dl-*")
	if err != nil {
		return nil, eris.Wrap(err, "failed to create temporary download file")
	}
	cleanup := func() {
		tmp.Close()
		os.Remove(tmp.Name())
	}

	hash := sha256.New()
	bar := getProgressBar(resp.ContentLength, "     download")

	_, err = io.Copy(io.MultiWriter(tmp, hash, bar), resp.Body)
	bar.Finish()
	if err != nil {
		cleanup()
		return nil, eris.Wrapf(err, "failed during download of %s", url)
	}

	digest := hex.EncodeToString(hash.Sum(nil))
	if digest != checksum {
		cleanup()
		return nil, eris.Errorf("checksum mismatch for %s: expected %s but got %s", url, checksum, digest)
	}

	_, err = tmp.Seek(0, io.SeekStart)
	if err != nil {
		cleanup()
		return nil, eris.Wrap(err, "failed to rewind download")
	}

	return tmp, nil
}
