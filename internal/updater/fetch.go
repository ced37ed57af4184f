package updater

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
)

// ErrEmptyVersion is returned when the version probe yields no identifier.
var ErrEmptyVersion = errors.New("remote version is empty")

const (
	// maxVersionBody caps the version probe response.
	maxVersionBody = 64 * 1024
	// maxArtifactSize caps the downloaded executable.
	maxArtifactSize = 256 * 1024 * 1024
)

// probeVersion fetches the remote content fingerprint. The body is either
// JSON carrying "sha", "version" or "tag_name", or the identifier as plain text.
func (u *Updater) probeVersion(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, u.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.opts.VersionURL, nil)
	if err != nil {
		return "", fmt.Errorf("create version request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")
	req.Header.Set("User-Agent", u.opts.UserAgent)

	resp, err := u.opts.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("probe version: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("probe version: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVersionBody))
	if err != nil {
		return "", fmt.Errorf("read version: %w", err)
	}
	return parseVersion(body)
}

func parseVersion(body []byte) (string, error) {
	var doc struct {
		SHA     string `json:"sha"`
		Version string `json:"version"`
		TagName string `json:"tag_name"`
	}
	if err := json.Unmarshal(body, &doc); err == nil {
		for _, v := range []string{doc.SHA, doc.Version, doc.TagName} {
			if v = strings.TrimSpace(v); v != "" {
				return v, nil
			}
		}
		return "", ErrEmptyVersion
	}

	version := strings.TrimSpace(string(body))
	if version == "" {
		return "", ErrEmptyVersion
	}
	return version, nil
}

// download streams the artifact into a temp file beside the destination and
// renames it into place, so the destination only ever holds a complete file.
func (u *Updater) download(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, u.opts.DownloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.opts.ArtifactURL, nil)
	if err != nil {
		return 0, fmt.Errorf("create download request: %w", err)
	}
	req.Header.Set("User-Agent", u.opts.UserAgent)

	resp, err := u.opts.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("download: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("download: unexpected status %s", resp.Status)
	}

	if err := os.MkdirAll(u.cache.Dir(), 0700); err != nil {
		return 0, fmt.Errorf("create cache dir: %w", err)
	}

	tmp, err := os.CreateTemp(u.cache.Dir(), "bridge-*.download")
	if err != nil {
		return 0, fmt.Errorf("create temp artifact: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	n, copyErr := io.Copy(tmp, io.LimitReader(resp.Body, maxArtifactSize+1))
	closeErr := tmp.Close()
	switch {
	case copyErr != nil:
		cleanup()
		return 0, fmt.Errorf("download: %w", copyErr)
	case closeErr != nil:
		cleanup()
		return 0, fmt.Errorf("write artifact: %w", closeErr)
	case n > maxArtifactSize:
		cleanup()
		return 0, fmt.Errorf("download: artifact exceeds %d bytes", maxArtifactSize)
	case resp.ContentLength >= 0 && n != resp.ContentLength:
		cleanup()
		return 0, fmt.Errorf("download: got %d of %d bytes", n, resp.ContentLength)
	}

	if err := os.Chmod(tmpPath, 0755); err != nil {
		cleanup()
		return 0, fmt.Errorf("chmod artifact: %w", err)
	}
	if err := os.Rename(tmpPath, u.cache.ArtifactPath()); err != nil {
		cleanup()
		return 0, fmt.Errorf("install artifact: %w", err)
	}
	return n, nil
}
