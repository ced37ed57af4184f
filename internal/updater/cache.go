// Package updater keeps a verified copy of the bridge executable in a
// per-user cache directory, refreshes it from a remote release and launches
// it as a fresh process.
//
// The cache is not safe for two loader processes updating it at once; there
// is no file lock.
package updater

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

const (
	appName    = "promptbridge"
	markerFile = "version"
)

// Freshness is the outcome of a cache check.
type Freshness int

const (
	Missing Freshness = iota
	Stale
	Fresh
)

func (f Freshness) String() string {
	switch f {
	case Missing:
		return "missing"
	case Stale:
		return "stale"
	case Fresh:
		return "fresh"
	default:
		return "unknown"
	}
}

// CacheEntry describes the cached bridge artifact.
type CacheEntry struct {
	Path      string
	Version   string // empty when no version marker exists
	WrittenAt time.Time
	Size      int64
}

// Cache locates the artifact and version marker inside a directory.
type Cache struct {
	dir string
}

// DefaultCacheDir returns the per-user cache directory for the bridge.
func DefaultCacheDir() string {
	return filepath.Join(xdg.CacheHome, appName)
}

// NewCache returns a cache rooted at dir (DefaultCacheDir when empty).
func NewCache(dir string) *Cache {
	if dir == "" {
		dir = DefaultCacheDir()
	}
	return &Cache{dir: dir}
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// ArtifactPath returns where the bridge executable lives.
func (c *Cache) ArtifactPath() string {
	name := "bridge"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return filepath.Join(c.dir, name)
}

// MarkerPath returns where the version marker lives.
func (c *Cache) MarkerPath() string {
	return filepath.Join(c.dir, markerFile)
}

// Load returns the current entry, or nil if no artifact exists.
func (c *Cache) Load() (*CacheEntry, error) {
	info, err := os.Stat(c.ArtifactPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat artifact: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("artifact path %s is a directory", c.ArtifactPath())
	}

	version, err := c.ReadMarker()
	if err != nil {
		return nil, err
	}

	return &CacheEntry{
		Path:      c.ArtifactPath(),
		Version:   version,
		WrittenAt: info.ModTime(),
		Size:      info.Size(),
	}, nil
}

// ReadMarker returns the recorded version, or "" when there is none.
func (c *Cache) ReadMarker() (string, error) {
	data, err := os.ReadFile(c.MarkerPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read version marker: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteMarker records version atomically (temp file + rename).
func (c *Cache) WriteMarker(version string) error {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return fmt.Errorf("create cache dir: %w", err)
	}

	tmpFile := c.MarkerPath() + ".tmp"
	if err := os.WriteFile(tmpFile, []byte(version+"\n"), 0600); err != nil {
		return fmt.Errorf("write temp marker: %w", err)
	}
	if err := os.Rename(tmpFile, c.MarkerPath()); err != nil {
		_ = os.Remove(tmpFile)
		return fmt.Errorf("rename marker: %w", err)
	}
	return nil
}

// RemoveMarker deletes the version marker if present.
func (c *Cache) RemoveMarker() error {
	if err := os.Remove(c.MarkerPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove version marker: %w", err)
	}
	return nil
}

// Purge deletes the artifact and the version marker so the next run
// starts from a clean download.
func (c *Cache) Purge() error {
	var errs []error
	if err := os.Remove(c.ArtifactPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		errs = append(errs, fmt.Errorf("remove artifact: %w", err))
	}
	if err := c.RemoveMarker(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Age reports how old the entry is relative to now.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.WrittenAt)
}
