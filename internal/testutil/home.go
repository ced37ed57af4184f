// Package testutil provides common test utilities.
package testutil

import (
	"path/filepath"
	"testing"

	"github.com/adrg/xdg"
)

// SetupTestHome creates an isolated $HOME directory for tests.
// The bridge cache lives under XDG_CACHE_HOME, so any test that touches the
// default cache location must call this first or it will purge the real one.
//
// The temp directory is automatically cleaned up when the test ends.
func SetupTestHome(t *testing.T) string {
	t.Helper()

	tmpHome := t.TempDir()
	// xdg reads the environment once at init; reload after the env is restored too.
	t.Cleanup(xdg.Reload)

	t.Setenv("HOME", tmpHome)
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmpHome, ".cache"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmpHome, ".config"))
	// TMPDIR for macOS
	t.Setenv("TMPDIR", tmpHome)

	xdg.Reload()

	return tmpHome
}
