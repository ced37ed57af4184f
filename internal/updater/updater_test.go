package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Bigsy/promptbridge/internal/logging"
)

const testMinSize = 4 * 1024

// releaseServer serves an artifact and a version document.
type releaseServer struct {
	*httptest.Server

	mu             sync.Mutex
	artifact       []byte
	artifactStatus int
	truncate       bool
	version        string
	versionStatus  int
	downloads      int
	probes         int
}

func newReleaseServer(t *testing.T, artifact []byte, version string) *releaseServer {
	t.Helper()
	rs := &releaseServer{
		artifact:       artifact,
		artifactStatus: http.StatusOK,
		version:        version,
		versionStatus:  http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /artifact", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.downloads++
		status, body, truncate := rs.artifactStatus, rs.artifact, rs.truncate
		rs.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, "unavailable", status)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		if truncate {
			_, _ = w.Write(body[:len(body)/2])
			return
		}
		_, _ = w.Write(body)
	})
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		rs.mu.Lock()
		rs.probes++
		status, version := rs.versionStatus, rs.version
		rs.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, "unavailable", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"sha":%q}`, version)
	})

	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func (rs *releaseServer) set(fn func(rs *releaseServer)) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fn(rs)
}

func (rs *releaseServer) counts() (downloads, probes int) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.downloads, rs.probes
}

// fakeArtifact builds a payload of size bytes carrying the entrypoint marker.
func fakeArtifact(size int) []byte {
	data := bytes.Repeat([]byte{0x90}, size)
	copy(data[size/2:], EntrypointMarker)
	return data
}

func newTestUpdater(t *testing.T, rs *releaseServer, mutate ...func(*Options)) *Updater {
	t.Helper()
	logger, _ := logging.NewTestLogger()
	opts := Options{
		CacheDir:    filepath.Join(t.TempDir(), "cache"),
		ArtifactURL: rs.URL + "/artifact",
		VersionURL:  rs.URL + "/version",
		MinSize:     testMinSize,
		HTTPClient:  rs.Client(),
		Logger:      logger,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return New(opts)
}

func TestNew_Defaults(t *testing.T) {
	u := New(Options{})

	assert.Equal(t, DefaultTTL, u.opts.TTL)
	assert.Equal(t, int64(DefaultMinSize), u.opts.MinSize)
	assert.Equal(t, []string{"serve"}, u.opts.Args)
	assert.Equal(t, DefaultVersionURL, u.opts.VersionURL)
	assert.Contains(t, u.opts.ArtifactURL, runtime.GOOS+"-"+runtime.GOARCH)
	require.Len(t, u.opts.Markers, 1)
	assert.Equal(t, EntrypointMarker, string(u.opts.Markers[0]))
}

func TestEnsure_MissingDownloadsAndRecordsVersion(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "abc123")
	u := newTestUpdater(t, rs)

	entry, err := u.Ensure(context.Background())
	require.NoError(t, err)
	require.NotNil(t, entry)

	assert.Equal(t, u.Cache().ArtifactPath(), entry.Path)
	assert.Equal(t, "abc123", entry.Version)
	assert.Equal(t, int64(8*1024), entry.Size)

	downloads, probes := rs.counts()
	assert.Equal(t, 1, downloads)
	assert.Equal(t, 1, probes)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(entry.Path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	}

	leftovers, err := filepath.Glob(filepath.Join(u.Cache().Dir(), "*.download"))
	require.NoError(t, err)
	assert.Empty(t, leftovers, "temp downloads should not remain")
}

func TestEnsure_FreshCacheSkipsDownload(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "abc123")
	u := newTestUpdater(t, rs)

	_, err := u.Ensure(context.Background())
	require.NoError(t, err)

	entry, err := u.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc123", entry.Version)

	downloads, probes := rs.counts()
	assert.Equal(t, 1, downloads, "fresh cache must not be downloaded again")
	assert.Equal(t, 2, probes)
}

func TestEnsure_VersionMismatchRedownloads(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
	u := newTestUpdater(t, rs)

	_, err := u.Ensure(context.Background())
	require.NoError(t, err)

	rs.set(func(rs *releaseServer) {
		rs.version = "v2"
		rs.artifact = fakeArtifact(16 * 1024)
	})

	entry, err := u.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v2", entry.Version)
	assert.Equal(t, int64(16*1024), entry.Size)

	downloads, _ := rs.counts()
	assert.Equal(t, 2, downloads)
}

func TestEnsure_ExpiredTTLRedownloads(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
	now := time.Now()
	u := newTestUpdater(t, rs, func(o *Options) {
		o.TTL = time.Hour
		o.Now = func() time.Time { return now }
	})

	_, err := u.Ensure(context.Background())
	require.NoError(t, err)

	now = now.Add(2 * time.Hour)
	_, state, err := u.Status()
	require.NoError(t, err)
	assert.Equal(t, Stale, state)

	_, err = u.Ensure(context.Background())
	require.NoError(t, err)

	downloads, _ := rs.counts()
	assert.Equal(t, 2, downloads)
}

func TestEnsure_ProbeFailureKeepsCache(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
	u := newTestUpdater(t, rs)

	_, err := u.Ensure(context.Background())
	require.NoError(t, err)

	rs.set(func(rs *releaseServer) { rs.versionStatus = http.StatusBadGateway })

	entry, err := u.Ensure(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", entry.Version)

	downloads, _ := rs.counts()
	assert.Equal(t, 1, downloads)
}

func TestEnsure_NoMarkerSkipsProbe(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
	rs.set(func(rs *releaseServer) { rs.versionStatus = http.StatusNotFound })
	u := newTestUpdater(t, rs)

	entry, err := u.Ensure(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entry.Version, "no version marker without a remote version")

	_, err = u.Ensure(context.Background())
	require.NoError(t, err)

	downloads, probes := rs.counts()
	assert.Equal(t, 1, downloads)
	assert.Equal(t, 1, probes, "entry without a marker is fresh by TTL alone")
}

func TestEnsure_ValidationFailurePurges(t *testing.T) {
	tests := []struct {
		name     string
		artifact []byte
	}{
		{name: "missing marker", artifact: bytes.Repeat([]byte{0x90}, 8*1024)},
		{name: "too small", artifact: fakeArtifact(testMinSize / 2)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
			u := newTestUpdater(t, rs)

			_, err := u.Ensure(context.Background())
			require.NoError(t, err)

			rs.set(func(rs *releaseServer) {
				rs.version = "v2"
				rs.artifact = tt.artifact
			})

			entry, err := u.Ensure(context.Background())
			require.ErrorIs(t, err, ErrValidation)
			assert.Nil(t, entry)
			assertPurged(t, u.Cache())
		})
	}
}

func TestEnsure_DownloadFailurePurges(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
	u := newTestUpdater(t, rs)

	_, err := u.Ensure(context.Background())
	require.NoError(t, err)

	rs.set(func(rs *releaseServer) {
		rs.version = "v2"
		rs.artifactStatus = http.StatusInternalServerError
	})

	_, err = u.Ensure(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
	assertPurged(t, u.Cache())
}

func TestEnsure_TruncatedDownloadNeverInstalled(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
	rs.set(func(rs *releaseServer) { rs.truncate = true })
	u := newTestUpdater(t, rs)

	_, err := u.Ensure(context.Background())
	require.Error(t, err)
	assertPurged(t, u.Cache())

	leftovers, globErr := filepath.Glob(filepath.Join(u.Cache().Dir(), "*.download"))
	require.NoError(t, globErr)
	assert.Empty(t, leftovers)
}

func TestEnsure_CorruptCachedArtifactPurged(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
	u := newTestUpdater(t, rs)

	_, err := u.Ensure(context.Background())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(u.Cache().ArtifactPath(), []byte("garbage"), 0755))

	_, err = u.Ensure(context.Background())
	require.ErrorIs(t, err, ErrValidation)
	assertPurged(t, u.Cache())

	// Not retried within the same run.
	downloads, _ := rs.counts()
	assert.Equal(t, 1, downloads)
}

func TestEnsure_UnreadableCachePurged(t *testing.T) {
	tests := []struct {
		name  string
		setup func(c *Cache) error
	}{
		{
			name:  "artifact is a directory",
			setup: func(c *Cache) error { return os.MkdirAll(c.ArtifactPath(), 0700) },
		},
		{
			name: "marker is a directory",
			setup: func(c *Cache) error {
				if err := os.MkdirAll(c.Dir(), 0700); err != nil {
					return err
				}
				if err := os.WriteFile(c.ArtifactPath(), fakeArtifact(8*1024), 0755); err != nil {
					return err
				}
				return os.MkdirAll(c.MarkerPath(), 0700)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
			u := newTestUpdater(t, rs)
			require.NoError(t, tt.setup(u.Cache()))

			_, err := u.Ensure(context.Background())
			require.Error(t, err)
			assertPurged(t, u.Cache())

			// The following run starts clean and succeeds.
			entry, err := u.Ensure(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "v1", entry.Version)
		})
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{name: "sha", body: `{"sha":"deadbeef"}`, want: "deadbeef"},
		{name: "version", body: `{"version":"1.2.3"}`, want: "1.2.3"},
		{name: "tag", body: `{"tag_name":"v1.2.3"}`, want: "v1.2.3"},
		{name: "sha wins", body: `{"sha":"abc","tag_name":"v9"}`, want: "abc"},
		{name: "plain text", body: "  cafe01\n", want: "cafe01"},
		{name: "empty json", body: `{}`, wantErr: true},
		{name: "empty body", body: "   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseVersion([]byte(tt.body))
			if tt.wantErr {
				require.ErrorIs(t, err, ErrEmptyVersion)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStatus_Missing(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
	u := newTestUpdater(t, rs)

	entry, state, err := u.Status()
	require.NoError(t, err)
	assert.Nil(t, entry)
	assert.Equal(t, Missing, state)
}

// TestHelperProcess stands in for the bridge when the test binary itself is
// served as the artifact.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("PROMPTBRIDGE_HELPER_PROCESS") != "1" {
		return
	}
	if d, err := time.ParseDuration(os.Getenv("PROMPTBRIDGE_HELPER_SLEEP")); err == nil {
		time.Sleep(d)
	}
	fmt.Fprint(os.Stdout, "bridge ready")
	code, _ := strconv.Atoi(os.Getenv("PROMPTBRIDGE_HELPER_EXIT"))
	os.Exit(code)
}

// selfArtifact serves the running test binary, which carries the entrypoint
// marker because this package references it.
func selfArtifact(t *testing.T) []byte {
	t.Helper()
	path, err := os.Executable()
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return data
}

func newHelperUpdater(t *testing.T, stdout *bytes.Buffer, env ...string) (*Updater, *releaseServer) {
	t.Helper()
	rs := newReleaseServer(t, selfArtifact(t), "v1")
	u := newTestUpdater(t, rs, func(o *Options) {
		o.MinSize = DefaultMinSize
		o.Args = []string{"-test.run=^TestHelperProcess$", "--"}
		o.Env = append([]string{"PROMPTBRIDGE_HELPER_PROCESS=1"}, env...)
		o.Stdin = strings.NewReader("")
		o.Stdout = stdout
		o.Stderr = &bytes.Buffer{}
	})
	return u, rs
}

func TestRun_ExecutesBridge(t *testing.T) {
	var stdout bytes.Buffer
	u, _ := newHelperUpdater(t, &stdout)

	require.NoError(t, u.Run(context.Background()))
	assert.Equal(t, "bridge ready", stdout.String())

	entry, state, err := u.Status()
	require.NoError(t, err)
	assert.Equal(t, Fresh, state)
	assert.Equal(t, "v1", entry.Version)
}

func TestRun_NonZeroExitPurges(t *testing.T) {
	var stdout bytes.Buffer
	u, _ := newHelperUpdater(t, &stdout, "PROMPTBRIDGE_HELPER_EXIT=3")

	err := u.Run(context.Background())
	require.Error(t, err)

	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode())
	assertPurged(t, u.Cache())
}

func TestExecute_CancelledKeepsCache(t *testing.T) {
	var stdout bytes.Buffer
	u, _ := newHelperUpdater(t, &stdout, "PROMPTBRIDGE_HELPER_SLEEP=30s")

	entry, err := u.Ensure(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = u.Execute(ctx, entry)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	_, statErr := os.Stat(entry.Path)
	assert.NoError(t, statErr, "cancellation is not a bridge failure")
}

func TestExecute_StartFailurePurges(t *testing.T) {
	rs := newReleaseServer(t, fakeArtifact(8*1024), "v1")
	u := newTestUpdater(t, rs)
	require.NoError(t, u.Cache().WriteMarker("v1"))

	err := u.Execute(context.Background(), &CacheEntry{Path: u.Cache().ArtifactPath()})
	require.Error(t, err)
	assertPurged(t, u.Cache())
}
