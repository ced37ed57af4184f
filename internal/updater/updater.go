package updater

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
)

// EntrypointMarker is embedded in every bridge build. A downloaded artifact
// that does not contain it is not a bridge and is never executed.
const EntrypointMarker = "promptbridge:bridge-entrypoint:v1"

const (
	DefaultTTL             = 24 * time.Hour
	DefaultMinSize         = 64 * 1024
	DefaultProbeTimeout    = 10 * time.Second
	DefaultDownloadTimeout = 5 * time.Minute
	DefaultVersionURL      = "https://api.github.com/repos/promptcatalog/promptbridge/commits/main"
)

// ErrValidation marks an artifact that failed structural checks.
var ErrValidation = errors.New("artifact failed validation")

// DefaultArtifactURL returns the release download URL for this platform.
func DefaultArtifactURL() string {
	name := fmt.Sprintf("promptbridge-%s-%s", runtime.GOOS, runtime.GOARCH)
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	return "https://github.com/promptcatalog/promptbridge/releases/latest/download/" + name
}

// Options configures the loader.
type Options struct {
	CacheDir    string
	ArtifactURL string
	VersionURL  string
	TTL         time.Duration
	MinSize     int64
	// Markers must all appear in the artifact bytes.
	Markers [][]byte
	// Args are passed to the launched bridge.
	Args []string
	// Env is appended to the inherited environment of the bridge.
	Env []string

	HTTPClient      *http.Client
	ProbeTimeout    time.Duration
	DownloadTimeout time.Duration
	UserAgent       string
	Logger          *log.Logger

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Now func() time.Time
}

// Updater runs the check, download, validate, execute sequence.
type Updater struct {
	opts   Options
	cache  *Cache
	logger *log.Logger
}

// New returns an Updater with defaults applied to opts.
func New(opts Options) *Updater {
	if opts.ArtifactURL == "" {
		opts.ArtifactURL = DefaultArtifactURL()
	}
	if opts.VersionURL == "" {
		opts.VersionURL = DefaultVersionURL
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MinSize <= 0 {
		opts.MinSize = DefaultMinSize
	}
	if len(opts.Markers) == 0 {
		opts.Markers = [][]byte{[]byte(EntrypointMarker)}
	}
	if opts.Args == nil {
		opts.Args = []string{"serve"}
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = http.DefaultClient
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = DefaultProbeTimeout
	}
	if opts.DownloadTimeout <= 0 {
		opts.DownloadTimeout = DefaultDownloadTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = appName
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Updater{
		opts:   opts,
		cache:  NewCache(opts.CacheDir),
		logger: opts.Logger,
	}
}

// Cache returns the underlying cache.
func (u *Updater) Cache() *Cache {
	return u.cache
}

// Status reports the cached entry and its freshness by age alone, without
// contacting the network. The entry is nil when nothing is cached.
func (u *Updater) Status() (*CacheEntry, Freshness, error) {
	entry, err := u.cache.Load()
	if err != nil || entry == nil {
		return nil, Missing, err
	}
	if entry.Age(u.opts.Now()) > u.opts.TTL {
		return entry, Stale, nil
	}
	return entry, Fresh, nil
}

// Purge removes the cached artifact and version marker.
func (u *Updater) Purge() error {
	return u.cache.Purge()
}

// Check decides whether the cached artifact can be used. An entry within the
// TTL that carries a version marker is compared against the remote version;
// a failed probe keeps the cache. The remote version is returned when it was
// fetched so a following download can record it.
func (u *Updater) Check(ctx context.Context) (Freshness, string, error) {
	entry, state, err := u.Status()
	if err != nil || state != Fresh {
		if state == Stale {
			u.logger.Info("Cached bridge expired", "age", humanize.Time(entry.WrittenAt))
		}
		return state, "", err
	}
	if entry.Version == "" {
		return Fresh, "", nil
	}

	remote, err := u.probeVersion(ctx)
	if err != nil {
		u.logger.Warn("Version check failed, keeping cached bridge", "error", err)
		return Fresh, "", nil
	}
	if remote != entry.Version {
		u.logger.Info("New bridge version available", "cached", entry.Version, "remote", remote)
		return Stale, remote, nil
	}
	return Fresh, remote, nil
}

// Ensure returns a validated cache entry, downloading a new artifact when
// the cache is missing or stale. An unreadable cache or any download or
// validation failure purges the cache; the next run starts clean.
func (u *Updater) Ensure(ctx context.Context) (*CacheEntry, error) {
	state, remote, err := u.Check(ctx)
	if err != nil {
		u.purge("cache unreadable")
		return nil, err
	}

	if state == Fresh {
		entry, err := u.cache.Load()
		if err != nil {
			return nil, err
		}
		if err := u.Validate(entry.Path); err != nil {
			u.purge("cached artifact invalid")
			return nil, err
		}
		u.logger.Debug("Using cached bridge", "path", entry.Path, "version", entry.Version)
		return entry, nil
	}

	if remote == "" {
		remote, err = u.probeVersion(ctx)
		if err != nil {
			u.logger.Warn("Version check failed, downloading without a version marker", "error", err)
		}
	}

	u.logger.Info("Downloading bridge", "url", u.opts.ArtifactURL)
	n, err := u.download(ctx)
	if err != nil {
		u.purge("download failed")
		return nil, err
	}
	u.logger.Info("Downloaded bridge", "size", humanize.Bytes(uint64(n)))

	if err := u.Validate(u.cache.ArtifactPath()); err != nil {
		u.purge("downloaded artifact invalid")
		return nil, err
	}

	// The marker must never describe a different artifact.
	if remote != "" {
		err = u.cache.WriteMarker(remote)
	} else {
		err = u.cache.RemoveMarker()
	}
	if err != nil {
		u.logger.Warn("Failed to update version marker", "error", err)
	}

	return u.cache.Load()
}

// Validate runs the structural checks: a size floor and every marker
// present in the file contents.
func (u *Updater) Validate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if int64(len(data)) < u.opts.MinSize {
		return fmt.Errorf("%w: size %s below minimum %s", ErrValidation,
			humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(u.opts.MinSize)))
	}
	for _, m := range u.opts.Markers {
		if !bytes.Contains(data, m) {
			return fmt.Errorf("%w: missing marker %q", ErrValidation, m)
		}
	}
	return nil
}

// Execute launches the artifact as a fresh process with stdio passed
// through and waits for it. A start failure or an exit not caused by ctx
// cancellation purges the cache.
func (u *Updater) Execute(ctx context.Context, entry *CacheEntry) error {
	cmd := exec.CommandContext(ctx, entry.Path, u.opts.Args...)
	cmd.Stdin = u.opts.Stdin
	cmd.Stdout = u.opts.Stdout
	cmd.Stderr = u.opts.Stderr
	cmd.Env = append(os.Environ(), u.opts.Env...)

	u.logger.Debug("Starting bridge", "path", entry.Path, "args", u.opts.Args)
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	u.purge("bridge failed")
	return fmt.Errorf("run bridge: %w", err)
}

// Run ensures a valid artifact and executes it.
func (u *Updater) Run(ctx context.Context) error {
	entry, err := u.Ensure(ctx)
	if err != nil {
		return err
	}
	return u.Execute(ctx, entry)
}

func (u *Updater) purge(reason string) {
	u.logger.Warn("Purging bridge cache", "reason", reason, "dir", u.cache.Dir())
	if err := u.cache.Purge(); err != nil {
		u.logger.Error("Failed to purge bridge cache", "error", err)
	}
}
