package archive

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gnsslab/gnssdb/productdb/catalog"
)

const (
	defaultTimeout = 5 * time.Minute
)

// Config describes one datacenter.
type Config struct {
	Name     string `yaml:"name"`
	URI      string `yaml:"uri"`
	Priority int    `yaml:"priority"`

	// Stations the archive carries; "*" advertises all stations not
	// excluded.
	Stations         []string `yaml:"stations,omitempty"`
	ExcludedStations []string `yaml:"excluded_stations,omitempty"`

	ReadOnly    bool   `yaml:"readonly,omitempty"`
	Compression string `yaml:"compression,omitempty"`

	MaxDownloadsPerConn int           `yaml:"max_downloads_per_connection,omitempty"`
	Timeout             time.Duration `yaml:"timeout,omitempty"`

	Credentials CredentialsConfig `yaml:"credentials,omitempty"`

	// LoginURL switches an https archive to cookie-session token
	// authentication.
	LoginURL string `yaml:"login_url,omitempty"`

	// Endpoint and Insecure apply to s3 archives only; the default
	// endpoint is AWS.
	Endpoint string `yaml:"endpoint,omitempty"`
	Insecure bool   `yaml:"insecure,omitempty"`

	// DataTypes overrides the default catalog for this archive.
	DataTypes catalog.Config `yaml:"datatypes,omitempty"`
}

// Common is the variant-independent state of an archive.
type Common struct {
	cfg      Config
	types    *catalog.Catalog
	creds    Credentials
	wildcard bool // station set contains "*"
	stations map[string]struct{}
	excluded map[string]struct{}

	mu        sync.Mutex
	listCache map[string][]string
	downloads int
}

// NewCommon validates the shared configuration. types is the archive's
// catalog (already layered over the default one).
func NewCommon(cfg Config, types *catalog.Catalog) (*Common, error) {
	creds, err := cfg.Credentials.Load()
	if err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &Common{
		cfg:       cfg,
		types:     types,
		creds:     creds,
		stations:  map[string]struct{}{},
		excluded:  map[string]struct{}{},
		listCache: map[string][]string{},
	}
	for _, s := range cfg.Stations {
		if s == "*" {
			c.wildcard = true
			continue
		}
		c.stations[strings.ToLower(s)] = struct{}{}
	}
	for _, s := range cfg.ExcludedStations {
		c.excluded[strings.ToLower(s)] = struct{}{}
	}
	return c, nil
}

func (c *Common) Name() string            { return c.cfg.Name }
func (c *Common) Priority() int           { return c.cfg.Priority }
func (c *Common) ReadOnly() bool          { return c.cfg.ReadOnly }
func (c *Common) Compression() string     { return c.cfg.Compression }
func (c *Common) Types() *catalog.Catalog { return c.types }
func (c *Common) Credentials() Credentials {
	return c.creds
}

// ServesStation reports whether the archive lists the station explicitly
// and whether it serves it at all (explicitly or via "*"), excluded
// stations serving neither.
func (c *Common) ServesStation(code string) (explicit, ok bool) {
	code = strings.ToLower(code)
	if _, excl := c.excluded[code]; excl {
		return false, false
	}
	_, explicit = c.stations[code]
	return explicit, explicit || c.wildcard
}

// OpContext derives the per-operation timeout context.
func (c *Common) OpContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// CachedList serves a directory listing from the per-connection cache,
// falling back to list. The cache lives until ClearListCache.
func (c *Common) CachedList(ctx context.Context, dir string, list func(context.Context, string) ([]string, error)) ([]string, error) {
	c.mu.Lock()
	if names, ok := c.listCache[dir]; ok {
		c.mu.Unlock()
		return names, nil
	}
	c.mu.Unlock()

	names, err := list(ctx, dir)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.listCache[dir] = names
	c.mu.Unlock()
	return names, nil
}

// ClearListCache drops cached listings; call on disconnect.
func (c *Common) ClearListCache() {
	c.mu.Lock()
	c.listCache = map[string][]string{}
	c.mu.Unlock()
}

// BudgetSpent counts one successful download and reports whether the
// per-connection budget is used up; the counter resets when it trips.
func (c *Common) BudgetSpent() bool {
	if c.cfg.MaxDownloadsPerConn <= 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.downloads++
	if c.downloads >= c.cfg.MaxDownloadsPerConn {
		c.downloads = 0
		return true
	}
	return false
}

// RetryAfter derives the suggested next attempt for a transient failure,
// bounded below by a minimum interval.
func RetryAfter(now time.Time, interval time.Duration) time.Time {
	if interval <= 0 {
		interval = time.Minute
	}
	return now.Add(interval)
}
