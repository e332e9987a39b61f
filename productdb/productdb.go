// Package productdb wires the catalog, compression registry, archives,
// resolver and cache into one configured context.
package productdb

import (
	"context"
	"net/url"
	"os"

	"github.com/drone/envsubst"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v2"

	"github.com/gnsslab/gnssdb/productdb/archive"
	"github.com/gnsslab/gnssdb/productdb/archive/ftpfs"
	"github.com/gnsslab/gnssdb/productdb/archive/httpfs"
	"github.com/gnsslab/gnssdb/productdb/archive/local"
	"github.com/gnsslab/gnssdb/productdb/archive/s3"
	"github.com/gnsslab/gnssdb/productdb/cache"
	"github.com/gnsslab/gnssdb/productdb/catalog"
	"github.com/gnsslab/gnssdb/productdb/compression"
	"github.com/gnsslab/gnssdb/productdb/resolver"
	"github.com/gnsslab/gnssdb/productdb/scheduler"
)

// Environment overrides, applied by Load after parsing.
const (
	EnvConfig      = "GNSSDB_CONFIG"
	EnvCacheDir    = "GNSSDB_CACHE_DIR"
	EnvTmpDir      = "GNSSDB_TMP_DIR"
	EnvDebug       = "GNSSDB_DEBUG"
	EnvCredentials = "GNSSDB_CREDENTIALS"
)

type Config struct {
	LogLevel    string             `yaml:"log_level,omitempty"`
	Compression compression.Config `yaml:"compression,omitempty"`
	DataTypes   catalog.Config     `yaml:"datatypes"`
	Archives    []archive.Config   `yaml:"archives"`
	Cache       cache.Config       `yaml:"cache"`
	Scheduler   scheduler.Config   `yaml:"scheduler,omitempty"`
}

// Load reads the yaml configuration at path, expanding ${ENV} references
// first and applying the GNSSDB_* environment overrides afterwards.
func Load(path string) (Config, error) {
	var cfg Config

	buff, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading config")
	}
	expanded, err := envsubst.EvalEnv(string(buff))
	if err != nil {
		return cfg, errors.Wrap(err, "expanding env vars in config")
	}
	if err := yaml.UnmarshalStrict([]byte(expanded), &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing config")
	}

	if v := os.Getenv(EnvCacheDir); v != "" {
		cfg.Cache.Dir = v
	}
	if v := os.Getenv(EnvTmpDir); v != "" {
		os.Setenv("TMPDIR", v)
	}
	if os.Getenv(EnvDebug) != "" {
		cfg.LogLevel = "debug"
	}
	if v := os.Getenv(EnvCredentials); v != "" {
		for i := range cfg.Archives {
			c := &cfg.Archives[i].Credentials
			if c.Username == "" && c.File == "" && c.Env == "" {
				c.File = v
			}
		}
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// Context is the wired-up product database.
type Context struct {
	Config   Config
	Registry *compression.Registry
	Catalog  *catalog.Catalog
	Archives []archive.Archive
	Resolver *resolver.Resolver
	Cache    *cache.Cache
}

// New validates cfg and constructs every component. The cache is only
// opened when a cache directory is configured.
func New(cfg Config) (*Context, error) {
	reg, err := compression.NewRegistry(cfg.Compression)
	if err != nil {
		return nil, errors.Wrap(err, "compression config")
	}

	cat, err := catalog.New(cfg.DataTypes, reg)
	if err != nil {
		return nil, errors.Wrap(err, "datatype config")
	}

	archives := make([]archive.Archive, 0, len(cfg.Archives))
	for _, acfg := range cfg.Archives {
		a, err := OpenArchive(acfg, cat, reg)
		if err != nil {
			return nil, errors.Wrapf(err, "archive %q", acfg.Name)
		}
		archives = append(archives, a)
	}

	ctx := &Context{
		Config:   cfg,
		Registry: reg,
		Catalog:  cat,
		Archives: archives,
	}
	ctx.Resolver = resolver.New(cat, reg, archives)

	if cfg.Cache.Dir != "" {
		if ctx.Cache, err = cache.New(cfg.Cache, cat, reg, ctx.Resolver); err != nil {
			return nil, errors.Wrap(err, "opening cache")
		}
	}
	return ctx, nil
}

// Connect eagerly opens every archive connection so login and reach
// problems surface before the first request.
func (c *Context) Connect(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range c.Archives {
		a := a
		g.Go(func() error {
			return errors.Wrapf(a.Connect(ctx), "connecting %s", a.Name())
		})
	}
	return g.Wait()
}

// Close disconnects the archives and closes the cache index.
func (c *Context) Close() error {
	var firstErr error
	for _, a := range c.Archives {
		if err := a.Disconnect(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.Cache != nil {
		if err := c.Cache.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SchedulerMirror returns the archive named by scheduler.store, or nil
// when marker mirroring is not configured.
func (c *Context) SchedulerMirror() archive.Archive {
	for _, a := range c.Archives {
		if a.Name() == c.Config.Scheduler.Store {
			return a
		}
	}
	return nil
}

// OpenArchive constructs the variant matching the URI scheme, layering
// any archive-local datatype overrides over the default catalog.
func OpenArchive(cfg archive.Config, defaults *catalog.Catalog, reg *compression.Registry) (archive.Archive, error) {
	types := defaults
	if len(cfg.DataTypes) > 0 {
		var err error
		if types, err = catalog.NewOverride(cfg.DataTypes, defaults, reg); err != nil {
			return nil, err
		}
	}

	common, err := archive.NewCommon(cfg, types)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(cfg.URI)
	if err != nil {
		return nil, errors.Wrapf(err, "archive uri %q", cfg.URI)
	}

	var a archive.Archive
	switch u.Scheme {
	case "", "file":
		path := u.Path
		if u.Scheme == "" {
			path = cfg.URI
		}
		a, err = local.New(local.Config{Path: path}, common)
	case "ftp":
		a, err = ftpfs.New(cfg.URI, common)
	case "http", "https":
		a, err = httpfs.New(cfg.URI, cfg.LoginURL, common)
	case "s3":
		a, err = s3.New(cfg.URI, cfg.Endpoint, cfg.Insecure, common)
	default:
		return nil, errors.Errorf("unsupported archive scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, err
	}
	return archive.Instrument(a), nil
}
