// Package cache is the persistent request queue and file cache: a local
// disk archive plus a sqlite index providing deduplication across jobs,
// retry scheduling for pending requests and retention-based purging.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-kit/log/level"
	_ "github.com/mattn/go-sqlite3" // register sqlite to sql
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gnsslab/gnssdb/pkg/util/log"
	"github.com/gnsslab/gnssdb/productdb/archive"
	"github.com/gnsslab/gnssdb/productdb/archive/local"
	"github.com/gnsslab/gnssdb/productdb/catalog"
	"github.com/gnsslab/gnssdb/productdb/compression"
	"github.com/gnsslab/gnssdb/productdb/request"
	"github.com/gnsslab/gnssdb/productdb/resolver"
)

const (
	defaultJobRetentionDays = 7
	defaultQueueLatency     = 15 * time.Minute

	day = 24 * time.Hour
)

var (
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gnssdb",
		Name:      "cache_requests_total",
		Help:      "Requests processed by the cache, by resulting status.",
	}, []string{"status"})
	metricHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gnssdb",
		Name:      "cache_hits_total",
		Help:      "Requests served entirely from already cached files.",
	})
	metricPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gnssdb",
		Name:      "cache_purged_files_total",
		Help:      "Cached files removed by retention purges.",
	})
)

type Config struct {
	Dir              string        `yaml:"dir"`
	JobRetentionDays int           `yaml:"job_retention_days,omitempty"`
	QueueLatency     time.Duration `yaml:"queue_latency,omitempty"`
}

// Cache owns the request index at <dir>/index.db and the file store at
// <dir>/store.
type Cache struct {
	cfg      Config
	db       *sql.DB
	store    *local.Archive
	registry *compression.Registry
	resolver *resolver.Resolver

	mu sync.Mutex

	// Now is the clock; replaceable in tests.
	Now func() time.Time
}

// Options select the phases GetData runs.
type Options struct {
	// Download runs the resolver for non-terminal requests.
	Download bool
	// Queue keeps the request in the index for later FillPending runs.
	Queue bool
}

// New opens or creates the cache under cfg.Dir.
func New(cfg Config, cat *catalog.Catalog, reg *compression.Registry, res *resolver.Resolver) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("cache needs a directory")
	}
	if cfg.JobRetentionDays == 0 {
		cfg.JobRetentionDays = defaultJobRetentionDays
	}
	if cfg.QueueLatency == 0 {
		cfg.QueueLatency = defaultQueueLatency
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating cache dir")
	}

	common, err := archive.NewCommon(archive.Config{Name: "cache", Stations: []string{"*"}}, cat)
	if err != nil {
		return nil, err
	}
	store, err := local.New(local.Config{Path: filepath.Join(cfg.Dir, "store")}, common)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on", filepath.Join(cfg.Dir, "index.db")))
	if err != nil {
		return nil, errors.Wrap(err, "opening cache index")
	}
	if err := bootstrap(db); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "bootstrapping cache index")
	}

	return &Cache{
		cfg:      cfg,
		db:       db,
		store:    store,
		registry: reg,
		resolver: res,
		Now:      time.Now,
	}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		type TEXT NOT NULL,
		subtype TEXT NOT NULL,
		relative_path TEXT NOT NULL UNIQUE,
		expiry INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		created INTEGER NOT NULL,
		expiry INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS requests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reqid TEXT NOT NULL UNIQUE,
		job_id TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
		type TEXT NOT NULL,
		subtype TEXT NOT NULL,
		station TEXT NOT NULL DEFAULT '',
		start_epoch INTEGER NOT NULL,
		end_epoch INTEGER NOT NULL,
		status TEXT NOT NULL,
		message TEXT NOT NULL DEFAULT '',
		available_date INTEGER NOT NULL DEFAULT 0,
		supplied_subtype TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_requests_due ON requests (status, available_date)`,
	`CREATE TABLE IF NOT EXISTS file_requests (
		request_id INTEGER NOT NULL REFERENCES requests(id) ON DELETE CASCADE,
		file_id INTEGER NOT NULL REFERENCES files(id),
		PRIMARY KEY (request_id, file_id)
	)`,
}

func bootstrap(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Close closes the index.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Store exposes the cache's disk archive.
func (c *Cache) Store() *local.Archive { return c.store }

func (c *Cache) locked() func() {
	c.mu.Lock()
	return c.mu.Unlock
}

// AddRequest upserts r into the queue, predicting its initial status and
// available date. An existing request with the same reqid is replaced.
func (c *Cache) AddRequest(ctx context.Context, r *request.Request) error {
	now := c.Now().UTC()

	st, avail := c.resolver.Predict(r, now)
	if st == request.StatusInvalid {
		r.Status = st
		return errors.Errorf("invalid request %s", r.ReqID())
	}
	r.Status = st
	r.AvailableDate = avail

	defer c.locked()()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// the job outlives its slowest request by the retention window
	jobExpiry := avail
	if jobExpiry.Before(now) {
		jobExpiry = now
	}
	jobExpiry = jobExpiry.Add(time.Duration(c.cfg.JobRetentionDays) * day)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (id, created, expiry) VALUES (?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET expiry = max(expiry, excluded.expiry)`,
		r.JobID, now.Unix(), jobExpiry.Unix()); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO requests (reqid, job_id, type, subtype, station, start_epoch, end_epoch, status, available_date)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(reqid) DO UPDATE SET
			status = excluded.status,
			available_date = excluded.available_date,
			message = '',
			supplied_subtype = ''`,
		r.ReqID(), r.JobID, r.Type, r.Subtype, r.Station,
		r.Start.Unix(), r.End.Unix(), r.Status.String(), avail.Unix()); err != nil {
		return err
	}

	return tx.Commit()
}

// FillRequest resolves r into the cache store, links the downloaded files
// and persists the resulting status. Requests already completed with all
// files still cached are served without touching any archive.
func (c *Cache) FillRequest(ctx context.Context, r *request.Request) error {
	if hit, err := c.cachedComplete(ctx, r); err != nil {
		return err
	} else if hit {
		metricHits.Inc()
		return nil
	}

	o := c.resolver.Resolve(ctx, r, resolver.Sink{Archive: c.store})

	r.Status = o.Status
	r.Message = o.Message
	r.SuppliedSubtype = o.SuppliedSubtype
	if !o.AvailableDate.IsZero() {
		r.AvailableDate = o.AvailableDate
	}
	metricRequests.WithLabelValues(o.Status.String()).Inc()

	defer c.locked()()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE requests SET status = ?, message = ?, available_date = ?, supplied_subtype = ?
		 WHERE reqid = ?`,
		r.Status.String(), r.Message, r.AvailableDate.Unix(), r.SuppliedSubtype, r.ReqID())
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return errors.Errorf("request %s not queued", r.ReqID())
	}

	now := c.Now().UTC()
	for _, spec := range o.Files {
		if err := c.linkFile(ctx, tx, r, spec, now); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (c *Cache) linkFile(ctx context.Context, tx *sql.Tx, r *request.Request, spec catalog.FileSpec, now time.Time) error {
	rel := path.Join(spec.Path, spec.Filename)
	expiry := now.Add(time.Duration(spec.Product.RetentionDays) * day)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO files (type, subtype, relative_path, expiry) VALUES (?, ?, ?, ?)
		 ON CONFLICT(relative_path) DO UPDATE SET expiry = max(expiry, excluded.expiry)`,
		spec.Product.Type, spec.Product.Subtype, rel, expiry.Unix()); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO file_requests (request_id, file_id)
		 SELECT r.id, f.id FROM requests r, files f WHERE r.reqid = ? AND f.relative_path = ?`,
		r.ReqID(), rel)
	return err
}

// cachedComplete reports whether r is already completed with every linked
// file still present on disk, refreshing r from the index.
func (c *Cache) cachedComplete(ctx context.Context, r *request.Request) (bool, error) {
	stored, rels, err := c.lookup(ctx, r.ReqID())
	if err != nil || stored == nil {
		return false, err
	}
	if stored.Status != request.StatusCompleted {
		return false, nil
	}
	for _, rel := range rels {
		if _, err := os.Stat(filepath.Join(c.store.Base(), rel)); err != nil {
			return false, nil
		}
	}
	*r = *stored
	return true, nil
}

// lookup loads one request and its linked file paths by reqid; a nil
// request means not queued.
func (c *Cache) lookup(ctx context.Context, reqid string) (*request.Request, []string, error) {
	defer c.locked()()

	row := c.db.QueryRowContext(ctx,
		`SELECT job_id, type, subtype, station, start_epoch, end_epoch, status, message, available_date, supplied_subtype
		 FROM requests WHERE reqid = ?`, reqid)

	var (
		r           request.Request
		status      string
		start, end  int64
		availableAt int64
	)
	err := row.Scan(&r.JobID, &r.Type, &r.Subtype, &r.Station, &start, &end,
		&status, &r.Message, &availableAt, &r.SuppliedSubtype)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	r.Start = time.Unix(start, 0).UTC()
	r.End = time.Unix(end, 0).UTC()
	r.AvailableDate = time.Unix(availableAt, 0).UTC()
	if r.Status, err = request.ParseStatus(status); err != nil {
		return nil, nil, err
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT f.relative_path FROM files f
		 JOIN file_requests fr ON fr.file_id = f.id
		 JOIN requests r ON r.id = fr.request_id
		 WHERE r.reqid = ?`, reqid)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var rels []string
	for rows.Next() {
		var rel string
		if err := rows.Scan(&rel); err != nil {
			return nil, nil, err
		}
		rels = append(rels, rel)
	}
	return &r, rels, rows.Err()
}

// FillPending fills every PENDING or DELAYED request due at now, ordered
// by available date, and returns the ids of jobs whose requests have all
// reached a terminal status.
func (c *Cache) FillPending(ctx context.Context, now time.Time) ([]string, error) {
	due, err := c.dueRequests(ctx, now)
	if err != nil {
		return nil, err
	}

	for _, r := range due {
		if err := c.FillRequest(ctx, r); err != nil {
			return nil, err
		}
	}

	defer c.locked()()

	rows, err := c.db.QueryContext(ctx,
		`SELECT job_id FROM requests GROUP BY job_id
		 HAVING sum(CASE WHEN status IN (?, ?, ?) THEN 0 ELSE 1 END) = 0`,
		request.StatusCompleted.String(), request.StatusUnavailable.String(), request.StatusInvalid.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var done []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		done = append(done, id)
	}
	return done, rows.Err()
}

func (c *Cache) dueRequests(ctx context.Context, now time.Time) ([]*request.Request, error) {
	reqids, err := func() ([]string, error) {
		defer c.locked()()

		rows, err := c.db.QueryContext(ctx,
			`SELECT reqid FROM requests
			 WHERE status IN (?, ?) AND available_date <= ?
			 ORDER BY available_date ASC`,
			request.StatusPending.String(), request.StatusDelayed.String(), now.Unix())
		if err != nil {
			return nil, err
		}
		defer rows.Close()

		var reqids []string
		for rows.Next() {
			var reqid string
			if err := rows.Scan(&reqid); err != nil {
				return nil, err
			}
			reqids = append(reqids, reqid)
		}
		return reqids, rows.Err()
	}()
	if err != nil {
		return nil, err
	}

	var due []*request.Request
	for _, reqid := range reqids {
		r, _, err := c.lookup(ctx, reqid)
		if err != nil {
			return nil, err
		}
		if r != nil {
			due = append(due, r)
		}
	}
	return due, nil
}

// RetrieveRequest delivers a completed request's files into target and
// removes the request from the queue. Unavailable requests are removed
// without delivery; anything else is left untouched.
func (c *Cache) RetrieveRequest(ctx context.Context, target archive.Archive, r *request.Request) error {
	stored, rels, err := c.lookup(ctx, r.ReqID())
	if err != nil {
		return err
	}
	if stored == nil {
		return nil
	}
	*r = *stored

	switch r.Status {
	case request.StatusCompleted:
		for _, rel := range rels {
			dir, name := path.Split(rel)
			// delivered as cached, no recompression
			src := catalog.FileSpec{Path: path.Clean(dir), Filename: name, Compression: "none"}
			dst := catalog.FileSpec{Filename: name, Compression: "none"}
			if _, err := archive.Download(ctx, c.registry, c.store, src, target, dst); err != nil {
				return errors.Wrapf(err, "retrieving %s", rel)
			}
		}
	case request.StatusUnavailable, request.StatusInvalid:
	default:
		return nil
	}
	return c.deleteRequest(ctx, r.ReqID())
}

func (c *Cache) deleteRequest(ctx context.Context, reqid string) error {
	defer c.locked()()
	_, err := c.db.ExecContext(ctx, `DELETE FROM requests WHERE reqid = ?`, reqid)
	return err
}

// GetData is the composite entry point: queue, download and deliver in
// one call, per opts. A reqid already in the queue keeps its stored
// status and files instead of being re-predicted and upserted. For a
// still-pending queued request it returns the suggested next-check time.
func (c *Cache) GetData(ctx context.Context, r *request.Request, target archive.Archive, opts Options) (time.Time, error) {
	stored, _, err := c.lookup(ctx, r.ReqID())
	if err != nil {
		return time.Time{}, err
	}
	wasQueued := stored != nil

	// a known reqid keeps its state; re-adding it would discard a
	// completed download
	if !wasQueued {
		if err := c.AddRequest(ctx, r); err != nil {
			return time.Time{}, err
		}
	} else {
		*r = *stored
	}

	if opts.Download && !r.Status.Terminal() {
		if err := c.FillRequest(ctx, r); err != nil {
			return time.Time{}, err
		}
	}

	if target != nil {
		if err := c.RetrieveRequest(ctx, target, r); err != nil {
			return time.Time{}, err
		}
	}

	if !opts.Queue && !wasQueued {
		if err := c.deleteRequest(ctx, r.ReqID()); err != nil {
			return time.Time{}, err
		}
	}

	if opts.Queue && (r.Status == request.StatusPending || r.Status == request.StatusDelayed) {
		return r.AvailableDate.Add(c.cfg.QueueLatency), nil
	}
	return time.Time{}, nil
}

// Purge removes expired jobs with their requests, then expired files with
// no live request links, unlinking each from disk before dropping its row.
func (c *Cache) Purge(ctx context.Context, now time.Time) error {
	defer c.locked()()

	if _, err := c.db.ExecContext(ctx, `DELETE FROM jobs WHERE expiry <= ?`, now.Unix()); err != nil {
		return err
	}

	rows, err := c.db.QueryContext(ctx,
		`SELECT id, relative_path FROM files
		 WHERE expiry <= ? AND id NOT IN (SELECT file_id FROM file_requests)`,
		now.Unix())
	if err != nil {
		return err
	}
	defer rows.Close()

	type victim struct {
		id  int64
		rel string
	}
	var victims []victim
	for rows.Next() {
		var v victim
		if err := rows.Scan(&v.id, &v.rel); err != nil {
			return err
		}
		victims = append(victims, v)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, v := range victims {
		dir, name := path.Split(v.rel)
		if err := c.store.Delete(path.Clean(dir), name); err != nil {
			level.Warn(log.Logger).Log("msg", "purging cached file", "path", v.rel, "err", err)
			continue
		}
		if _, err := c.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, v.id); err != nil {
			return err
		}
		metricPurged.Inc()
	}
	return nil
}
