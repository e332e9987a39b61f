package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnsslab/gnssdb/productdb/archive"
	"github.com/gnsslab/gnssdb/productdb/archive/archivetest"
	"github.com/gnsslab/gnssdb/productdb/catalog"
	"github.com/gnsslab/gnssdb/productdb/compression"
	"github.com/gnsslab/gnssdb/productdb/request"
	"github.com/gnsslab/gnssdb/productdb/resolver"
)

type fixture struct {
	cache  *Cache
	source *archivetest.Archive
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	intp := func(i int) *int { return &i }
	cat, err := catalog.New(catalog.Config{
		"ORB": {
			"RAPID": {
				Filename:      "igr[wwww][d].sp3",
				Path:          "products/[wwww]",
				Priority:      intp(50),
				Latency:       17 * time.Hour,
				RetentionDays: 1,
			},
		},
	}, nil)
	require.NoError(t, err)

	reg, err := compression.NewRegistry(compression.Config{})
	require.NoError(t, err)

	source := archivetest.New(archive.Config{Name: "source", Priority: 10, ReadOnly: true}, cat)

	f := &fixture{
		source: source,
		now:    time.Date(2020, 4, 10, 0, 0, 0, 0, time.UTC),
	}

	res := resolver.New(cat, reg, []archive.Archive{source})
	res.Now = func() time.Time { return f.now }

	c, err := New(Config{Dir: t.TempDir()}, cat, reg, res)
	require.NoError(t, err)
	c.Now = res.Now
	t.Cleanup(func() { _ = c.Close() })

	f.cache = c
	return f
}

func (f *fixture) request() *request.Request {
	day := time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC)
	return &request.Request{
		JobID:   "job1",
		Type:    "ORB",
		Subtype: "RAPID",
		Start:   day,
		End:     day,
	}
}

func (f *fixture) publish() {
	f.source.Put("products/2100", "igr21004.sp3", []byte("rapid orbit"))
}

func (f *fixture) count(t *testing.T, table string) int {
	t.Helper()
	var n int
	require.NoError(t, f.cache.db.QueryRow(`SELECT count(*) FROM `+table).Scan(&n))
	return n
}

func TestAddRequestIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.request()
	require.NoError(t, f.cache.AddRequest(ctx, r))
	assert.Equal(t, request.StatusPending, r.Status)
	assert.Equal(t, time.Date(2020, 4, 9, 17, 0, 0, 0, time.UTC), r.AvailableDate)

	require.NoError(t, f.cache.AddRequest(ctx, f.request()))
	assert.Equal(t, 1, f.count(t, "requests"))
	assert.Equal(t, 1, f.count(t, "jobs"))
}

func TestFillPendingCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// queued in the morning, the rapid orbit is due at 17:00
	f.now = time.Date(2020, 4, 9, 9, 0, 0, 0, time.UTC)
	require.NoError(t, f.cache.AddRequest(ctx, f.request()))

	done, err := f.cache.FillPending(ctx, f.now)
	require.NoError(t, err)
	assert.Empty(t, done)
	assert.Zero(t, f.source.Fetches)

	f.now = time.Date(2020, 4, 9, 17, 30, 0, 0, time.UTC)
	f.publish()

	done, err = f.cache.FillPending(ctx, f.now)
	require.NoError(t, err)
	assert.Equal(t, []string{"job1"}, done)

	_, err = os.Stat(filepath.Join(f.cache.Store().Base(), "products/2100/igr21004.sp3"))
	assert.NoError(t, err)
	assert.Equal(t, 1, f.count(t, "files"))
	assert.Equal(t, 1, f.count(t, "file_requests"))
}

func TestFillRequestDelayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.now = time.Date(2020, 4, 11, 0, 0, 0, 0, time.UTC)
	r := f.request()
	require.NoError(t, f.cache.AddRequest(ctx, r))
	require.NoError(t, f.cache.FillRequest(ctx, r))

	assert.Equal(t, request.StatusDelayed, r.Status)
	assert.Equal(t, f.now.Add(time.Hour), r.AvailableDate)
	assert.NotEmpty(t, r.Message)
}

func TestFillRequestCacheHit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.now = time.Date(2020, 4, 11, 0, 0, 0, 0, time.UTC)
	f.publish()

	r := f.request()
	require.NoError(t, f.cache.AddRequest(ctx, r))
	require.NoError(t, f.cache.FillRequest(ctx, r))
	require.Equal(t, request.StatusCompleted, r.Status)
	require.Equal(t, 1, f.source.Fetches)

	require.NoError(t, f.cache.FillRequest(ctx, f.request()))
	assert.Equal(t, 1, f.source.Fetches)
}

func TestGetDataDeliversAndDequeues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.now = time.Date(2020, 4, 11, 0, 0, 0, 0, time.UTC)
	f.publish()

	target := archivetest.New(archive.Config{Name: "target"}, nil)
	r := f.request()
	_, err := f.cache.GetData(ctx, r, target, Options{Download: true, Queue: true})
	require.NoError(t, err)
	require.Equal(t, request.StatusCompleted, r.Status)
	assert.Equal(t, "RAPID", r.SuppliedSubtype)

	data, ok := target.Get("", "igr21004.sp3")
	require.True(t, ok)
	assert.Equal(t, []byte("rapid orbit"), data)

	// delivered requests leave the queue, the cached file stays
	assert.Equal(t, 0, f.count(t, "requests"))
	assert.Equal(t, 1, f.count(t, "files"))
}

func TestGetDataUnqueuedIsRemoved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.request()
	next, err := f.cache.GetData(ctx, r, nil, Options{Download: false, Queue: false})
	require.NoError(t, err)
	assert.Equal(t, request.StatusPending, r.Status)
	assert.True(t, next.IsZero())
	assert.Equal(t, 0, f.count(t, "requests"))
}

func TestGetDataNextCheck(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r := f.request()
	next, err := f.cache.GetData(ctx, r, nil, Options{Download: false, Queue: true})
	require.NoError(t, err)
	assert.Equal(t, request.StatusPending, r.Status)
	assert.Equal(t, r.AvailableDate.Add(defaultQueueLatency), next)
	assert.Equal(t, 1, f.count(t, "requests"))
}

func TestGetDataKeepsQueuedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.now = time.Date(2020, 4, 9, 9, 0, 0, 0, time.UTC)
	_, err := f.cache.GetData(ctx, f.request(), nil, Options{Queue: true})
	require.NoError(t, err)

	f.now = time.Date(2020, 4, 9, 17, 30, 0, 0, time.UTC)
	f.publish()
	_, err = f.cache.FillPending(ctx, f.now)
	require.NoError(t, err)

	// re-entering must not re-predict the stored request back to
	// pending; the completed download is delivered as is
	target := archivetest.New(archive.Config{Name: "target"}, nil)
	r := f.request()
	_, err = f.cache.GetData(ctx, r, target, Options{Queue: true})
	require.NoError(t, err)
	assert.Equal(t, request.StatusCompleted, r.Status)
	_, ok := target.Get("", "igr21004.sp3")
	assert.True(t, ok)
	assert.Equal(t, 1, f.source.Fetches)
}

func TestPurge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.now = time.Date(2020, 4, 11, 0, 0, 0, 0, time.UTC)
	f.publish()

	target := archivetest.New(archive.Config{Name: "target"}, nil)
	r := f.request()
	_, err := f.cache.GetData(ctx, r, target, Options{Download: true, Queue: true})
	require.NoError(t, err)
	require.Equal(t, 1, f.count(t, "files"))

	// nothing has expired yet
	require.NoError(t, f.cache.Purge(ctx, f.now))
	assert.Equal(t, 1, f.count(t, "files"))
	assert.Equal(t, 1, f.count(t, "jobs"))

	// past file retention and job expiry everything goes
	require.NoError(t, f.cache.Purge(ctx, f.now.AddDate(0, 0, 10)))
	assert.Equal(t, 0, f.count(t, "jobs"))
	assert.Equal(t, 0, f.count(t, "files"))

	_, err = os.Stat(filepath.Join(f.cache.Store().Base(), "products/2100/igr21004.sp3"))
	assert.True(t, os.IsNotExist(err))
}

// Purging in small steps ends in the same state as one late purge.
func TestPurgeMonotonic(t *testing.T) {
	ctx := context.Background()
	seed := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.now = time.Date(2020, 4, 11, 0, 0, 0, 0, time.UTC)
		f.publish()
		target := archivetest.New(archive.Config{Name: "target"}, nil)
		_, err := f.cache.GetData(ctx, f.request(), target, Options{Download: true, Queue: true})
		require.NoError(t, err)
		return f
	}

	stepped := seed(t)
	require.NoError(t, stepped.cache.Purge(ctx, time.Date(2020, 4, 13, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, stepped.cache.Purge(ctx, time.Date(2020, 4, 20, 0, 0, 0, 0, time.UTC)))

	jumped := seed(t)
	require.NoError(t, jumped.cache.Purge(ctx, time.Date(2020, 4, 20, 0, 0, 0, 0, time.UTC)))

	for _, table := range []string{"jobs", "requests", "files", "file_requests"} {
		assert.Equal(t, jumped.count(t, table), stepped.count(t, table), table)
	}
	assert.Equal(t, 0, stepped.count(t, "jobs"))
	assert.Equal(t, 0, stepped.count(t, "files"))
	for _, f := range []*fixture{stepped, jumped} {
		_, err := os.Stat(filepath.Join(f.cache.Store().Base(), "products/2100/igr21004.sp3"))
		assert.True(t, os.IsNotExist(err))
	}
}
