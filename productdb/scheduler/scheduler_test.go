package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnsslab/gnssdb/productdb/archive"
	"github.com/gnsslab/gnssdb/productdb/archive/archivetest"
)

func TestExpandDateVars(t *testing.T) {
	e := NewExpander(time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC), map[string]string{
		"campaign": "igs",
		"empty":    "",
		"nested":   "${yyyy}/${ddd}",
	})

	for in, want := range map[string]string{
		"${yyyy}/${ddd}":       "2020/100",
		"${yy}${mm}${dd}":      "200409",
		"igs${wwww}${d}.sp3":   "igs21004.sp3",
		"${ddd-2}":             "098",
		"${yyyy+365}":          "2021",
		"${campaign}_${ddd}":   "igs_100",
		"${nested}/x":          "2020/100/x",
		"${campaign?yes:no}":   "yes",
		"${empty?yes:no}":      "no",
		"plain":                "plain",
	} {
		got, err := e.Expand(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestExpandErrors(t *testing.T) {
	e := NewExpander(time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC), map[string]string{
		"a": "${b}",
		"b": "${a}",
	})

	_, err := e.Expand("${a}")
	require.Error(t, err)

	_, err = e.Expand("${nosuch}")
	require.Error(t, err)

	_, err = e.Expand("${a+3}")
	require.Error(t, err)
}

func TestExpandList(t *testing.T) {
	e := NewExpander(time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC), nil)

	got, err := e.ExpandList("for -2 to 0 obs_${ddd}")
	require.NoError(t, err)
	assert.Equal(t, []string{"obs_098", "obs_099", "obs_100"}, got)

	got, err = e.ExpandList("for 0 to 2 step 7 w${wwww}")
	require.NoError(t, err)
	assert.Equal(t, []string{"w2100", "w2101", "w2102"}, got)

	e.exists = func(p string) bool { return p == "obs_099" }
	got, err = e.ExpandList("for -2 to 0 if exists obs_${ddd}")
	require.NoError(t, err)
	assert.Equal(t, []string{"obs_099"}, got)

	_, err = e.ExpandList("for -2 to 0 if exists need 2 obs_${ddd}")
	require.Error(t, err)

	got, err = e.ExpandList("no list here ${ddd}")
	require.NoError(t, err)
	assert.Equal(t, []string{"no list here 100"}, got)
}

func TestBinaryFillOrder(t *testing.T) {
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	got := dates(start, start.AddDate(0, 0, 15), 1, OrderBinaryFill, nil)

	var offsets []int
	for _, d := range got {
		offsets = append(offsets, int(d.Sub(start)/(24*time.Hour)))
	}
	assert.Equal(t, []int{0, 8, 4, 12, 2, 10, 6, 14, 1, 9, 5, 13, 3, 11, 7, 15}, offsets)

	// partial ranges drop out-of-range reversals but keep the order
	got = dates(start, start.AddDate(0, 0, 4), 1, OrderBinaryFill, nil)
	offsets = offsets[:0]
	for _, d := range got {
		offsets = append(offsets, int(d.Sub(start)/(24*time.Hour)))
	}
	assert.Equal(t, []int{0, 4, 2, 1, 3}, offsets)
}

func testScheduler(t *testing.T, cfg Config, cb Callback) *Scheduler {
	return testSchedulerMirror(t, cfg, cb, nil)
}

func testSchedulerMirror(t *testing.T, cfg Config, cb Callback, mirror archive.Archive) *Scheduler {
	t.Helper()
	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	if cfg.TargetDir == "" {
		cfg.TargetDir = "${yyyy}/${ddd}"
	}
	if cfg.StartDate == "" {
		cfg.StartDate = "2020-04-07"
	}
	if cfg.EndDate == "" {
		cfg.EndDate = "2020-04-09"
	}
	s, err := New(cfg, cb, mirror)
	require.NoError(t, err)
	return s
}

func markerFile(s *Scheduler, date time.Time, name string) string {
	return filepath.Join(s.cfg.BaseDir, date.Format("2006"), date.Format("002"), name)
}

func TestRunProcessesRange(t *testing.T) {
	var seen []string
	s := testScheduler(t, Config{Order: OrderForwards}, func(_ context.Context, task Task) error {
		seen = append(seen, task.Date.Format("2006-01-02"))
		return nil
	})

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"2020-04-07", "2020-04-08", "2020-04-09"}, seen)
	assert.Equal(t, 3, stats.Completed)

	for _, d := range seen {
		date, _ := time.Parse("2006-01-02", d)
		_, err := os.Stat(markerFile(s, date, defaultCompleteMarker))
		assert.NoError(t, err, d)
		_, err = os.Stat(markerFile(s, date, defaultLockFile))
		assert.True(t, os.IsNotExist(err), d)
	}

	// a second run skips everything
	seen = nil
	stats, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, seen)
	assert.Equal(t, 3, stats.Skipped)
}

func TestRunRecoversCallbackPanic(t *testing.T) {
	date := time.Date(2020, 4, 8, 0, 0, 0, 0, time.UTC)
	s := testScheduler(t, Config{
		Order:     OrderForwards,
		StartDate: "2020-04-08",
		EndDate:   "2020-04-08",
	}, func(context.Context, Task) error {
		panic("boom")
	})

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Failed)

	body, err := os.ReadFile(markerFile(s, date, defaultFailMarker))
	require.NoError(t, err)
	assert.Contains(t, string(body), "callback panic: boom")
	_, err = os.Stat(markerFile(s, date, defaultLockFile))
	assert.True(t, os.IsNotExist(err))
}

func TestRunLockTakeover(t *testing.T) {
	date := time.Date(2020, 4, 8, 0, 0, 0, 0, time.UTC)
	var calls int
	s := testScheduler(t, Config{
		Order:     OrderForwards,
		StartDate: "2020-04-08",
		EndDate:   "2020-04-08",
	}, func(context.Context, Task) error {
		calls++
		return nil
	})

	lock := markerFile(s, date, defaultLockFile)
	require.NoError(t, os.MkdirAll(filepath.Dir(lock), 0o755))
	require.NoError(t, os.WriteFile(lock, []byte("pid 1\n"), 0o644))

	// a fresh lock means another worker owns the date
	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, 1, stats.Skipped)

	// an expired lock is taken over
	old := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(lock, old, old))

	stats, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, stats.Completed)
	_, err = os.Stat(markerFile(s, date, defaultCompleteMarker))
	assert.NoError(t, err)
	_, err = os.Stat(lock)
	assert.True(t, os.IsNotExist(err))
}

func TestRunRetryGating(t *testing.T) {
	date := time.Date(2020, 4, 8, 0, 0, 0, 0, time.UTC)
	var calls int
	s := testScheduler(t, Config{
		Order:         OrderForwards,
		StartDate:     "2020-04-08",
		EndDate:       "2020-04-08",
		RetryInterval: time.Hour,
	}, func(context.Context, Task) error {
		calls++
		return nil
	})

	fail := markerFile(s, date, defaultFailMarker)
	require.NoError(t, os.MkdirAll(filepath.Dir(fail), 0o755))
	require.NoError(t, os.WriteFile(fail, []byte("error x\n"), 0o644))

	// young fail marker holds the date
	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, 1, stats.Skipped)

	// past the retry interval the date is retried and the marker replaced
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(fail, old, old))

	stats, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, stats.Completed)
	_, err = os.Stat(fail)
	assert.True(t, os.IsNotExist(err))
}

func TestRunMaxConsecutiveFails(t *testing.T) {
	mirror := archivetest.New(archive.Config{Name: "mirror"}, nil)
	s := testSchedulerMirror(t, Config{
		Order:               OrderForwards,
		MaxConsecutiveFails: 2,
	}, func(context.Context, Task) error {
		return errors.New("processor exploded")
	}, mirror)

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Failed)
	assert.Equal(t, "max consecutive fails", stats.StopReason)

	// this run's fail markers are removed, locally and from the mirror,
	// so the next run retries
	for _, d := range []string{"2020-04-07", "2020-04-08"} {
		date, _ := time.Parse("2006-01-02", d)
		_, err := os.Stat(markerFile(s, date, defaultFailMarker))
		assert.True(t, os.IsNotExist(err), d)
		_, ok := mirror.Get(date.Format("2006")+"/"+date.Format("002"), defaultFailMarker)
		assert.False(t, ok, d)
	}
}

func TestRunSkipMarkerAndStopFile(t *testing.T) {
	date := time.Date(2020, 4, 8, 0, 0, 0, 0, time.UTC)
	var calls int
	s := testScheduler(t, Config{Order: OrderForwards}, func(context.Context, Task) error {
		calls++
		return nil
	})

	skip := markerFile(s, date, defaultSkipMarker)
	require.NoError(t, os.MkdirAll(filepath.Dir(skip), 0o755))
	require.NoError(t, os.WriteFile(skip, nil, 0o644))

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, stats.Skipped)

	stop := filepath.Join(s.cfg.BaseDir, "STOP")
	require.NoError(t, os.WriteFile(stop, nil, 0o644))
	s2 := testScheduler(t, Config{
		Order:    OrderForwards,
		BaseDir:  t.TempDir(),
		StopFile: stop,
	}, func(context.Context, Task) error { return nil })

	stats, err = s2.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Processed())
	assert.Equal(t, "stop file present", stats.StopReason)
}

func TestRunPrerequisites(t *testing.T) {
	base := t.TempDir()
	var calls int
	s := testScheduler(t, Config{
		Order:         OrderForwards,
		BaseDir:       base,
		StartDate:     "2020-04-08",
		EndDate:       "2020-04-08",
		Prerequisites: []string{"input/obs_${ddd}.dat"},
	}, func(context.Context, Task) error {
		calls++
		return nil
	})

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, 1, stats.PrereqFails)

	require.NoError(t, os.MkdirAll(filepath.Join(base, "input"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "input", "obs_099.dat"), nil, 0o644))

	stats, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, stats.Completed)
}

// A lock that only exists on the mirror still keeps other machines out,
// and an expired one is taken over.
func TestRunMirrorLockCoordination(t *testing.T) {
	mirror := archivetest.New(archive.Config{Name: "mirror"}, nil)
	var calls int
	s := testSchedulerMirror(t, Config{
		Order:     OrderForwards,
		StartDate: "2020-04-08",
		EndDate:   "2020-04-08",
	}, func(context.Context, Task) error {
		calls++
		return nil
	}, mirror)

	lockBody := func(held time.Time) []byte {
		return []byte(fmt.Sprintf("pid 1\ntime %s\nid worker-elsewhere\n",
			held.UTC().Format(time.RFC3339)))
	}
	mirror.Put("2020/099", defaultLockFile, lockBody(time.Now()))

	stats, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, calls)
	assert.Equal(t, 1, stats.Skipped)

	mirror.Put("2020/099", defaultLockFile, lockBody(time.Now().Add(-25*time.Hour)))

	stats, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, stats.Completed)
	_, ok := mirror.Get("2020/099", defaultLockFile)
	assert.False(t, ok)
	_, ok = mirror.Get("2020/099", defaultCompleteMarker)
	assert.True(t, ok)
}

// lossyMirror drops lock uploads, standing in for a concurrent worker
// whose write lands on top of ours before the read-back.
type lossyMirror struct{ *archivetest.Archive }

func (m lossyMirror) Store(context.Context, string, string, string) error { return nil }

func TestAcquireLockMirrorRace(t *testing.T) {
	mirror := archivetest.New(archive.Config{Name: "mirror"}, nil)
	mirror.Put("2020/099", defaultLockFile,
		[]byte("pid 1\ntime 2020-04-08T00:00:00Z\nid worker-elsewhere\n"))

	s := testSchedulerMirror(t, Config{
		StartDate: "2020-04-08",
		EndDate:   "2020-04-08",
	}, func(context.Context, Task) error { return nil }, lossyMirror{mirror})

	require.NoError(t, os.MkdirAll(filepath.Join(s.cfg.BaseDir, "2020", "099"), 0o755))
	err := s.acquireLock(context.Background(), "2020/099")
	assert.Equal(t, errLockHeld, err)

	// the local lock is withdrawn so the loser does not shadow the winner
	_, err = os.Stat(s.markerPath("2020/099", defaultLockFile))
	assert.True(t, os.IsNotExist(err))
}

// Two workers sharing a base dir process each date exactly once.
func TestRunConcurrentWorkers(t *testing.T) {
	base := t.TempDir()
	var calls int32
	cb := func(context.Context, Task) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(10 * time.Millisecond)
		return nil
	}

	cfg := Config{
		Order:     OrderForwards,
		BaseDir:   base,
		StartDate: "2020-04-08",
		EndDate:   "2020-04-08",
	}
	a := testScheduler(t, cfg, cb)
	b := testScheduler(t, cfg, cb)

	var wg sync.WaitGroup
	var statsA, statsB Stats
	wg.Add(2)
	go func() { defer wg.Done(); statsA, _ = a.Run(context.Background()) }()
	go func() { defer wg.Done(); statsB, _ = b.Run(context.Background()) }()
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 1, statsA.Completed+statsB.Completed)

	date := time.Date(2020, 4, 8, 0, 0, 0, 0, time.UTC)
	_, err := os.Stat(markerFile(a, date, defaultCompleteMarker))
	assert.NoError(t, err)
	_, err = os.Stat(markerFile(a, date, defaultLockFile))
	assert.True(t, os.IsNotExist(err))
}
