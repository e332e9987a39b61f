package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gnsslab/gnssdb/productdb/archive"
	"github.com/gnsslab/gnssdb/productdb/archive/archivetest"
	"github.com/gnsslab/gnssdb/productdb/catalog"
	"github.com/gnsslab/gnssdb/productdb/compression"
	"github.com/gnsslab/gnssdb/productdb/request"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	intp := func(i int) *int { return &i }
	c, err := catalog.New(catalog.Config{
		"ORB": {
			"FINAL": {
				Filename: "igs[wwww][d].sp3",
				Path:     "products/[wwww]",
				Priority: intp(100),
				Latency:  14 * 24 * time.Hour,
			},
			"RAPID": {
				Filename: "igr[wwww][d].sp3",
				Path:     "products/[wwww]",
				Priority: intp(50),
				Latency:  17 * time.Hour,
			},
			"ULTRA": {
				Filename:    "igu[wwww][d]_[hh].sp3",
				Path:        "products/[wwww]",
				Priority:    intp(0),
				Latency:     3 * time.Hour,
				ExpiresDays: 2,
			},
		},
		"OBS": {
			"DAILY": {
				Filename: "[ssss][ddd]0.[yy]o",
				Path:     "[yyyy]/[ddd]",
				Priority: intp(10),
			},
		},
	}, nil)
	require.NoError(t, err)
	return c
}

func testResolver(t *testing.T, cat *catalog.Catalog, archives ...archive.Archive) (*Resolver, *archivetest.Archive) {
	t.Helper()
	reg, err := compression.NewRegistry(compression.Config{})
	require.NoError(t, err)

	r := New(cat, reg, archives)
	r.Now = func() time.Time { return time.Date(2020, 4, 20, 0, 0, 0, 0, time.UTC) }

	dest := archivetest.New(archive.Config{Name: "dest"}, cat)
	return r, dest
}

func newSource(cat *catalog.Catalog, name string, priority int, stations ...string) *archivetest.Archive {
	return archivetest.New(archive.Config{
		Name:     name,
		Priority: priority,
		Stations: stations,
		ReadOnly: true,
	}, cat)
}

func orbRequest(subtype string) *request.Request {
	day := time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC)
	return &request.Request{
		JobID:   "job1",
		Type:    "ORB",
		Subtype: subtype,
		Start:   day,
		End:     day,
	}
}

// The final orbit is not published yet, the top-priority archive is
// missing the rapid one: resolution cascades to the rapid orbit on the
// lower-priority archive.
func TestResolvePriorityCascade(t *testing.T) {
	cat := testCatalog(t)
	primary := newSource(cat, "primary", 10)
	secondary := newSource(cat, "secondary", 5)
	secondary.Put("products/2100", "igr21004.sp3", []byte("rapid orbit"))

	r, dest := testResolver(t, cat, primary, secondary)

	o := r.Resolve(context.Background(), orbRequest(""), Sink{Archive: dest})
	require.Equal(t, request.StatusCompleted, o.Status)
	assert.Equal(t, "RAPID", o.SuppliedSubtype)
	assert.Equal(t, "secondary", o.Archive)
	require.Len(t, o.Files, 1)
	assert.Equal(t, "igr21004.sp3", o.Files[0].Filename)

	data, ok := dest.Get("products/2100", "igr21004.sp3")
	require.True(t, ok)
	assert.Equal(t, []byte("rapid orbit"), data)
}

// With both subtypes published, the higher-priority final orbit wins even
// when only the lower-priority archive carries it.
func TestResolveSubtypeOutranksArchive(t *testing.T) {
	cat := testCatalog(t)
	rapidOnly := newSource(cat, "rapid-only", 10)
	rapidOnly.Put("products/2100", "igr21004.sp3", []byte("rapid orbit"))
	finalOnly := newSource(cat, "final-only", 10)
	finalOnly.Put("products/2100", "igs21004.sp3", []byte("final orbit"))

	r, dest := testResolver(t, cat, rapidOnly, finalOnly)
	r.Now = func() time.Time { return time.Date(2020, 5, 1, 0, 0, 0, 0, time.UTC) }

	o := r.Resolve(context.Background(), orbRequest(""), Sink{Archive: dest})
	require.Equal(t, request.StatusCompleted, o.Status)
	assert.Equal(t, "FINAL", o.SuppliedSubtype)
	assert.Equal(t, "final-only", o.Archive)
}

func TestResolveDelayed(t *testing.T) {
	cat := testCatalog(t)
	primary := newSource(cat, "primary", 10)
	r, dest := testResolver(t, cat, primary)

	o := r.Resolve(context.Background(), orbRequest(""), Sink{Archive: dest})
	require.Equal(t, request.StatusDelayed, o.Status)
	// default retry interval past a missing-but-published product
	assert.Equal(t, r.Now().Add(time.Hour), o.AvailableDate)
	assert.NotEmpty(t, o.Message)
}

func TestResolvePending(t *testing.T) {
	cat := testCatalog(t)
	primary := newSource(cat, "primary", 10)
	r, dest := testResolver(t, cat, primary)
	r.Now = func() time.Time { return time.Date(2020, 4, 9, 12, 0, 0, 0, time.UTC) }

	o := r.Resolve(context.Background(), orbRequest(""), Sink{Archive: dest})
	require.Equal(t, request.StatusPending, o.Status)
	// the rapid orbit is the earliest candidate: the day boundary plus 17 h
	assert.Equal(t, time.Date(2020, 4, 9, 17, 0, 0, 0, time.UTC), o.AvailableDate)
	assert.Zero(t, primary.Fetches)
}

func TestResolveUnavailable(t *testing.T) {
	cat := testCatalog(t)
	primary := newSource(cat, "primary", 10)
	r, dest := testResolver(t, cat, primary)

	// ultra orbits roll over after two days
	o := r.Resolve(context.Background(), orbRequest("ULTRA"), Sink{Archive: dest})
	require.Equal(t, request.StatusUnavailable, o.Status)
	assert.Zero(t, primary.Fetches)
}

func TestResolveInvalid(t *testing.T) {
	cat := testCatalog(t)
	r, dest := testResolver(t, cat)

	req := orbRequest("")
	req.Type = "CLK"
	o := r.Resolve(context.Background(), req, Sink{Archive: dest})
	assert.Equal(t, request.StatusInvalid, o.Status)

	req = orbRequest("")
	req.Station = "gsht"
	o = r.Resolve(context.Background(), req, Sink{Archive: dest})
	assert.Equal(t, request.StatusInvalid, o.Status)
}

// An archive listing the station explicitly outranks a wildcard archive
// of higher priority.
func TestResolveStationBands(t *testing.T) {
	cat := testCatalog(t)
	mirror := newSource(cat, "mirror", 100, "*")
	origin := newSource(cat, "origin", 1, "gsht")
	mirror.Put("2020/100", "gsht1000.20o", []byte("mirrored"))
	origin.Put("2020/100", "gsht1000.20o", []byte("original"))

	r, dest := testResolver(t, cat, mirror, origin)

	req := &request.Request{
		JobID:   "job1",
		Type:    "OBS",
		Subtype: "DAILY",
		Station: "gsht",
		Start:   time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC),
	}
	o := r.Resolve(context.Background(), req, Sink{Archive: dest})
	require.Equal(t, request.StatusCompleted, o.Status)
	assert.Equal(t, "origin", o.Archive)

	data, _ := dest.Get("2020/100", "gsht1000.20o")
	assert.Equal(t, []byte("original"), data)
}

func TestResolveExcludedStation(t *testing.T) {
	cat := testCatalog(t)
	banned := archivetest.New(archive.Config{
		Name:             "banned",
		Priority:         100,
		Stations:         []string{"*"},
		ExcludedStations: []string{"gsht"},
		ReadOnly:         true,
	}, cat)
	open := newSource(cat, "open", 1, "*")
	open.Put("2020/100", "gsht1000.20o", []byte("obs"))

	r, dest := testResolver(t, cat, banned, open)

	req := &request.Request{
		JobID:   "job1",
		Type:    "OBS",
		Subtype: "DAILY",
		Station: "gsht",
		Start:   time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC),
		End:     time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC),
	}
	o := r.Resolve(context.Background(), req, Sink{Archive: dest})
	require.Equal(t, request.StatusCompleted, o.Status)
	assert.Equal(t, "open", o.Archive)
	assert.Zero(t, banned.Fetches)
}

func TestResolveSinkMap(t *testing.T) {
	cat := testCatalog(t)
	primary := newSource(cat, "primary", 10)
	primary.Put("products/2100", "igr21004.sp3", []byte("rapid orbit"))

	r, dest := testResolver(t, cat, primary)

	o := r.Resolve(context.Background(), orbRequest("RAPID"), Sink{
		Archive: dest,
		Map: func(s catalog.FileSpec) catalog.FileSpec {
			s.Path = ""
			return s
		},
	})
	require.Equal(t, request.StatusCompleted, o.Status)
	_, ok := dest.Get("", "igr21004.sp3")
	assert.True(t, ok)
}

func TestPredict(t *testing.T) {
	cat := testCatalog(t)
	primary := newSource(cat, "primary", 10)
	r, _ := testResolver(t, cat, primary)

	now := time.Date(2020, 4, 9, 0, 0, 0, 0, time.UTC)
	st, avail := r.Predict(orbRequest(""), now)
	assert.Equal(t, request.StatusPending, st)
	assert.Equal(t, time.Date(2020, 4, 9, 17, 0, 0, 0, time.UTC), avail)

	// expired rolling product has no candidates left
	st, _ = r.Predict(orbRequest("ULTRA"), now.AddDate(0, 0, 10))
	assert.Equal(t, request.StatusUnavailable, st)

	req := orbRequest("")
	req.Type = "CLK"
	st, _ = r.Predict(req, now)
	assert.Equal(t, request.StatusInvalid, st)
}
