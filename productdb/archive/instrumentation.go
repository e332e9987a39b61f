package archive

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricOps = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gnssdb",
		Name:      "archive_ops_total",
		Help:      "Total archive operations by archive, operation and status.",
	}, []string{"archive", "op", "status"})
	metricFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gnssdb",
		Name:      "archive_fetch_duration_seconds",
		Help:      "Time taken to fetch one file from an archive.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"archive"})
)

type instrumented struct {
	Archive
}

// Instrument wraps an archive so every transport operation is counted.
func Instrument(a Archive) Archive {
	return &instrumented{Archive: a}
}

func (i *instrumented) observe(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metricOps.WithLabelValues(i.Name(), op, status).Inc()
}

func (i *instrumented) List(ctx context.Context, dir string) ([]string, error) {
	names, err := i.Archive.List(ctx, dir)
	i.observe("list", err)
	return names, err
}

func (i *instrumented) Fetch(ctx context.Context, dir, name string) (string, error) {
	start := time.Now()
	local, err := i.Archive.Fetch(ctx, dir, name)
	i.observe("fetch", err)
	if err == nil {
		metricFetchDuration.WithLabelValues(i.Name()).Observe(time.Since(start).Seconds())
	}
	return local, err
}

func (i *instrumented) Store(ctx context.Context, local, dir, name string) error {
	err := i.Archive.Store(ctx, local, dir, name)
	i.observe("store", err)
	return err
}

func (i *instrumented) Exists(ctx context.Context, dir, name string) (bool, error) {
	ok, err := i.Archive.Exists(ctx, dir, name)
	i.observe("exists", err)
	return ok, err
}
