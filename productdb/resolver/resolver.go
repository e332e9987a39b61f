// Package resolver orders (archive, product variant) candidates for a
// request and drives fulfillment across them.
package resolver

import (
	"context"
	"sort"
	"time"

	"github.com/go-kit/log/level"

	"github.com/gnsslab/gnssdb/pkg/util/log"
	"github.com/gnsslab/gnssdb/productdb/archive"
	"github.com/gnsslab/gnssdb/productdb/catalog"
	"github.com/gnsslab/gnssdb/productdb/compression"
	"github.com/gnsslab/gnssdb/productdb/request"
)

// Outcome is the aggregate result of resolving one request.
type Outcome struct {
	Status          request.Status
	SuppliedSubtype string
	// AvailableDate is the earliest predicted availability (PENDING) or
	// suggested retry time (DELAYED) across the candidates.
	AvailableDate time.Time
	// Files are the destination specs written on success.
	Files   []catalog.FileSpec
	Archive string
	Message string
}

// Sink is where fetched files are delivered.
type Sink struct {
	Archive archive.Archive
	// Map rewrites a source spec into its destination spec. Identity when
	// nil.
	Map func(catalog.FileSpec) catalog.FileSpec
}

func (s Sink) spec(src catalog.FileSpec) catalog.FileSpec {
	if s.Map == nil {
		return src
	}
	return s.Map(src)
}

type Resolver struct {
	catalog  *catalog.Catalog
	registry *compression.Registry
	archives []archive.Archive

	// Now is the clock; replaceable in tests.
	Now func() time.Time
}

func New(cat *catalog.Catalog, reg *compression.Registry, archives []archive.Archive) *Resolver {
	return &Resolver{
		catalog:  cat,
		registry: reg,
		archives: archives,
		Now:      time.Now,
	}
}

// Resolve walks the candidates for req in order and delivers the first
// complete fulfillment to sink. The returned status is the highest
// severity observed across all candidates, with the earliest
// retry/available time.
func (r *Resolver) Resolve(ctx context.Context, req *request.Request, sink Sink) Outcome {
	variants, err := r.catalog.Select(req.Type, req.Subtype)
	if err != nil {
		return Outcome{Status: request.StatusInvalid, Message: err.Error()}
	}
	if len(variants) == 0 {
		return Outcome{Status: request.StatusInvalid, Message: "no matching subtype of type " + req.Type}
	}
	if err := req.Validate(variants[0].UsesStation); err != nil {
		return Outcome{Status: request.StatusInvalid, Message: err.Error()}
	}

	now := r.Now().UTC()
	agg := Outcome{Status: request.StatusUnavailable}
	tried := 0

	for _, pt := range variants {
		for _, a := range r.candidates(pt, req.Station) {
			tried++
			apt := a.Types().Get(pt.Type, pt.Subtype)
			if apt == nil {
				apt = pt
			}

			if apt.Unavailable(req.Start, req.End, now) {
				merge(&agg, Outcome{
					Status:  request.StatusUnavailable,
					Message: "product no longer available from " + a.Name(),
				})
				continue
			}

			if avail := apt.AvailableAt(req.End); avail.After(now) {
				merge(&agg, Outcome{Status: request.StatusPending, AvailableDate: avail})
				continue
			}

			o := r.attempt(ctx, req, apt, a, sink, now)
			if o.Status == request.StatusCompleted {
				level.Info(log.Logger).Log("msg", "request completed",
					"reqid", req.ReqID(), "archive", a.Name(), "subtype", apt.Subtype)
				return o
			}
			level.Debug(log.Logger).Log("msg", "candidate failed",
				"reqid", req.ReqID(), "archive", a.Name(), "subtype", apt.Subtype,
				"status", o.Status, "err", o.Message)
			merge(&agg, o)
		}
	}

	if tried == 0 {
		agg.Message = "no archive serves the request"
	}
	return agg
}

// attempt fetches every file of one (archive, variant) candidate into the
// sink, whole-request-or-nothing.
func (r *Resolver) attempt(ctx context.Context, req *request.Request, pt *catalog.ProductType, a archive.Archive, sink Sink, now time.Time) Outcome {
	specs, err := pt.Specs(req.Start, req.End, req.Station, req.JobID)
	if err != nil {
		return Outcome{Status: request.StatusInvalid, Message: err.Error()}
	}

	delivered := make([]catalog.FileSpec, 0, len(specs))
	for _, spec := range specs {
		dst, err := archive.Download(ctx, r.registry, a, spec, sink.Archive, sink.spec(spec))
		if err != nil {
			return failed(pt, req.End, now, err)
		}
		delivered = append(delivered, dst)
	}

	return Outcome{
		Status:          request.StatusCompleted,
		SuppliedSubtype: pt.Subtype,
		Archive:         a.Name(),
		Files:           delivered,
	}
}

// failed classifies a fetch failure after the product was predicted
// available: DELAYED with a retry hint until the fail time passes, then
// UNAVAILABLE.
func failed(pt *catalog.ProductType, end, now time.Time, err error) Outcome {
	failTime := pt.FailTime(end)
	if now.After(failTime) {
		return Outcome{Status: request.StatusUnavailable, Message: err.Error()}
	}
	retry := now.Add(pt.RetryInterval)
	if re, ok := archive.AsRetryable(err); ok && re.After.After(retry) {
		retry = re.After
	}
	if retry.After(failTime) {
		retry = failTime
	}
	return Outcome{
		Status:        request.StatusDelayed,
		AvailableDate: retry,
		Message:       err.Error(),
	}
}

// candidates partitions the archives into the matching-station band and
// the wildcard-only band, descending priority within each. Archives not
// serving the station are skipped; station-less products consider every
// archive one band.
func (r *Resolver) candidates(pt *catalog.ProductType, station string) []archive.Archive {
	type ranked struct {
		a        archive.Archive
		explicit bool
	}

	var list []ranked
	for _, a := range r.archives {
		if !pt.UsesStation {
			list = append(list, ranked{a: a})
			continue
		}
		explicit, ok := a.ServesStation(station)
		if !ok {
			continue
		}
		list = append(list, ranked{a: a, explicit: explicit})
	}

	sort.SliceStable(list, func(i, j int) bool {
		if list[i].explicit != list[j].explicit {
			return list[i].explicit
		}
		return list[i].a.Priority() > list[j].a.Priority()
	})

	out := make([]archive.Archive, 0, len(list))
	for _, c := range list {
		out = append(out, c.a)
	}
	return out
}

// Predict computes the initial status and available date of a request
// without touching any archive: PENDING with the earliest predicted
// availability if some candidate may eventually serve it, UNAVAILABLE
// otherwise.
func (r *Resolver) Predict(req *request.Request, now time.Time) (request.Status, time.Time) {
	variants, err := r.catalog.Select(req.Type, req.Subtype)
	if err != nil || len(variants) == 0 {
		return request.StatusInvalid, time.Time{}
	}
	if err := req.Validate(variants[0].UsesStation); err != nil {
		return request.StatusInvalid, time.Time{}
	}

	var earliest time.Time
	for _, pt := range variants {
		for _, a := range r.candidates(pt, req.Station) {
			apt := a.Types().Get(pt.Type, pt.Subtype)
			if apt == nil {
				apt = pt
			}
			if apt.Unavailable(req.Start, req.End, now) {
				continue
			}
			if avail := apt.AvailableAt(req.End); earliest.IsZero() || avail.Before(earliest) {
				earliest = avail
			}
		}
	}
	if earliest.IsZero() {
		return request.StatusUnavailable, time.Time{}
	}
	return request.StatusPending, earliest
}

// merge folds one candidate outcome into the aggregate: higher severity
// wins, equal severities keep the earliest available/retry time and the
// last message.
func merge(agg *Outcome, o Outcome) {
	if o.Message != "" {
		agg.Message = o.Message
	}
	switch {
	case o.Status > agg.Status:
		agg.Status = o.Status
		agg.AvailableDate = o.AvailableDate
		agg.SuppliedSubtype = o.SuppliedSubtype
		agg.Archive = o.Archive
	case o.Status == agg.Status && !o.AvailableDate.IsZero():
		if agg.AvailableDate.IsZero() || o.AvailableDate.Before(agg.AvailableDate) {
			agg.AvailableDate = o.AvailableDate
		}
	}
}
