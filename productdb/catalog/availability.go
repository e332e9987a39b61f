package catalog

import "time"

// AvailableAt predicts when the product covering a request ending at end
// is published: the first supply boundary at or after end, plus the
// publication latency. A request ending exactly on a boundary is owned by
// that boundary, not the next one.
func (p *ProductType) AvailableAt(end time.Time) time.Time {
	return p.SupplyCadence.Ceil(end).Add(p.Latency)
}

// FailTime is the instant after which a predicted-available product that
// still cannot be fetched is considered failed rather than delayed.
func (p *ProductType) FailTime(end time.Time) time.Time {
	return p.AvailableAt(end).Add(p.MaxDelay)
}

// Unavailable reports authoritative unavailability: rolling products that
// have been overwritten, and validity fences. Such requests are never
// retried.
func (p *ProductType) Unavailable(start, end, now time.Time) bool {
	if p.ExpiresDays > 0 && start.AddDate(0, 0, p.ExpiresDays).Before(now) {
		return true
	}
	if !p.ValidBefore.IsZero() && !end.Before(p.ValidBefore) {
		return true
	}
	if !p.ValidAfter.IsZero() && start.Before(p.ValidAfter) {
		return true
	}
	return false
}
