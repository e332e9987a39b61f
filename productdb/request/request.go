// Package request defines the product request and its status lifecycle,
// shared by the resolver and the cache.
package request

import (
	"fmt"
	"strings"
	"time"
)

// Status of a request. Severity increases with the ordinal: when several
// candidates produce different outcomes, the highest one wins.
type Status byte

const (
	StatusInvalid Status = iota
	StatusUnavailable
	StatusRequested
	StatusPending
	StatusDelayed
	StatusCompleted
)

var supportedStatuses = []Status{
	StatusInvalid,
	StatusUnavailable,
	StatusRequested,
	StatusPending,
	StatusDelayed,
	StatusCompleted,
}

func (s Status) String() string {
	switch s {
	case StatusInvalid:
		return "INVALID"
	case StatusUnavailable:
		return "UNAVAILABLE"
	case StatusRequested:
		return "REQUESTED"
	case StatusPending:
		return "PENDING"
	case StatusDelayed:
		return "DELAYED"
	case StatusCompleted:
		return "COMPLETED"
	default:
		return "UNKNOWN"
	}
}

// ParseStatus parses a status by its name.
func ParseStatus(s string) (Status, error) {
	for _, st := range supportedStatuses {
		if strings.EqualFold(st.String(), s) {
			return st, nil
		}
	}
	return 0, fmt.Errorf("invalid status: %s", s)
}

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusUnavailable || s == StatusInvalid
}

// Request asks for one product over a time span, optionally for one
// station. The subtype may carry a '+' suffix meaning "this priority or
// higher", or be empty meaning "any subtype with priority > 0".
type Request struct {
	JobID   string
	Type    string
	Subtype string
	Station string
	Start   time.Time
	End     time.Time

	Status          Status
	AvailableDate   time.Time
	SuppliedSubtype string
	Message         string
}

// ReqID is the deduplication key: two requests with the same ReqID are the
// same request.
func (r *Request) ReqID() string {
	return fmt.Sprintf("%s:%s:%s:%s:%d:%d",
		r.JobID, r.Type, r.Subtype, strings.ToLower(r.Station),
		r.Start.Unix(), r.End.Unix())
}

// Validate checks the structural invariants.
func (r *Request) Validate(usesStation bool) error {
	if r.JobID == "" {
		return fmt.Errorf("empty job id")
	}
	if r.Type == "" {
		return fmt.Errorf("empty product type")
	}
	if r.End.Before(r.Start) {
		return fmt.Errorf("end epoch %s before start epoch %s", r.End, r.Start)
	}
	if usesStation && r.Station == "" {
		return fmt.Errorf("product type %s requires a station", r.Type)
	}
	if !usesStation && r.Station != "" {
		return fmt.Errorf("product type %s does not take a station", r.Type)
	}
	return nil
}
