package catalog

import (
	"fmt"
	"strings"
	"time"
)

// GPSEpoch is the reference epoch all cadence buckets align to,
// 1980-01-06T00:00:00Z (start of GPS week 0).
var GPSEpoch = time.Date(1980, 1, 6, 0, 0, 0, 0, time.UTC)

// Cadence is the interval at which a product type is produced.
type Cadence byte

const (
	CadenceDaily Cadence = iota
	CadenceHourly
	Cadence3Hourly
	Cadence6Hourly
	CadenceWeekly
)

// SupportedCadences is a slice of all supported cadences.
var SupportedCadences = []Cadence{
	CadenceDaily,
	CadenceHourly,
	Cadence3Hourly,
	Cadence6Hourly,
	CadenceWeekly,
}

func (c Cadence) String() string {
	switch c {
	case CadenceDaily:
		return "daily"
	case CadenceHourly:
		return "hourly"
	case Cadence3Hourly:
		return "3-hourly"
	case Cadence6Hourly:
		return "6-hourly"
	case CadenceWeekly:
		return "weekly"
	default:
		return "unsupported"
	}
}

func (c Cadence) Duration() time.Duration {
	switch c {
	case CadenceDaily:
		return 24 * time.Hour
	case CadenceHourly:
		return time.Hour
	case Cadence3Hourly:
		return 3 * time.Hour
	case Cadence6Hourly:
		return 6 * time.Hour
	case CadenceWeekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// ParseCadence parses a cadence by its name.
func ParseCadence(s string) (Cadence, error) {
	for _, c := range SupportedCadences {
		if strings.EqualFold(c.String(), s) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("invalid cadence: %s", s)
}

// UnmarshalYAML implements the Unmarshaler interface of the yaml pkg.
func (c *Cadence) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}

	var err error
	*c, err = ParseCadence(s)
	return err
}

// MarshalYAML implements the Marshaler interface of the yaml pkg.
func (c Cadence) MarshalYAML() (interface{}, error) {
	return c.String(), nil
}

// Bucket returns the canonical cadence-aligned time owning t:
// floor((t-E0)/C)*C + E0.
func (c Cadence) Bucket(t time.Time) time.Time {
	sec := int64(c.Duration() / time.Second)
	dt := t.Unix() - GPSEpoch.Unix()
	q := dt / sec
	if dt < 0 && dt%sec != 0 {
		q--
	}
	return time.Unix(GPSEpoch.Unix()+q*sec, 0).UTC()
}

// Ceil returns the first bucket boundary at or after t.
func (c Cadence) Ceil(t time.Time) time.Time {
	b := c.Bucket(t)
	if b.Equal(t) {
		return b
	}
	return b.Add(c.Duration())
}

// Buckets returns the ordered buckets intersecting [start, end].
func (c Cadence) Buckets(start, end time.Time) []time.Time {
	if end.Before(start) {
		return nil
	}
	var out []time.Time
	for b := c.Bucket(start); !b.After(end); b = b.Add(c.Duration()) {
		out = append(out, b)
	}
	return out
}
