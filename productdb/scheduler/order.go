package scheduler

import (
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Order is the date traversal strategy of a run.
type Order string

const (
	OrderForwards  Order = "forwards"
	OrderBackwards Order = "backwards"
	OrderRandom    Order = "random"
	// OrderBinaryFill visits the day offsets in reverse-bit order, giving
	// fast uniform coverage of the whole range.
	OrderBinaryFill Order = "binary_fill"
)

func (o Order) validate() error {
	switch o {
	case OrderForwards, OrderBackwards, OrderRandom, OrderBinaryFill:
		return nil
	}
	return errors.Errorf("unknown processing order %q", string(o))
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *Order) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*o = OrderBackwards
		return nil
	}
	*o = Order(s)
	return o.validate()
}

// dates lists the days of [start, end] stepped by increment days, in the
// traversal order.
func dates(start, end time.Time, increment int, order Order, rnd *rand.Rand) []time.Time {
	if increment <= 0 {
		increment = 1
	}

	var days []time.Time
	for d := start; !d.After(end); d = d.AddDate(0, 0, increment) {
		days = append(days, d)
	}

	switch order {
	case OrderForwards:
	case OrderRandom:
		rnd.Shuffle(len(days), func(i, j int) {
			days[i], days[j] = days[j], days[i]
		})
	case OrderBinaryFill:
		days = binaryFill(days)
	default: // backwards
		for i, j := 0, len(days)-1; i < j; i, j = i+1, j-1 {
			days[i], days[j] = days[j], days[i]
		}
	}
	return days
}

// binaryFill reorders by the reverse-bit value of each index, skipping
// reversals that fall outside the range.
func binaryFill(days []time.Time) []time.Time {
	n := len(days)
	if n < 2 {
		return days
	}
	width := 0
	for 1<<width < n {
		width++
	}

	out := make([]time.Time, 0, n)
	for i := 0; i < 1<<width; i++ {
		j := reverseBits(i, width)
		if j < n {
			out = append(out, days[j])
		}
	}
	return out
}

func reverseBits(v, width int) int {
	r := 0
	for i := 0; i < width; i++ {
		r = r<<1 | v&1
		v >>= 1
	}
	return r
}
