package scheduler

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/productdb/catalog"
)

// maxExpandDepth bounds iterative substitution; hitting it means the
// variables reference each other in a cycle.
const maxExpandDepth = 10

// Expander substitutes ${var}, ${var+N} and ${var?then:else} references
// over one date's variable set. Date variables are derived from the date,
// user variables come from configuration and may themselves contain
// references.
type Expander struct {
	date time.Time
	vars map[string]string

	// exists answers "if exists" filters of for-lists; nil means
	// everything exists.
	exists func(string) bool
}

func NewExpander(date time.Time, vars map[string]string) *Expander {
	return &Expander{date: date, vars: vars}
}

var varRe = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)([+-]\d+)?(?:\?([^:{}]*):([^{}]*))?\}`)

// Expand resolves every variable reference in s, iterating until the
// value is stable.
func (e *Expander) Expand(s string) (string, error) {
	for depth := 0; depth < maxExpandDepth; depth++ {
		var expandErr error
		out := varRe.ReplaceAllStringFunc(s, func(m string) string {
			g := varRe.FindStringSubmatch(m)
			v, err := e.resolve(g[1], g[2])
			if err != nil {
				expandErr = err
				return m
			}
			if strings.Contains(m, "?") {
				if v != "" {
					return g[3]
				}
				return g[4]
			}
			return v
		})
		if expandErr != nil {
			return "", expandErr
		}
		if out == s {
			return out, nil
		}
		s = out
	}
	return "", errors.Errorf("variable cycle expanding %q", s)
}

func (e *Expander) resolve(name, offset string) (string, error) {
	days := 0
	if offset != "" {
		days, _ = strconv.Atoi(offset)
	}

	if v, ok := dateVar(name, e.date.AddDate(0, 0, days)); ok {
		return v, nil
	}
	if days != 0 {
		return "", errors.Errorf("day offset on non-date variable %q", name)
	}
	if v, ok := e.vars[name]; ok {
		return v, nil
	}
	return "", errors.Errorf("unknown variable %q", name)
}

// dateVar formats the date fields the templater also knows, plus the GPS
// week and day-of-week.
func dateVar(name string, t time.Time) (string, bool) {
	switch name {
	case "yyyy":
		return fmt.Sprintf("%04d", t.Year()), true
	case "yy":
		return fmt.Sprintf("%02d", t.Year()%100), true
	case "mm":
		return fmt.Sprintf("%02d", int(t.Month())), true
	case "dd":
		return fmt.Sprintf("%02d", t.Day()), true
	case "ddd":
		return fmt.Sprintf("%03d", t.YearDay()), true
	case "hh":
		return fmt.Sprintf("%02d", t.Hour()), true
	case "wwww", "ww", "d":
		days := int(t.Sub(catalog.GPSEpoch) / (24 * time.Hour))
		switch name {
		case "wwww":
			return fmt.Sprintf("%04d", days/7), true
		case "ww":
			return fmt.Sprintf("%02d", days/7), true
		default:
			return strconv.Itoa(days % 7), true
		}
	}
	return "", false
}

var forRe = regexp.MustCompile(`^for\s+(-?\d+)\s+to\s+(-?\d+)(?:\s+step\s+(-?\d+))?(\s+if\s+exists)?(?:\s+need\s+(\d+))?\s+(.+)$`)

// ExpandList resolves a configuration item. The literal form
// "for N1 to N2 [step S] [if exists] [need K] TEMPLATE" re-evaluates
// TEMPLATE at date+i*S days for i in [N1, N2], optionally filtered to
// existing objects and required to yield at least K values; anything else
// expands to a single value.
func (e *Expander) ExpandList(s string) ([]string, error) {
	g := forRe.FindStringSubmatch(strings.TrimSpace(s))
	if g == nil {
		v, err := e.Expand(s)
		if err != nil {
			return nil, err
		}
		return []string{v}, nil
	}

	from, _ := strconv.Atoi(g[1])
	to, _ := strconv.Atoi(g[2])
	if from > to {
		return nil, errors.Errorf("empty range in %q", s)
	}
	step := 1
	if g[3] != "" {
		if step, _ = strconv.Atoi(g[3]); step == 0 {
			return nil, errors.Errorf("zero step in %q", s)
		}
	}
	ifExists := g[4] != ""
	need := 0
	if g[5] != "" {
		need, _ = strconv.Atoi(g[5])
	}
	template := g[6]

	var out []string
	for i := from; i <= to; i++ {
		shifted := &Expander{date: e.date.AddDate(0, 0, i*step), vars: e.vars, exists: e.exists}
		v, err := shifted.Expand(template)
		if err != nil {
			return nil, err
		}
		if ifExists && e.exists != nil && !e.exists(v) {
			continue
		}
		out = append(out, v)
	}

	if need > 0 && len(out) < need {
		return nil, errors.Errorf("%q yielded %d values, need %d", s, len(out), need)
	}
	return out, nil
}
