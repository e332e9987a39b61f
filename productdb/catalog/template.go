package catalog

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Vars binds the non-time template tokens for one expansion.
type Vars struct {
	Time    time.Time
	Station string
	Job     string
	Type    string
	Subtype string

	// KeepStationCase expands [ssss]/[SSSS] with the configured case of
	// the station code instead of the token case.
	KeepStationCase bool
}

type segKind byte

const (
	segLiteral segKind = iota
	segToken
	segEnv
)

type segment struct {
	kind    segKind
	literal string // segLiteral text or segEnv body
	name    string // lowercased token name
	upper   bool
	offset  int // day offset, [ddd-2] carries -2
}

// Template is a parsed filename or path template. Tokens are bracketed,
// case of the token controls case of the replacement, time tokens may
// carry day offsets, ${VAR|VAR2||default} references the environment.
type Template struct {
	raw  string
	segs []segment
}

var tokenRe = regexp.MustCompile(`^([A-Za-z]+)([+-]\d+)?$`)

var knownTokens = map[string]struct{}{
	"yyyy": {}, "yy": {}, "mm": {}, "dd": {}, "ddd": {},
	"wwww": {}, "ww": {}, "d": {}, "hh": {}, "h": {},
	"ssss": {}, "job": {}, "type": {}, "subtype": {},
}

// ParseTemplate parses a template string. Unknown tokens are a
// configuration error.
func ParseTemplate(raw string) (*Template, error) {
	t := &Template{raw: raw}
	var lit strings.Builder

	flush := func() {
		if lit.Len() > 0 {
			t.segs = append(t.segs, segment{kind: segLiteral, literal: lit.String()})
			lit.Reset()
		}
	}

	for i := 0; i < len(raw); {
		switch {
		case raw[i] == '[':
			end := strings.IndexByte(raw[i:], ']')
			if end < 0 {
				return nil, errors.Errorf("template %q: unterminated token", raw)
			}
			body := raw[i+1 : i+end]
			m := tokenRe.FindStringSubmatch(body)
			if m == nil {
				return nil, errors.Errorf("template %q: malformed token [%s]", raw, body)
			}
			name := strings.ToLower(m[1])
			if _, ok := knownTokens[name]; !ok {
				return nil, errors.Errorf("template %q: unknown token [%s]", raw, body)
			}
			offset := 0
			if m[2] != "" {
				offset, _ = strconv.Atoi(m[2])
			}
			flush()
			t.segs = append(t.segs, segment{
				kind:   segToken,
				name:   name,
				upper:  m[1] == strings.ToUpper(m[1]),
				offset: offset,
			})
			i += end + 1
		case raw[i] == '$' && i+1 < len(raw) && raw[i+1] == '{':
			end := strings.IndexByte(raw[i:], '}')
			if end < 0 {
				return nil, errors.Errorf("template %q: unterminated ${}", raw)
			}
			flush()
			t.segs = append(t.segs, segment{kind: segEnv, literal: raw[i+2 : i+end]})
			i += end + 1
		default:
			lit.WriteByte(raw[i])
			i++
		}
	}
	flush()
	return t, nil
}

func (t *Template) String() string { return t.raw }

// Wildcard reports whether expansions of this template can contain
// filename wildcards.
func (t *Template) Wildcard() bool {
	for _, s := range t.segs {
		if s.kind == segLiteral && strings.ContainsAny(s.literal, "*?") {
			return true
		}
	}
	return false
}

// UsesStation reports whether the template references the station token.
func (t *Template) UsesStation() bool {
	for _, s := range t.segs {
		if s.kind == segToken && s.name == "ssss" {
			return true
		}
	}
	return false
}

// Expand materializes the template over vars.
func (t *Template) Expand(vars Vars) (string, error) {
	var b strings.Builder
	for _, s := range t.segs {
		switch s.kind {
		case segLiteral:
			b.WriteString(s.literal)
		case segEnv:
			v, err := expandEnv(s.literal)
			if err != nil {
				return "", errors.Wrapf(err, "template %q", t.raw)
			}
			b.WriteString(v)
		case segToken:
			v, err := expandToken(s, vars)
			if err != nil {
				return "", errors.Wrapf(err, "template %q", t.raw)
			}
			b.WriteString(v)
		}
	}
	return b.String(), nil
}

func expandToken(s segment, vars Vars) (string, error) {
	tm := vars.Time.UTC()
	if s.offset != 0 {
		tm = tm.AddDate(0, 0, s.offset)
	}

	caseOf := func(v string) string {
		if s.upper {
			return strings.ToUpper(v)
		}
		return strings.ToLower(v)
	}

	switch s.name {
	case "yyyy":
		return fmt.Sprintf("%04d", tm.Year()), nil
	case "yy":
		return fmt.Sprintf("%02d", tm.Year()%100), nil
	case "mm":
		return fmt.Sprintf("%02d", int(tm.Month())), nil
	case "dd":
		return fmt.Sprintf("%02d", tm.Day()), nil
	case "ddd":
		return fmt.Sprintf("%03d", tm.YearDay()), nil
	case "wwww":
		return fmt.Sprintf("%04d", gpsWeek(tm)), nil
	case "ww":
		_, wk := tm.ISOWeek()
		return fmt.Sprintf("%02d", wk), nil
	case "d":
		return strconv.Itoa(int(tm.Weekday())), nil
	case "hh":
		return fmt.Sprintf("%02d", tm.Hour()), nil
	case "h":
		c := byte('a' + tm.Hour())
		if s.upper {
			c = byte('A' + tm.Hour())
		}
		return string(c), nil
	case "ssss":
		if vars.Station == "" {
			return "", errors.New("station token with empty station")
		}
		if vars.KeepStationCase {
			return vars.Station, nil
		}
		return caseOf(vars.Station), nil
	case "job":
		if vars.Job == "" {
			return "", errors.New("job token with empty job id")
		}
		return caseOf(vars.Job), nil
	case "type":
		return caseOf(vars.Type), nil
	case "subtype":
		return caseOf(vars.Subtype), nil
	}
	return "", errors.Errorf("unknown token %q", s.name)
}

// expandEnv resolves ${VAR} and ${VAR1|VAR2||default} forms. An empty
// element in the chain turns the remainder into a literal default.
func expandEnv(body string) (string, error) {
	parts := strings.Split(body, "|")
	for i, p := range parts {
		if p == "" {
			return strings.Join(parts[i+1:], "|"), nil
		}
		if v, ok := os.LookupEnv(p); ok && v != "" {
			return v, nil
		}
	}
	return "", errors.Errorf("no environment variable in ${%s} is set", body)
}

func gpsWeek(t time.Time) int {
	return int(t.Sub(GPSEpoch) / (7 * 24 * time.Hour))
}

// Match reverses Expand: it parses a concrete name produced by this
// template and recovers the time fields and station. Literal wildcards in
// the template match any run. The boolean result reports whether the name
// matched at all.
func (t *Template) Match(name string) (Vars, bool) {
	re, groups, err := t.compileMatcher()
	if err != nil {
		return Vars{}, false
	}
	m := re.FindStringSubmatch(name)
	if m == nil {
		return Vars{}, false
	}

	fields := map[string]matchedField{}
	var vars Vars
	for i, g := range groups {
		val := m[i+1]
		switch g.name {
		case "ssss":
			vars.Station = strings.ToLower(val)
		case "job":
			vars.Job = strings.ToLower(val)
		case "type":
			vars.Type = strings.ToUpper(val)
		case "subtype":
			vars.Subtype = strings.ToUpper(val)
		case "h":
			setField(fields, "hh", int(strings.ToLower(val)[0]-'a'), g.offset)
		default:
			n, err := strconv.Atoi(val)
			if err != nil {
				return Vars{}, false
			}
			setField(fields, g.name, n, g.offset)
		}
	}

	tm, ok := timeFromFields(fields)
	if !ok {
		return Vars{}, false
	}
	vars.Time = tm
	return vars, true
}

type matchedField struct {
	value  int
	offset int
}

// setField keeps the offset-free binding when a field appears twice.
func setField(fields map[string]matchedField, name string, value, offset int) {
	if prev, ok := fields[name]; ok && prev.offset == 0 {
		return
	}
	fields[name] = matchedField{value: value, offset: offset}
}

func timeFromFields(fields map[string]matchedField) (time.Time, bool) {
	hour := 0
	if h, ok := fields["hh"]; ok {
		hour = h.value
	}

	if wk, ok := fields["wwww"]; ok {
		base := GPSEpoch.AddDate(0, 0, wk.value*7)
		dayOff := wk.offset * 7
		if d, ok := fields["d"]; ok {
			base = base.AddDate(0, 0, d.value)
			dayOff = d.offset
		}
		return base.AddDate(0, 0, -dayOff).Add(time.Duration(hour) * time.Hour), true
	}

	year, ok := fields["yyyy"]
	if !ok {
		if yy, ok2 := fields["yy"]; ok2 {
			y := yy.value
			if y < 80 {
				y += 2000
			} else {
				y += 1900
			}
			year = matchedField{value: y, offset: yy.offset}
		} else {
			return time.Time{}, false
		}
	}

	if doy, ok := fields["ddd"]; ok {
		d := time.Date(year.value, 1, 1, hour, 0, 0, 0, time.UTC).AddDate(0, 0, doy.value-1)
		return d.AddDate(0, 0, -doy.offset), true
	}
	mo, okM := fields["mm"]
	dy, okD := fields["dd"]
	if okM && okD {
		d := time.Date(year.value, time.Month(mo.value), dy.value, hour, 0, 0, 0, time.UTC)
		return d.AddDate(0, 0, -dy.offset), true
	}
	// date resolution down to the year only
	return time.Date(year.value, 1, 1, hour, 0, 0, 0, time.UTC).AddDate(0, 0, -year.offset), true
}

type matchGroup struct {
	name   string
	offset int
}

func (t *Template) compileMatcher() (*regexp.Regexp, []matchGroup, error) {
	var b strings.Builder
	var groups []matchGroup
	b.WriteString("^")
	for _, s := range t.segs {
		switch s.kind {
		case segLiteral:
			for _, r := range s.literal {
				switch r {
				case '*':
					b.WriteString(".*")
				case '?':
					b.WriteString(".")
				default:
					b.WriteString(regexp.QuoteMeta(string(r)))
				}
			}
		case segEnv:
			// environment values are opaque at match time
			b.WriteString(".*")
		case segToken:
			switch s.name {
			case "yyyy", "wwww":
				b.WriteString(`(\d{4})`)
			case "ddd":
				b.WriteString(`(\d{3})`)
			case "yy", "mm", "dd", "ww", "hh":
				b.WriteString(`(\d{2})`)
			case "d":
				b.WriteString(`(\d)`)
			case "h":
				b.WriteString(`([a-xA-X])`)
			default:
				b.WriteString(`(\w+)`)
			}
			groups = append(groups, matchGroup{name: s.name, offset: s.offset})
		}
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, nil, err
	}
	return re, groups, nil
}
