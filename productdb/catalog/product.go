package catalog

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/productdb/compression"
)

const (
	defaultRetryInterval = time.Hour
	defaultMaxDelay      = 14 * 24 * time.Hour
	defaultRetention     = 30
)

// ProductType is one (type, subtype) product definition: where its files
// live, how often it is produced and how late it is published.
type ProductType struct {
	Type    string
	Subtype string

	Filename *Template
	Path     *Template

	Cadence       Cadence
	SupplyCadence Cadence
	Priority      int

	Latency       time.Duration
	RetryInterval time.Duration
	MaxDelay      time.Duration

	RetentionDays int
	ExpiresDays   int

	Compression string

	ValidBefore time.Time
	ValidAfter  time.Time

	UsesStation bool
}

// FileSpec is a fully materialized file of a product: no unresolved
// placeholders, though the filename may still carry wildcards.
type FileSpec struct {
	Product     *ProductType
	Path        string
	Filename    string
	Compression string
	Station     string
	Timestamp   time.Time
}

// Specs expands the product over the buckets intersecting [start, end].
func (p *ProductType) Specs(start, end time.Time, station, job string) ([]FileSpec, error) {
	var out []FileSpec
	for _, b := range p.Cadence.Buckets(start, end) {
		vars := Vars{
			Time:    b,
			Station: station,
			Job:     job,
			Type:    p.Type,
			Subtype: p.Subtype,
		}
		dir, err := p.Path.Expand(vars)
		if err != nil {
			return nil, err
		}
		name, err := p.Filename.Expand(vars)
		if err != nil {
			return nil, err
		}
		out = append(out, FileSpec{
			Product:     p,
			Path:        dir,
			Filename:    name,
			Compression: p.Compression,
			Station:     station,
			Timestamp:   b,
		})
	}
	return out, nil
}

type TypeConfig struct {
	Filename      string        `yaml:"filename"`
	Path          string        `yaml:"path"`
	Cadence       *Cadence      `yaml:"cadence,omitempty"`
	Priority      *int          `yaml:"priority,omitempty"`
	Latency       time.Duration `yaml:"latency,omitempty"`
	RetryInterval time.Duration `yaml:"retry_interval,omitempty"`
	MaxDelay      time.Duration `yaml:"max_delay,omitempty"`
	RetentionDays int           `yaml:"retention_days,omitempty"`
	ExpiresDays   int           `yaml:"expires_days,omitempty"`
	Compression   string        `yaml:"compression,omitempty"`
	SupplyCadence *Cadence      `yaml:"supply_cadence,omitempty"`
	ValidBefore   string        `yaml:"valid_before,omitempty"`
	ValidAfter    string        `yaml:"valid_after,omitempty"`
}

// Config maps type -> subtype -> definition.
type Config map[string]map[string]TypeConfig

// Catalog is the set of known product types. An archive's catalog may
// override the default one; lookups fall back to the parent.
type Catalog struct {
	parent *Catalog
	types  map[string]map[string]*ProductType
}

// New builds the default catalog.
func New(cfg Config, reg *compression.Registry) (*Catalog, error) {
	return build(cfg, nil, reg)
}

// NewOverride builds an archive catalog on top of the default one.
// Overridden definitions inherit unset fields from the parent definition
// and must agree with it on cadence and priority.
func NewOverride(cfg Config, parent *Catalog, reg *compression.Registry) (*Catalog, error) {
	return build(cfg, parent, reg)
}

func build(cfg Config, parent *Catalog, reg *compression.Registry) (*Catalog, error) {
	c := &Catalog{parent: parent, types: map[string]map[string]*ProductType{}}
	for typ, subs := range cfg {
		for sub, tc := range subs {
			pt, err := newProductType(typ, sub, tc, parent, reg)
			if err != nil {
				return nil, errors.Wrapf(err, "datatype %s/%s", typ, sub)
			}
			if c.types[typ] == nil {
				c.types[typ] = map[string]*ProductType{}
			}
			c.types[typ][sub] = pt
		}
	}
	return c, nil
}

func newProductType(typ, sub string, tc TypeConfig, parent *Catalog, reg *compression.Registry) (*ProductType, error) {
	var base *ProductType
	if parent != nil {
		base = parent.Get(typ, sub)
	}

	pt := &ProductType{
		Type:          typ,
		Subtype:       sub,
		RetryInterval: defaultRetryInterval,
		MaxDelay:      defaultMaxDelay,
		RetentionDays: defaultRetention,
	}
	if base != nil {
		*pt = *base
	}

	if tc.Filename != "" || base == nil {
		fn, err := ParseTemplate(tc.Filename)
		if err != nil {
			return nil, err
		}
		if tc.Filename == "" {
			return nil, errors.New("missing filename template")
		}
		pt.Filename = fn
	}
	if tc.Path != "" || base == nil {
		path, err := ParseTemplate(tc.Path)
		if err != nil {
			return nil, err
		}
		pt.Path = path
	}

	if tc.Cadence != nil {
		if base != nil && *tc.Cadence != base.Cadence {
			return nil, errors.Errorf("cadence %s disagrees with default %s", *tc.Cadence, base.Cadence)
		}
		pt.Cadence = *tc.Cadence
	}
	if tc.SupplyCadence != nil {
		pt.SupplyCadence = *tc.SupplyCadence
	} else if base == nil {
		pt.SupplyCadence = pt.Cadence
	}
	if pt.SupplyCadence.Duration() < pt.Cadence.Duration() {
		return nil, errors.Errorf("supply cadence %s shorter than cadence %s", pt.SupplyCadence, pt.Cadence)
	}

	if tc.Priority != nil {
		if base != nil && *tc.Priority != base.Priority {
			return nil, errors.Errorf("priority %d disagrees with default %d", *tc.Priority, base.Priority)
		}
		if *tc.Priority < 0 {
			return nil, errors.New("negative priority")
		}
		pt.Priority = *tc.Priority
	}

	if tc.Latency != 0 {
		pt.Latency = tc.Latency
	}
	if tc.RetryInterval != 0 {
		pt.RetryInterval = tc.RetryInterval
	}
	if tc.MaxDelay != 0 {
		pt.MaxDelay = tc.MaxDelay
	}
	if tc.RetentionDays != 0 {
		pt.RetentionDays = tc.RetentionDays
	}
	if tc.ExpiresDays != 0 {
		pt.ExpiresDays = tc.ExpiresDays
	}
	if tc.Compression != "" {
		pt.Compression = tc.Compression
	}
	if reg != nil {
		if err := reg.Validate(pt.Compression); err != nil {
			return nil, err
		}
	}

	var err error
	if pt.ValidBefore, err = parseFence(tc.ValidBefore, pt.ValidBefore); err != nil {
		return nil, err
	}
	if pt.ValidAfter, err = parseFence(tc.ValidAfter, pt.ValidAfter); err != nil {
		return nil, err
	}

	pt.UsesStation = pt.Filename.UsesStation() || (pt.Path != nil && pt.Path.UsesStation())
	return pt, nil
}

func parseFence(s string, def time.Time) (time.Time, error) {
	if s == "" {
		return def, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "invalid date %q", s)
	}
	return t.UTC(), nil
}

// Get returns the definition for (typ, sub), falling back to the parent
// catalog, or nil.
func (c *Catalog) Get(typ, sub string) *ProductType {
	if c == nil {
		return nil
	}
	if subs, ok := c.types[typ]; ok {
		if pt, ok := subs[sub]; ok {
			return pt
		}
	}
	return c.parent.Get(typ, sub)
}

// Subtypes returns all definitions of a type, merged with the parent,
// ordered by priority descending then subtype name.
func (c *Catalog) Subtypes(typ string) []*ProductType {
	merged := map[string]*ProductType{}
	c.collect(typ, merged)

	out := make([]*ProductType, 0, len(merged))
	for _, pt := range merged {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Subtype < out[j].Subtype
	})
	return out
}

func (c *Catalog) collect(typ string, into map[string]*ProductType) {
	if c == nil {
		return
	}
	c.parent.collect(typ, into)
	for sub, pt := range c.types[typ] {
		into[sub] = pt
	}
}

// Select resolves a subtype spec: exact name, "NAME+" for that priority
// or higher, or empty for every subtype with priority > 0.
func (c *Catalog) Select(typ, spec string) ([]*ProductType, error) {
	all := c.Subtypes(typ)
	if len(all) == 0 {
		return nil, errors.Errorf("unknown product type %q", typ)
	}

	if spec == "" {
		var out []*ProductType
		for _, pt := range all {
			if pt.Priority > 0 {
				out = append(out, pt)
			}
		}
		return out, nil
	}

	orHigher := false
	name := spec
	if len(spec) > 1 && spec[len(spec)-1] == '+' {
		orHigher = true
		name = spec[:len(spec)-1]
	}

	pivot := c.Get(typ, name)
	if pivot == nil {
		return nil, errors.Errorf("unknown subtype %q of type %q", name, typ)
	}
	if !orHigher {
		return []*ProductType{pivot}, nil
	}

	var out []*ProductType
	for _, pt := range all {
		if pt.Priority >= pivot.Priority {
			out = append(out, pt)
		}
	}
	return out, nil
}

// Types returns the merged type names, sorted.
func (c *Catalog) Types() []string {
	seen := map[string]struct{}{}
	c.collectTypes(seen)
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (c *Catalog) collectTypes(into map[string]struct{}) {
	if c == nil {
		return
	}
	c.parent.collectTypes(into)
	for t := range c.types {
		into[t] = struct{}{}
	}
}
