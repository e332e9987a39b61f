package compression

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// None is the empty pipeline.
const None = "none"

type TypeConfig struct {
	Name       string `yaml:"name"`
	Compress   string `yaml:"compress,omitempty"`
	Uncompress string `yaml:"uncompress,omitempty"`
	PreSuffix  string `yaml:"presuffix,omitempty"`
	PostSuffix string `yaml:"postsuffix,omitempty"`
}

type Config struct {
	// Types adds codecs or overrides the built-in ones. Compress and
	// Uncompress are external commands; leaving both empty keeps the
	// built-in implementation for a known name.
	Types []TypeConfig `yaml:"types,omitempty"`

	// Suffixes maps filename suffixes to pipeline names, e.g.
	// "d.Z" -> "hatanaka+compress".
	Suffixes map[string]string `yaml:"suffixes,omitempty"`
}

// Registry is the set of known codecs plus the filename-suffix table used
// to infer the compression of files whose archive does not declare one.
type Registry struct {
	codecs   map[string]*Codec
	suffixes []suffixRule
}

type suffixRule struct {
	suffix   string
	pipeline string
}

func defaultSuffixes() map[string]string {
	return map[string]string{
		".gz":  "gzip",
		".zst": "zstd",
		".lz4": "lz4",
		".sz":  "snappy",
		".s2":  "s2",
		".Z":   "compress",
		"d.Z":  "hatanaka+compress",
		"d.gz": "hatanaka+gzip",
	}
}

func NewRegistry(cfg Config) (*Registry, error) {
	r := &Registry{codecs: builtinCodecs()}

	for _, tc := range cfg.Types {
		if tc.Name == "" || tc.Name == None {
			return nil, errors.Errorf("invalid compression type name %q", tc.Name)
		}
		c, ok := r.codecs[tc.Name]
		if !ok {
			c = &Codec{Name: tc.Name}
			r.codecs[tc.Name] = c
		}
		if tc.PreSuffix != "" {
			c.PreSuffix = tc.PreSuffix
		}
		if tc.PostSuffix != "" {
			c.PostSuffix = tc.PostSuffix
		}
		if tc.Compress != "" {
			c.compress = execStage(strings.Fields(tc.Compress))
		}
		if tc.Uncompress != "" {
			c.uncompress = execStage(strings.Fields(tc.Uncompress))
		}
		if c.compress == nil || c.uncompress == nil {
			return nil, errors.Errorf("compression type %q has no compress/uncompress commands", tc.Name)
		}
	}

	suffixes := defaultSuffixes()
	for s, p := range cfg.Suffixes {
		suffixes[s] = p
	}
	for s, p := range suffixes {
		if _, err := r.Pipeline(p); err != nil {
			return nil, errors.Wrapf(err, "suffix %q", s)
		}
		r.suffixes = append(r.suffixes, suffixRule{suffix: s, pipeline: p})
	}
	// longest suffix wins, name order breaks ties deterministically
	sort.Slice(r.suffixes, func(i, j int) bool {
		if len(r.suffixes[i].suffix) != len(r.suffixes[j].suffix) {
			return len(r.suffixes[i].suffix) > len(r.suffixes[j].suffix)
		}
		return r.suffixes[i].suffix < r.suffixes[j].suffix
	})

	return r, nil
}

// Lookup returns the named codec.
func (r *Registry) Lookup(name string) (*Codec, error) {
	c, ok := r.codecs[name]
	if !ok {
		return nil, errors.Errorf("unknown compression %q", name)
	}
	return c, nil
}

// Pipeline splits a '+'-joined pipeline name into its codec stages,
// compression order. "" and "none" are the empty pipeline.
func (r *Registry) Pipeline(name string) ([]*Codec, error) {
	if name == "" || name == None {
		return nil, nil
	}
	var stages []*Codec
	for _, part := range strings.Split(name, "+") {
		c, err := r.Lookup(part)
		if err != nil {
			return nil, err
		}
		stages = append(stages, c)
	}
	return stages, nil
}

// ForSuffix infers the pipeline name for a filename from the suffix table.
// Returns "none" if no rule matches.
func (r *Registry) ForSuffix(filename string) string {
	for _, rule := range r.suffixes {
		if strings.HasSuffix(filename, rule.suffix) {
			return rule.pipeline
		}
	}
	return None
}

// Validate checks that a pipeline name resolves.
func (r *Registry) Validate(name string) error {
	_, err := r.Pipeline(name)
	return err
}
