package archive

import (
	"context"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// HasWildcard reports whether name needs listing-based resolution.
func HasWildcard(name string) bool {
	return strings.ContainsAny(name, "*?")
}

// CompilePattern turns a filename wildcard into an anchored regexp:
// literals quoted, '?' any single character, '*' any run.
func CompilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}

// ResolveName resolves a possibly-wildcarded filename against the
// archive's listing of dir. Exactly one match is required.
func ResolveName(ctx context.Context, a Archive, dir, name string) (string, error) {
	if !HasWildcard(name) {
		return name, nil
	}

	re, err := CompilePattern(name)
	if err != nil {
		return "", err
	}

	names, err := a.List(ctx, dir)
	if err != nil {
		return "", err
	}

	var match string
	for _, n := range names {
		if !re.MatchString(n) {
			continue
		}
		if match != "" {
			return "", errors.Wrapf(ErrAmbiguous, "%s matches %s and %s in %s on %s", name, match, n, dir, a.Name())
		}
		match = n
	}
	if match == "" {
		return "", errors.Wrapf(ErrNotFound, "%s in %s on %s", name, dir, a.Name())
	}
	return match, nil
}
