// Package archive defines the uniform capability set over a remote or
// local store of product files, and the shared state of all variants.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/productdb/catalog"
)

var (
	// ErrNotFound is returned when a file, or a wildcard with no match,
	// cannot be resolved on the archive.
	ErrNotFound = errors.New("file not found on archive")
	// ErrAmbiguous is returned when a wildcard resolves to more than one
	// file.
	ErrAmbiguous = errors.New("wildcard matches multiple files")
	// ErrReadOnly is returned by Store on read-only archives.
	ErrReadOnly = errors.New("archive is read-only")
)

// Archive is an addressable source or sink of product files.
//
// Implementations maintain at most one connection; a single Archive value
// supports one fetch at a time. To parallelize, construct multiple values.
type Archive interface {
	Name() string
	Priority() int
	ReadOnly() bool
	Compression() string
	Types() *catalog.Catalog
	ServesStation(code string) (explicit, ok bool)

	Connect(ctx context.Context) error
	Disconnect() error

	// List returns the file names under dir.
	List(ctx context.Context, dir string) ([]string, error)
	// Fetch downloads dir/name into a freshly created temporary
	// directory, keeping the filename, and returns the file path. The
	// caller owns the directory. name must be concrete; resolve
	// wildcards first.
	Fetch(ctx context.Context, dir, name string) (string, error)
	// Store uploads the local file to dir/name.
	Store(ctx context.Context, local, dir, name string) error
	Exists(ctx context.Context, dir, name string) (bool, error)
}

// RetryableError marks a transient transport failure and carries the
// suggested next-attempt time.
type RetryableError struct {
	Err   error
	After time.Time
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("transient: %v (retry after %s)", e.Err, e.After.Format(time.RFC3339))
}

func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as transient with a suggested retry time.
func Retryable(err error, after time.Time) error {
	return &RetryableError{Err: err, After: after}
}

// AsRetryable extracts a RetryableError from an error chain.
func AsRetryable(err error) (*RetryableError, bool) {
	var re *RetryableError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}
