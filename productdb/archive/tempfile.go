package archive

import (
	"os"
	"path/filepath"
)

// TempFile creates the local destination for a fetch: a fresh directory
// under the system temp dir holding a file named name. On error the
// directory is cleaned up.
func TempFile(name string) (*os.File, error) {
	dir, err := os.MkdirTemp("", "gnssdb-fetch-")
	if err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, err
	}
	return f, nil
}

// DiscardTemp removes the temp directory a fetched file lives in.
func DiscardTemp(path string) {
	if path != "" {
		_ = os.RemoveAll(filepath.Dir(path))
	}
}
