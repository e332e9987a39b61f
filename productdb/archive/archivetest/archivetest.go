// Package archivetest provides an in-memory Archive for tests.
package archivetest

import (
	"context"
	"os"
	"path"
	"sync"

	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/productdb/archive"
	"github.com/gnsslab/gnssdb/productdb/catalog"
)

// Archive keeps its files in a map keyed by dir/name. Every operation can
// be made to fail by setting the corresponding error field.
type Archive struct {
	*archive.Common

	mu    sync.Mutex
	files map[string][]byte

	ListErr  error
	FetchErr error
	StoreErr error

	Fetches int
	Stores  int
}

// New builds an empty in-memory archive from the given configuration. An
// empty station list is widened to "*".
func New(cfg archive.Config, types *catalog.Catalog) *Archive {
	if len(cfg.Stations) == 0 {
		cfg.Stations = []string{"*"}
	}
	common, err := archive.NewCommon(cfg, types)
	if err != nil {
		panic(err)
	}
	return &Archive{
		Common: common,
		files:  map[string][]byte{},
	}
}

// Put seeds a file.
func (a *Archive) Put(dir, name string, data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files[path.Join(dir, name)] = data
}

// Get returns a stored file's content.
func (a *Archive) Get(dir, name string) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, ok := a.files[path.Join(dir, name)]
	return data, ok
}

// Len returns the number of stored files.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.files)
}

func (a *Archive) Connect(context.Context) error { return nil }
func (a *Archive) Disconnect() error {
	a.ClearListCache()
	return nil
}

func (a *Archive) List(_ context.Context, dir string) ([]string, error) {
	if a.ListErr != nil {
		return nil, a.ListErr
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	var names []string
	for key := range a.files {
		if path.Dir(key) == path.Clean(dir) {
			names = append(names, path.Base(key))
		}
	}
	return names, nil
}

func (a *Archive) Fetch(_ context.Context, dir, name string) (string, error) {
	a.mu.Lock()
	a.Fetches++
	a.mu.Unlock()
	if a.FetchErr != nil {
		return "", a.FetchErr
	}

	data, ok := a.Get(dir, name)
	if !ok {
		return "", errors.Wrapf(archive.ErrNotFound, "%s/%s on %s", dir, name, a.Name())
	}

	dst, err := archive.TempFile(name)
	if err != nil {
		return "", err
	}
	if _, err := dst.Write(data); err != nil {
		dst.Close()
		archive.DiscardTemp(dst.Name())
		return "", err
	}
	if err := dst.Close(); err != nil {
		archive.DiscardTemp(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (a *Archive) Store(_ context.Context, local, dir, name string) error {
	if a.StoreErr != nil {
		return a.StoreErr
	}
	if a.ReadOnly() {
		return archive.ErrReadOnly
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.Stores++
	a.files[path.Join(dir, name)] = data
	return nil
}

func (a *Archive) Exists(_ context.Context, dir, name string) (bool, error) {
	_, ok := a.Get(dir, name)
	return ok, nil
}

// Delete removes a stored file; deleting a missing file is a no-op.
func (a *Archive) Delete(dir, name string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.files, path.Join(dir, name))
	return nil
}
