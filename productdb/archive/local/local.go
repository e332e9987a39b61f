// Package local implements the file:// archive. It doubles as the
// cache's disk store and as the directory target of retrievals.
package local

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/productdb/archive"
)

type Config struct {
	Path string `yaml:"path"`
}

type Archive struct {
	*archive.Common
	base string
}

// New opens a local directory archive rooted at cfg.Path, creating it if
// needed.
func New(cfg Config, common *archive.Common) (*Archive, error) {
	if cfg.Path == "" {
		return nil, errors.New("local archive needs a path")
	}
	if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating local archive root")
	}
	return &Archive{Common: common, base: cfg.Path}, nil
}

func (f *Archive) Connect(context.Context) error { return nil }
func (f *Archive) Disconnect() error {
	f.ClearListCache()
	return nil
}

// Base returns the archive root on disk.
func (f *Archive) Base() string { return f.base }

func (f *Archive) List(ctx context.Context, dir string) ([]string, error) {
	return f.CachedList(ctx, dir, func(_ context.Context, dir string) ([]string, error) {
		entries, err := os.ReadDir(filepath.Join(f.base, dir))
		if os.IsNotExist(err) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var names []string
		for _, e := range entries {
			if !e.IsDir() {
				names = append(names, e.Name())
			}
		}
		return names, nil
	})
}

func (f *Archive) Fetch(ctx context.Context, dir, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	src, err := os.Open(filepath.Join(f.base, dir, name))
	if os.IsNotExist(err) {
		return "", errors.Wrapf(archive.ErrNotFound, "%s/%s on %s", dir, name, f.Name())
	}
	if err != nil {
		return "", err
	}
	defer src.Close()

	dst, err := archive.TempFile(name)
	if err != nil {
		return "", err
	}

	if _, err := io.Copy(dst, src); err != nil {
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

func (f *Archive) Store(ctx context.Context, local, dir, name string) error {
	if f.ReadOnly() {
		return archive.ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	target := filepath.Join(f.base, dir, name)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	// write-to-temp-then-rename so partial files never appear
	tmp := target + ".part-" + uuid.NewString()
	if err := copyFile(local, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func (f *Archive) Exists(_ context.Context, dir, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(f.base, dir, name))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Delete removes a stored file; empty parent directories are left alone.
func (f *Archive) Delete(dir, name string) error {
	err := os.Remove(filepath.Join(f.base, dir, name))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
