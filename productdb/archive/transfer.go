package archive

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/productdb/catalog"
	"github.com/gnsslab/gnssdb/productdb/compression"
)

// Download moves one file from src to dst, resolving wildcards against
// the source listing and converting between the archives' compressions.
// It returns dstSpec with Filename set to the name actually stored, which
// differs from the requested one when the source name was a wildcard or
// the conversion changed the suffix. No partial files are left behind on
// failure.
func Download(ctx context.Context, reg *compression.Registry, src Archive, srcSpec catalog.FileSpec, dst Archive, dstSpec catalog.FileSpec) (catalog.FileSpec, error) {
	name, err := ResolveName(ctx, src, srcSpec.Path, srcSpec.Filename)
	if err != nil {
		return dstSpec, err
	}

	tmp, err := src.Fetch(ctx, srcSpec.Path, name)
	if err != nil {
		return dstSpec, err
	}
	defer os.RemoveAll(filepath.Dir(tmp))

	srcComp := srcSpec.Compression
	if srcComp == "" {
		srcComp = src.Compression()
	}
	if srcComp == "" {
		srcComp = reg.ForSuffix(name)
	}

	converted, err := reg.Convert(ctx, tmp, srcComp, dstSpec.Compression)
	if err != nil {
		return dstSpec, errors.Wrapf(err, "converting %s from %s", name, srcComp)
	}

	stored := dstSpec.Filename
	if stored == srcSpec.Filename {
		// identity mapping follows the resolved and converted name
		stored = filepath.Base(converted)
	}
	dstSpec.Filename = stored
	return dstSpec, dst.Store(ctx, converted, dstSpec.Path, stored)
}
