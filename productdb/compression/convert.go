package compression

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// Convert rewrites the file at path from one compression pipeline to
// another and returns the resulting path. The shared prefix of the two
// pipelines is left untouched: converting hatanaka+compress to
// hatanaka+gzip only swaps the outer codec. Every stage is out-of-place;
// the source of a stage is removed only after its output has been renamed
// into place.
func (r *Registry) Convert(ctx context.Context, path, from, to string) (string, error) {
	fromStages, err := r.Pipeline(from)
	if err != nil {
		return "", err
	}
	toStages, err := r.Pipeline(to)
	if err != nil {
		return "", err
	}

	common := 0
	for common < len(fromStages) && common < len(toStages) &&
		fromStages[common].Name == toStages[common].Name {
		common++
	}
	fromStages = fromStages[common:]
	toStages = toStages[common:]

	cur := path
	for i := len(fromStages) - 1; i >= 0; i-- {
		c := fromStages[i]
		cur, err = runStage(ctx, cur, c.Stripped(filepath.Base(cur)), c.uncompress)
		if err != nil {
			return "", errors.Wrapf(err, "uncompress %s", c.Name)
		}
	}
	for _, c := range toStages {
		cur, err = runStage(ctx, cur, c.Applied(filepath.Base(cur)), c.compress)
		if err != nil {
			return "", errors.Wrapf(err, "compress %s", c.Name)
		}
	}
	return cur, nil
}

func runStage(ctx context.Context, src, dstName string, fn stageFunc) (string, error) {
	dst := filepath.Join(filepath.Dir(src), dstName)
	tmp := dst + ".part"
	_ = os.Remove(tmp)

	if err := fn(ctx, src, tmp); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return "", err
	}
	if src != dst {
		_ = os.Remove(src)
	}
	return dst, nil
}
