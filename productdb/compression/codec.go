package compression

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
)

// stageFunc transforms src into dst. dst must not exist beforehand and is
// removed by the caller on error.
type stageFunc func(ctx context.Context, src, dst string) error

// Codec is one named compression stage. Product compression names are
// pipelines of codecs joined with '+', applied left to right when
// compressing.
type Codec struct {
	Name string

	// PreSuffix is the filename suffix the codec consumes, PostSuffix the
	// one it produces. Hatanaka turns "....20o" into "....20d", gzip turns
	// anything into anything+".gz".
	PreSuffix  string
	PostSuffix string

	compress   stageFunc
	uncompress stageFunc
}

// Applied returns the filename after this codec compressed it.
func (c *Codec) Applied(name string) string {
	return strings.TrimSuffix(name, c.PreSuffix) + c.PostSuffix
}

// Stripped returns the filename after this codec decompressed it.
func (c *Codec) Stripped(name string) string {
	return strings.TrimSuffix(name, c.PostSuffix) + c.PreSuffix
}

type wrapWriter func(io.Writer) (io.WriteCloser, error)

type wrapReader func(io.Reader) (io.Reader, error)

func compressWith(wrap wrapWriter) stageFunc {
	return func(ctx context.Context, src, dst string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return err
		}
		defer out.Close()

		w, err := wrap(out)
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, in); err != nil {
			_ = w.Close()
			return err
		}
		if err := w.Close(); err != nil {
			return err
		}
		return out.Close()
	}
}

func uncompressWith(wrap wrapReader) stageFunc {
	return func(ctx context.Context, src, dst string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()

		r, err := wrap(in)
		if err != nil {
			return err
		}
		if c, ok := r.(io.Closer); ok {
			defer c.Close()
		}

		out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return err
		}
		defer out.Close()

		if _, err := io.Copy(out, r); err != nil {
			return err
		}
		return out.Close()
	}
}

// zstdDecoder adapts zstd.Decoder's errorless Close to io.Closer.
type zstdDecoder struct{ *zstd.Decoder }

func (z zstdDecoder) Close() error {
	z.Decoder.Close()
	return nil
}

func builtinCodecs() map[string]*Codec {
	return map[string]*Codec{
		"gzip": {
			Name:       "gzip",
			PostSuffix: ".gz",
			compress: compressWith(func(w io.Writer) (io.WriteCloser, error) {
				return gzip.NewWriter(w), nil
			}),
			uncompress: uncompressWith(func(r io.Reader) (io.Reader, error) {
				return gzip.NewReader(r)
			}),
		},
		"zstd": {
			Name:       "zstd",
			PostSuffix: ".zst",
			compress: compressWith(func(w io.Writer) (io.WriteCloser, error) {
				return zstd.NewWriter(w)
			}),
			uncompress: uncompressWith(func(r io.Reader) (io.Reader, error) {
				d, err := zstd.NewReader(r)
				if err != nil {
					return nil, err
				}
				return zstdDecoder{d}, nil
			}),
		},
		"lz4": {
			Name:       "lz4",
			PostSuffix: ".lz4",
			compress: compressWith(func(w io.Writer) (io.WriteCloser, error) {
				return lz4.NewWriter(w), nil
			}),
			uncompress: uncompressWith(func(r io.Reader) (io.Reader, error) {
				return lz4.NewReader(r), nil
			}),
		},
		"snappy": {
			Name:       "snappy",
			PostSuffix: ".sz",
			compress: compressWith(func(w io.Writer) (io.WriteCloser, error) {
				return snappy.NewBufferedWriter(w), nil
			}),
			uncompress: uncompressWith(func(r io.Reader) (io.Reader, error) {
				return snappy.NewReader(r), nil
			}),
		},
		"s2": {
			Name:       "s2",
			PostSuffix: ".s2",
			compress: compressWith(func(w io.Writer) (io.WriteCloser, error) {
				return s2.NewWriter(w), nil
			}),
			uncompress: uncompressWith(func(r io.Reader) (io.Reader, error) {
				return s2.NewReader(r), nil
			}),
		},
		// The unix compress format and Hatanaka RINEX compaction are only
		// available as external tools.
		"compress": {
			Name:       "compress",
			PostSuffix: ".Z",
			compress:   execStage([]string{"compress", "-c"}),
			uncompress: execStage([]string{"gzip", "-dc"}),
		},
		"hatanaka": {
			Name:       "hatanaka",
			PreSuffix:  "o",
			PostSuffix: "d",
			compress:   execStage([]string{"rnx2crx", "-"}),
			uncompress: execStage([]string{"crx2rnx", "-"}),
		},
	}
}

// execStage runs an external codec. Occurrences of {in} and {out} in the
// argv are replaced with the file names; absent those, the command reads
// stdin and writes stdout.
func execStage(argv []string) stageFunc {
	return func(ctx context.Context, src, dst string) error {
		args := make([]string, len(argv))
		usesIn, usesOut := false, false
		for i, a := range argv {
			if strings.Contains(a, "{in}") {
				a = strings.ReplaceAll(a, "{in}", src)
				usesIn = true
			}
			if strings.Contains(a, "{out}") {
				a = strings.ReplaceAll(a, "{out}", dst)
				usesOut = true
			}
			args[i] = a
		}

		cmd := exec.CommandContext(ctx, args[0], args[1:]...)

		if !usesIn {
			in, err := os.Open(src)
			if err != nil {
				return err
			}
			defer in.Close()
			cmd.Stdin = in
		}
		if !usesOut {
			out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return err
			}
			defer out.Close()
			cmd.Stdout = out
		}

		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return errors.Wrapf(err, "codec command %q: %s", args[0], strings.TrimSpace(stderr.String()))
		}
		return nil
	}
}
