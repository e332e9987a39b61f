// Package s3 implements the s3://bucket/prefix archive on any
// S3-compatible object store.
package s3

import (
	"context"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/productdb/archive"
)

const defaultEndpoint = "s3.amazonaws.com"

type Archive struct {
	*archive.Common

	client *minio.Client
	bucket string
	prefix string
}

// New parses an s3://bucket/prefix URI. Credentials come from the
// archive configuration, else from the usual AWS environment.
func New(uri string, endpoint string, insecure bool, common *archive.Common) (*Archive, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "s3 uri %q", uri)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return nil, errors.Errorf("not an s3 uri: %q", uri)
	}

	if endpoint == "" {
		endpoint = defaultEndpoint
	}

	var creds *credentials.Credentials
	if c := common.Credentials(); !c.Empty() {
		creds = credentials.NewStaticV4(c.Username, c.Password, "")
	} else {
		creds = credentials.NewEnvAWS()
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:  creds,
		Secure: !insecure,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating s3 client")
	}

	return &Archive{
		Common: common,
		client: client,
		bucket: u.Host,
		prefix: strings.TrimPrefix(u.Path, "/"),
	}, nil
}

func (a *Archive) Connect(context.Context) error { return nil }
func (a *Archive) Disconnect() error {
	a.ClearListCache()
	return nil
}

func (a *Archive) key(dir, name string) string {
	return path.Join(a.prefix, dir, name)
}

func (a *Archive) List(ctx context.Context, dir string) ([]string, error) {
	return a.CachedList(ctx, dir, func(ctx context.Context, dir string) ([]string, error) {
		opCtx, cancel := a.OpContext(ctx)
		defer cancel()

		prefix := a.key(dir, "")
		if prefix != "" && !strings.HasSuffix(prefix, "/") {
			prefix += "/"
		}

		var names []string
		for obj := range a.client.ListObjects(opCtx, a.bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: false,
		}) {
			if obj.Err != nil {
				return nil, archive.Retryable(errors.Wrapf(obj.Err, "listing %s on %s", dir, a.Name()), time.Now().Add(time.Minute))
			}
			if strings.HasSuffix(obj.Key, "/") {
				continue
			}
			names = append(names, path.Base(obj.Key))
		}
		return names, nil
	})
}

func (a *Archive) Fetch(ctx context.Context, dir, name string) (string, error) {
	opCtx, cancel := a.OpContext(ctx)
	defer cancel()

	obj, err := a.client.GetObject(opCtx, a.bucket, a.key(dir, name), minio.GetObjectOptions{})
	if err != nil {
		return "", a.opErr(err, dir, name)
	}
	defer obj.Close()

	dst, err := archive.TempFile(name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, obj); err != nil {
		dst.Close()
		archive.DiscardTemp(dst.Name())
		return "", a.opErr(err, dir, name)
	}
	if err := dst.Close(); err != nil {
		archive.DiscardTemp(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (a *Archive) Store(ctx context.Context, local, dir, name string) error {
	if a.ReadOnly() {
		return archive.ErrReadOnly
	}

	opCtx, cancel := a.OpContext(ctx)
	defer cancel()

	_, err := a.client.FPutObject(opCtx, a.bucket, a.key(dir, name), local, minio.PutObjectOptions{})
	if err != nil {
		return a.opErr(err, dir, name)
	}
	return nil
}

func (a *Archive) Exists(ctx context.Context, dir, name string) (bool, error) {
	opCtx, cancel := a.OpContext(ctx)
	defer cancel()

	_, err := a.client.StatObject(opCtx, a.bucket, a.key(dir, name), minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNoSuchKey(err) {
		return false, nil
	}
	return false, a.opErr(err, dir, name)
}

func (a *Archive) opErr(err error, dir, name string) error {
	if isNoSuchKey(err) {
		return errors.Wrapf(archive.ErrNotFound, "%s/%s on %s", dir, name, a.Name())
	}
	return archive.Retryable(errors.Wrapf(err, "%s/%s on %s", dir, name, a.Name()), time.Now().Add(time.Minute))
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(errors.Cause(err))
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}
