// Package ftpfs implements the ftp:// archive.
package ftpfs

import (
	"context"
	"io"
	"net/textproto"
	"net/url"
	"os"
	"path"
	"sync"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/jpillora/backoff"
	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/productdb/archive"
)

const dialAttempts = 3

type Archive struct {
	*archive.Common

	addr string
	root string
	user string
	pass string

	mu   sync.Mutex
	conn *ftp.ServerConn
}

// New parses an ftp://[user[:pass]@]host[:port]/path URI. Inline URI
// credentials override the configured ones; anonymous login is the
// fallback.
func New(uri string, common *archive.Common) (*Archive, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "ftp uri %q", uri)
	}
	if u.Scheme != "ftp" {
		return nil, errors.Errorf("not an ftp uri: %q", uri)
	}

	addr := u.Host
	if u.Port() == "" {
		addr += ":21"
	}

	a := &Archive{
		Common: common,
		addr:   addr,
		root:   u.Path,
		user:   "anonymous",
		pass:   "anonymous",
	}
	if creds := common.Credentials(); !creds.Empty() {
		a.user, a.pass = creds.Username, creds.Password
	}
	if u.User != nil {
		a.user = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			a.pass = pw
		}
	}
	return a, nil
}

func (a *Archive) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.connected(ctx)
	return err
}

// connected dials lazily, with a short backoff across attempts. Callers
// hold a.mu.
func (a *Archive) connected(ctx context.Context) (*ftp.ServerConn, error) {
	if a.conn != nil {
		return a.conn, nil
	}

	b := &backoff.Backoff{Min: time.Second, Max: 10 * time.Second, Jitter: true}
	var lastErr error
	for i := 0; i < dialAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := ftp.Dial(a.addr, ftp.DialWithContext(ctx))
		if err == nil {
			if err = conn.Login(a.user, a.pass); err == nil {
				a.conn = conn
				return conn, nil
			}
			_ = conn.Quit()
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return nil, archive.Retryable(errors.Wrapf(lastErr, "connecting to %s", a.addr), time.Now().Add(time.Minute))
}

func (a *Archive) Disconnect() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ClearListCache()
	return a.close()
}

func (a *Archive) close() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Quit()
	a.conn = nil
	return err
}

func (a *Archive) List(ctx context.Context, dir string) ([]string, error) {
	return a.CachedList(ctx, dir, func(ctx context.Context, dir string) ([]string, error) {
		a.mu.Lock()
		defer a.mu.Unlock()

		conn, err := a.connected(ctx)
		if err != nil {
			return nil, err
		}
		entries, err := conn.NameList(path.Join(a.root, dir))
		if err != nil {
			a.dropConn()
			return nil, a.transportErr(err, dir, "")
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, path.Base(e))
		}
		return names, nil
	})
}

func (a *Archive) Fetch(ctx context.Context, dir, name string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.connected(ctx)
	if err != nil {
		return "", err
	}

	resp, err := conn.Retr(path.Join(a.root, dir, name))
	if err != nil {
		if !isNotFound(err) {
			a.dropConn()
		}
		return "", a.transportErr(err, dir, name)
	}

	dst, err := archive.TempFile(name)
	if err != nil {
		_ = resp.Close()
		return "", err
	}

	_, copyErr := io.Copy(dst, resp)
	closeErr := resp.Close()
	if err := dst.Close(); copyErr == nil && closeErr == nil && err == nil {
		if a.BudgetSpent() {
			// defeat per-connection server accounting; reconnect lazily
			_ = a.close()
		}
		return dst.Name(), nil
	}
	archive.DiscardTemp(dst.Name())
	a.dropConn()
	if copyErr == nil {
		copyErr = closeErr
	}
	return "", a.transportErr(copyErr, dir, name)
}

func (a *Archive) Store(ctx context.Context, local, dir, name string) error {
	if a.ReadOnly() {
		return archive.ErrReadOnly
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.connected(ctx)
	if err != nil {
		return err
	}

	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := conn.Stor(path.Join(a.root, dir, name), f); err != nil {
		a.dropConn()
		return a.transportErr(err, dir, name)
	}
	return nil
}

func (a *Archive) Exists(ctx context.Context, dir, name string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	conn, err := a.connected(ctx)
	if err != nil {
		return false, err
	}
	_, err = conn.FileSize(path.Join(a.root, dir, name))
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	a.dropConn()
	return false, a.transportErr(err, dir, name)
}

// dropConn discards a connection in an unknown state. Callers hold a.mu.
func (a *Archive) dropConn() {
	if a.conn != nil {
		_ = a.conn.Quit()
		a.conn = nil
	}
}

func (a *Archive) transportErr(err error, dir, name string) error {
	where := path.Join(a.Name(), dir, name)
	if isNotFound(err) {
		return errors.Wrap(archive.ErrNotFound, where)
	}
	return archive.Retryable(errors.Wrap(err, where), time.Now().Add(time.Minute))
}

func isNotFound(err error) bool {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return proto.Code == ftp.StatusFileUnavailable
	}
	return false
}
