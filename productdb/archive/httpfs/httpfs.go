// Package httpfs implements the http:// and https:// archives, including
// the token-authenticated variant that exchanges credentials for session
// cookies at a login endpoint.
package httpfs

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cristalhq/hedgedhttp"
	"github.com/pkg/errors"

	"github.com/gnsslab/gnssdb/productdb/archive"
)

const (
	hedgeRequestsAt   = 2 * time.Second
	hedgeRequestsUpTo = 2
)

type Archive struct {
	*archive.Common

	base     *url.URL
	client   *http.Client
	loginURL string

	mu       sync.Mutex
	loggedIn bool
}

// New builds an http(s) archive. With cfg.LoginURL set the archive logs
// in once per connection and authenticates with the returned cookies;
// otherwise configured credentials are sent as basic auth.
func New(uri, loginURL string, common *archive.Common) (*Archive, error) {
	base, err := url.Parse(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "http uri %q", uri)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, errors.Errorf("not an http uri: %q", uri)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}

	transport, err := hedgedhttp.NewRoundTripper(hedgeRequestsAt, hedgeRequestsUpTo, http.DefaultTransport)
	if err != nil {
		return nil, err
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}

	return &Archive{
		Common:   common,
		base:     base,
		loginURL: loginURL,
		client: &http.Client{
			Transport: transport,
			Jar:       jar,
		},
	}, nil
}

func (a *Archive) Connect(ctx context.Context) error {
	if a.loginURL == "" {
		return nil
	}
	return a.login(ctx)
}

func (a *Archive) Disconnect() error {
	a.ClearListCache()
	a.mu.Lock()
	a.loggedIn = false
	a.mu.Unlock()
	return nil
}

// login exchanges the configured credentials for session cookies.
func (a *Archive) login(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.loggedIn {
		return nil
	}

	creds := a.Credentials()
	body, _ := json.Marshal(creds)

	opCtx, cancel := a.OpContext(ctx)
	defer cancel()

	req, err := http.NewRequestWithContext(opCtx, http.MethodPost, a.loginURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return archive.Retryable(errors.Wrapf(err, "login to %s", a.Name()), time.Now().Add(time.Minute))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("login to %s: %s", a.Name(), resp.Status)
	}
	a.loggedIn = true
	return nil
}

// do issues an authenticated request, logging in (again) once on 401.
func (a *Archive) do(ctx context.Context, method, ref string) (*http.Response, error) {
	u := a.base.JoinPath(ref)

	issue := func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
		if err != nil {
			return nil, err
		}
		if creds := a.Credentials(); a.loginURL == "" && !creds.Empty() {
			req.SetBasicAuth(creds.Username, creds.Password)
		}
		return a.client.Do(req)
	}

	if a.loginURL != "" {
		if err := a.login(ctx); err != nil {
			return nil, err
		}
	}

	resp, err := issue()
	if err == nil && resp.StatusCode == http.StatusUnauthorized && a.loginURL != "" {
		resp.Body.Close()
		a.mu.Lock()
		a.loggedIn = false
		a.mu.Unlock()
		if err := a.login(ctx); err != nil {
			return nil, err
		}
		resp, err = issue()
	}
	if err != nil {
		return nil, archive.Retryable(errors.Wrapf(err, "%s %s", method, u), time.Now().Add(time.Minute))
	}
	return resp, nil
}

func (a *Archive) List(ctx context.Context, dir string) ([]string, error) {
	return a.CachedList(ctx, dir, func(ctx context.Context, dir string) ([]string, error) {
		opCtx, cancel := a.OpContext(ctx)
		defer cancel()

		resp, err := a.do(opCtx, http.MethodGet, dir+"/")
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if err := a.statusErr(resp, dir, ""); err != nil {
			return nil, err
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, archive.Retryable(err, time.Now().Add(time.Minute))
		}
		return parseListing(body), nil
	})
}

var hrefRe = regexp.MustCompile(`(?i)href="([^"?]+)"`)

// parseListing extracts file names from an HTML directory index, falling
// back to whitespace-separated plain listings.
func parseListing(body []byte) []string {
	seen := map[string]struct{}{}

	if m := hrefRe.FindAllSubmatch(body, -1); len(m) > 0 {
		for _, g := range m {
			ref := string(g[1])
			if strings.HasSuffix(ref, "/") || strings.Contains(ref, "://") {
				continue
			}
			if i := strings.LastIndexByte(ref, '/'); i >= 0 {
				ref = ref[i+1:]
			}
			if ref != "" && ref != "." && ref != ".." {
				seen[ref] = struct{}{}
			}
		}
	} else {
		for _, f := range strings.Fields(string(body)) {
			if !strings.ContainsAny(f, "<>/") {
				seen[f] = struct{}{}
			}
		}
	}

	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (a *Archive) Fetch(ctx context.Context, dir, name string) (string, error) {
	opCtx, cancel := a.OpContext(ctx)
	defer cancel()

	resp, err := a.do(opCtx, http.MethodGet, dir+"/"+name)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := a.statusErr(resp, dir, name); err != nil {
		return "", err
	}

	dst, err := archive.TempFile(name)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, resp.Body); err != nil {
		dst.Close()
		archive.DiscardTemp(dst.Name())
		return "", archive.Retryable(err, time.Now().Add(time.Minute))
	}
	if err := dst.Close(); err != nil {
		archive.DiscardTemp(dst.Name())
		return "", err
	}
	return dst.Name(), nil
}

func (a *Archive) Store(context.Context, string, string, string) error {
	return archive.ErrReadOnly
}

func (a *Archive) Exists(ctx context.Context, dir, name string) (bool, error) {
	opCtx, cancel := a.OpContext(ctx)
	defer cancel()

	resp, err := a.do(opCtx, http.MethodHead, dir+"/"+name)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if err := a.statusErr(resp, dir, name); err != nil {
		return false, err
	}
	return true, nil
}

func (a *Archive) statusErr(resp *http.Response, dir, name string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrapf(archive.ErrNotFound, "%s/%s on %s", dir, name, a.Name())
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return archive.Retryable(errors.Errorf("%s on %s: %s", name, a.Name(), resp.Status), time.Now().Add(time.Minute))
	default:
		return errors.Errorf("%s/%s on %s: %s", dir, name, a.Name(), resp.Status)
	}
}
