package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompilePattern(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		match   bool
	}{
		{"igs21004.sp3", "igs21004.sp3", true},
		{"igs*.sp3", "igs21004.sp3", true},
		{"igs*.sp3", "igr21004.sp3", false},
		{"gsht???0.20d.Z", "gsht1000.20d.Z", true},
		{"gsht???0.20d.Z", "gsht10000.20d.Z", false},
		{"a.b", "axb", false}, // dot is literal
	}
	for _, tc := range tests {
		re, err := CompilePattern(tc.pattern)
		require.NoError(t, err)
		assert.Equal(t, tc.match, re.MatchString(tc.name), "%s vs %s", tc.pattern, tc.name)
	}
}

type listingArchive struct {
	Archive
	names []string
}

func (l *listingArchive) Name() string { return "fake" }
func (l *listingArchive) List(context.Context, string) ([]string, error) {
	return l.names, nil
}

func TestResolveName(t *testing.T) {
	a := &listingArchive{names: []string{"gsht1000.20d.Z", "wtzr1000.20d.Z"}}

	name, err := ResolveName(context.Background(), a, "2020/100", "gsht*.20d.Z")
	require.NoError(t, err)
	assert.Equal(t, "gsht1000.20d.Z", name)

	// concrete names skip the listing entirely
	name, err = ResolveName(context.Background(), nil, "2020/100", "wtzr1000.20d.Z")
	require.NoError(t, err)
	assert.Equal(t, "wtzr1000.20d.Z", name)

	_, err = ResolveName(context.Background(), a, "2020/100", "nope*.20d.Z")
	assert.True(t, errors.Is(err, ErrNotFound))

	_, err = ResolveName(context.Background(), a, "2020/100", "*.20d.Z")
	assert.True(t, errors.Is(err, ErrAmbiguous))
}

func TestServesStation(t *testing.T) {
	c, err := NewCommon(Config{
		Name:             "test",
		Stations:         []string{"GSHT", "*"},
		ExcludedStations: []string{"wtzr"},
	}, nil)
	require.NoError(t, err)

	explicit, ok := c.ServesStation("gsht")
	assert.True(t, explicit)
	assert.True(t, ok)

	explicit, ok = c.ServesStation("zimm")
	assert.False(t, explicit)
	assert.True(t, ok)

	_, ok = c.ServesStation("WTZR")
	assert.False(t, ok)
}

func TestCachedList(t *testing.T) {
	c, err := NewCommon(Config{Name: "test"}, nil)
	require.NoError(t, err)

	calls := 0
	list := func(context.Context, string) ([]string, error) {
		calls++
		return []string{"a", "b"}, nil
	}

	for i := 0; i < 3; i++ {
		names, err := c.CachedList(context.Background(), "dir", list)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b"}, names)
	}
	assert.Equal(t, 1, calls)

	c.ClearListCache()
	_, err = c.CachedList(context.Background(), "dir", list)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestBudgetSpent(t *testing.T) {
	c, err := NewCommon(Config{Name: "test", MaxDownloadsPerConn: 3}, nil)
	require.NoError(t, err)

	assert.False(t, c.BudgetSpent())
	assert.False(t, c.BudgetSpent())
	assert.True(t, c.BudgetSpent())
	// the counter resets when it trips
	assert.False(t, c.BudgetSpent())

	unlimited, err := NewCommon(Config{Name: "test"}, nil)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.False(t, unlimited.BudgetSpent())
	}
}

func TestCredentials(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		creds, err := CredentialsConfig{Username: "u", Password: "p"}.Load()
		require.NoError(t, err)
		assert.Equal(t, Credentials{Username: "u", Password: "p"}, creds)
	})

	t.Run("env", func(t *testing.T) {
		t.Setenv("TEST_ARCHIVE_CREDS", "u:secret:with:colons")
		creds, err := CredentialsConfig{Env: "TEST_ARCHIVE_CREDS"}.Load()
		require.NoError(t, err)
		assert.Equal(t, "u", creds.Username)
		assert.Equal(t, "secret:with:colons", creds.Password)
	})

	t.Run("json file", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "creds.json")
		require.NoError(t, os.WriteFile(p, []byte(`{"username":"u","password":"p"}`), 0o600))
		creds, err := CredentialsConfig{File: p}.Load()
		require.NoError(t, err)
		assert.Equal(t, Credentials{Username: "u", Password: "p"}, creds)
	})

	t.Run("plain file", func(t *testing.T) {
		p := filepath.Join(t.TempDir(), "creds")
		require.NoError(t, os.WriteFile(p, []byte("user u\npassword p\n"), 0o600))
		creds, err := CredentialsConfig{File: p}.Load()
		require.NoError(t, err)
		assert.Equal(t, Credentials{Username: "u", Password: "p"}, creds)
	})
}

func TestRetryable(t *testing.T) {
	after := time.Now().Add(time.Minute)
	err := Retryable(errors.New("connection reset"), after)

	re, ok := AsRetryable(errors.Wrap(err, "fetching"))
	require.True(t, ok)
	assert.Equal(t, after, re.After)

	_, ok = AsRetryable(errors.New("plain"))
	assert.False(t, ok)
}

func TestTempFileKeepsName(t *testing.T) {
	f, err := TempFile("gsht1000.20d.Z")
	require.NoError(t, err)
	defer os.RemoveAll(filepath.Dir(f.Name()))
	require.NoError(t, f.Close())

	assert.Equal(t, "gsht1000.20d.Z", filepath.Base(f.Name()))
}
