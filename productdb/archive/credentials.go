package archive

import (
	"bufio"
	"bytes"
	"encoding/json"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// Credentials for an archive login.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (c Credentials) Empty() bool { return c.Username == "" && c.Password == "" }

// CredentialsConfig names where credentials come from: inline, a
// referenced file, or an environment variable holding "user:password".
type CredentialsConfig struct {
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	File     string `yaml:"file,omitempty"`
	Env      string `yaml:"env,omitempty"`
}

// Load resolves the configured source. Inline values win, then the file,
// then the environment.
func (cfg CredentialsConfig) Load() (Credentials, error) {
	if cfg.Username != "" || cfg.Password != "" {
		return Credentials{Username: cfg.Username, Password: cfg.Password}, nil
	}
	if cfg.File != "" {
		return loadCredentialsFile(cfg.File)
	}
	if cfg.Env != "" {
		v := os.Getenv(cfg.Env)
		if v == "" {
			return Credentials{}, errors.Errorf("credentials environment variable %s not set", cfg.Env)
		}
		user, pass, ok := strings.Cut(v, ":")
		if !ok {
			return Credentials{}, errors.Errorf("credentials in %s are not user:password", cfg.Env)
		}
		return Credentials{Username: user, Password: pass}, nil
	}
	return Credentials{}, nil
}

// loadCredentialsFile reads either JSON {"username","password"} or simple
// "user X" / "password Y" lines.
func loadCredentialsFile(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Credentials{}, errors.Wrap(err, "reading credentials file")
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var c Credentials
		if err := json.Unmarshal(trimmed, &c); err != nil {
			return Credentials{}, errors.Wrapf(err, "credentials file %s", path)
		}
		return c, nil
	}

	var c Credentials
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch strings.ToLower(key) {
		case "user", "username":
			c.Username = val
		case "password", "pass":
			c.Password = val
		}
	}
	if err := sc.Err(); err != nil {
		return Credentials{}, err
	}
	if c.Empty() {
		return Credentials{}, errors.Errorf("no credentials found in %s", path)
	}
	return c, nil
}
