package evohome

import (
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/evohome-go/evohome/pkg/config/xconf"
)

// Default values and well-known hosts/paths.
const (
	// DefaultTimeout is the default per-request HTTP timeout.
	DefaultTimeout = 30 * time.Second

	// DefaultSessionTTL is the fixed lifetime of a v0 session id, per the
	// vendor's documented (undocumented, really) behavior.
	DefaultSessionTTL = 15 * time.Minute

	// DefaultRefreshThreshold is the value ApplyDefaults gives
	// Config.RefreshThreshold.
	DefaultRefreshThreshold = 5 * time.Minute

	// DefaultLocalCacheTTL is the L1 credential cache TTL when the caller
	// does not override it via Options.
	DefaultLocalCacheTTL = 10 * time.Minute

	// HostV0 is the legacy session-id API host.
	HostV0 = "https://tccna.resideo.com"

	// HostV2 is the OAuth API host. Both APIs are served from the same
	// host; they are kept as separate Config fields/constants because the
	// vendor has changed this in the past and the two flows are otherwise
	// fully independent.
	HostV2 = "https://tccna.resideo.com"

	// ApplicationIDV0 is the fixed client application id the v0 API expects
	// in the session POST body.
	ApplicationIDV0 = "91db1612-73fd-4500-91b2-e63b069b185c"
)

// Config holds everything needed to construct a Client.
type Config struct {
	// HostV0 overrides the v0 session-id API host. Defaults to HostV0.
	HostV0 string

	// HostV2 overrides the v2 OAuth API host. Defaults to HostV2.
	HostV2 string

	// AllowInsecure permits non-HTTPS hosts, for local/dev testing against
	// a mock server. Credentials and bearer tokens are never sent in the
	// clear otherwise.
	AllowInsecure bool

	// Username and Password are the TCC account credentials, used by both
	// the v0 session flow and the v2 password grant.
	Username string
	Password string

	// ClientIDV2 and ClientSecretV2 are the OAuth client application
	// credentials used by the v2 password/refresh grants.
	ClientIDV2     string
	ClientSecretV2 string

	// CacheFilePath is where credentials are persisted between process
	// restarts. If empty, the client holds credentials in memory only.
	CacheFilePath string

	// Timeout is the per-request HTTP timeout. Defaults to DefaultTimeout.
	Timeout time.Duration

	// SessionTTL overrides the assumed v0 session lifetime. Defaults to
	// DefaultSessionTTL. Exposed mainly so tests can use a short window
	// against a mock server.
	SessionTTL time.Duration

	// RefreshThreshold is validated and passed to the v2 OAuth manager.
	// Defaults to DefaultRefreshThreshold. Token validity does not use it:
	// a v2 token counts as expired 15s before its expiry, and no refresh is
	// started ahead of that.
	RefreshThreshold time.Duration

	// TLS configures the underlying transport. Nil uses a default
	// TLS 1.2-minimum config with certificate verification enabled.
	TLS *TLSConfig
}

// TLSConfig mirrors the subset of crypto/tls.Config callers need to tweak.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification. Development use only.
	InsecureSkipVerify bool
}

// Validate checks the config for the errors that would otherwise surface as
// confusing failures deep in an HTTP call.
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if err := c.validateHost(c.effectiveHostV0()); err != nil {
		return err
	}
	if err := c.validateHost(c.effectiveHostV2()); err != nil {
		return err
	}
	if c.Username == "" || c.Password == "" {
		return ErrInvalidConfig
	}
	if c.Timeout < 0 || c.SessionTTL < 0 || c.RefreshThreshold < 0 {
		return ErrInvalidConfig
	}
	return nil
}

func (c *Config) validateHost(host string) error {
	u, err := url.Parse(strings.TrimSpace(host))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidConfig
	}
	if !c.AllowInsecure && u.Scheme != "https" {
		return ErrInvalidConfig
	}
	return nil
}

// ApplyDefaults fills in zero-valued fields with package defaults.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.SessionTTL == 0 {
		c.SessionTTL = DefaultSessionTTL
	}
	if c.RefreshThreshold == 0 {
		c.RefreshThreshold = DefaultRefreshThreshold
	}
}

// Clone returns a deep copy so NewClient never mutates the caller's Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	if c.TLS != nil {
		tlsCopy := *c.TLS
		clone.TLS = &tlsCopy
	}
	return &clone
}

func (c *Config) effectiveHostV0() string {
	if c.HostV0 != "" {
		return c.HostV0
	}
	return HostV0
}

func (c *Config) effectiveHostV2() string {
	if c.HostV2 != "" {
		return c.HostV2
	}
	return HostV2
}

// configFile is the on-disk shape LoadConfig decodes, kept distinct from
// Config so duration fields stay plain strings ("30s") rather than relying
// on a koanf decode hook to land on time.Duration.
type configFile struct {
	HostV0         string `koanf:"hostv0"`
	HostV2         string `koanf:"hostv2"`
	AllowInsecure  bool   `koanf:"allowinsecure"`
	Username       string `koanf:"username"`
	Password       string `koanf:"password"`
	ClientIDV2     string `koanf:"clientidv2"`
	ClientSecretV2 string `koanf:"clientsecretv2"`
	CacheFilePath  string `koanf:"cachefilepath"`
	Timeout        string `koanf:"timeout"`
	SessionTTL     string `koanf:"sessionttl"`
	RefreshThresh  string `koanf:"refreshthreshold"`
}

// LoadConfig reads a Config from a YAML or JSON file (format detected from
// the extension), for callers who prefer file-based configuration over
// building a Config literal directly.
func LoadConfig(path string) (*Config, error) {
	xc, err := xconf.New(path)
	if err != nil {
		return nil, fmt.Errorf("evohome: load config: %w", err)
	}

	var file configFile
	if err := xc.Unmarshal("", &file); err != nil {
		return nil, fmt.Errorf("evohome: decode config: %w", err)
	}

	cfg := &Config{
		HostV0:         file.HostV0,
		HostV2:         file.HostV2,
		AllowInsecure:  file.AllowInsecure,
		Username:       file.Username,
		Password:       file.Password,
		ClientIDV2:     file.ClientIDV2,
		ClientSecretV2: file.ClientSecretV2,
		CacheFilePath:  file.CacheFilePath,
	}

	var parseErr error
	cfg.Timeout, parseErr = parseDurationField(file.Timeout)
	if parseErr != nil {
		return nil, fmt.Errorf("evohome: config timeout: %w", parseErr)
	}
	cfg.SessionTTL, parseErr = parseDurationField(file.SessionTTL)
	if parseErr != nil {
		return nil, fmt.Errorf("evohome: config sessionttl: %w", parseErr)
	}
	cfg.RefreshThreshold, parseErr = parseDurationField(file.RefreshThresh)
	if parseErr != nil {
		return nil, fmt.Errorf("evohome: config refreshthreshold: %w", parseErr)
	}

	return cfg, nil
}

func parseDurationField(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// BuildTLSConfig builds a crypto/tls.Config from TLSConfig, or a safe
// default if c is nil.
func (c *TLSConfig) BuildTLSConfig() *tls.Config {
	if c == nil {
		return &tls.Config{MinVersion: tls.VersionTLS12}
	}
	//nolint:gosec // G402: InsecureSkipVerify is opt-in and caller-controlled
	return &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
}
