package evohome

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/evohome-go/evohome/pkg/observability/xmetrics"
	"github.com/evohome-go/evohome/pkg/observability/xsampling"
)

// invalidIDSampleRate bounds how often a repeated "skipping malformed
// resource id" warning is actually emitted, keyed by resource kind
// (location/gateway/zone/...) so a single noisy kind doesn't crowd out
// everything else in the logs.
const invalidIDSampleRate = 0.2

type resourceKindKey struct{}

// withResourceKind attaches the resource kind a warning is about, for the
// sampler's consistent per-kind decision.
func withResourceKind(ctx context.Context, kind string) context.Context {
	return context.WithValue(ctx, resourceKindKey{}, kind)
}

func resourceKindFromContext(ctx context.Context) string {
	kind, _ := ctx.Value(resourceKindKey{}).(string)
	return kind
}

// Client is an authenticated connection to a single Total Connect Comfort
// account. It wraps whichever auth flow Config selects (v0 session id or
// v2 OAuth) behind one authenticated requester, and caches the account's
// resource tree for Refresh to update in place.
type Client struct {
	config  *Config
	options *Options

	requester *requester
	cache     *credentialCache
	store     *FileCredentialStore

	tree    *tree
	account *UserAccount

	logger   *slog.Logger
	observer xmetrics.Observer
	sampler  *xsampling.KeyBasedSampler

	mu     sync.Mutex
	closed atomic.Bool
}

// warnSkippedResource logs, at the sampled rate for kind, that a malformed
// or unmatched id was skipped rather than propagated as an error.
func (c *Client) warnSkippedResource(kind, id, reason string) {
	ctx := withResourceKind(context.Background(), kind)
	if c.sampler != nil && !c.sampler.ShouldSample(ctx) {
		return
	}
	c.logger.Warn("evohome: skipping resource", "kind", kind, "id", id, "reason", reason)
}

// warnInvalidSchema logs, at the sampled rate for kind, that a server
// response failed schema validation. Per the package's InvalidSchema
// contract this is non-fatal: the caller still applies whatever fields it
// parsed, this only downgrades the mismatch to a warning.
func (c *Client) warnInvalidSchema(kind, id string, err error) {
	ctx := withResourceKind(context.Background(), kind)
	if c.sampler != nil && !c.sampler.ShouldSample(ctx) {
		return
	}
	c.logger.Warn("evohome: schema validation failed", "kind", kind, "id", id, "error", err)
}

// NewClient builds a Client from cfg, authenticating lazily on first use.
// AuthVersion selects which of the two flows (v0 session id or v2 OAuth)
// the client authenticates with; everything else in Config applies to
// either flow as relevant.
func NewClient(cfg *Config, version AuthVersion, opts ...Option) (*Client, error) {
	cfg, err := prepareConfig(cfg)
	if err != nil {
		return nil, err
	}
	options := applyOptions(opts)
	return buildClient(cfg, version, options)
}

// AuthVersion selects which TCC API a Client authenticates against.
type AuthVersion int

const (
	// AuthV0 uses the legacy session-id API.
	AuthV0 AuthVersion = iota
	// AuthV2 uses the OAuth API.
	AuthV2
)

func prepareConfig(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, ErrNilConfig
	}
	cfg = cfg.Clone()
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("evohome: invalid config: %w", err)
	}
	return cfg, nil
}

func buildClient(cfg *Config, version AuthVersion, options *Options) (*Client, error) {
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := options.Observer
	if observer == nil {
		observer = xmetrics.NoopObserver{}
	}

	var store *FileCredentialStore
	if cfg.CacheFilePath != "" {
		var err error
		store, err = NewFileCredentialStore(cfg.CacheFilePath)
		if err != nil {
			return nil, err
		}
	}

	credCache := newCredentialCache(credentialCacheConfig{
		Remote:             options.Cache,
		EnableLocal:        options.EnableLocalCache,
		MaxLocalSize:       options.LocalCacheMaxSize,
		LocalCacheTTL:      options.LocalCacheTTL,
		EnableSingleflight: options.EnableSingleflight,
	})

	rawHTTP := newRawClient(rawClientConfig{
		Timeout:   cfg.Timeout,
		TLSConfig: cfg.TLS,
		Client:    options.HTTPClient,
		Observer:  observer,
	})

	var req *requester
	switch version {
	case AuthV0:
		host := cfg.effectiveHostV0()
		session := newSessionManager(sessionManagerConfig{
			HTTPClient: rawHTTP,
			Host:       host,
			Username:   cfg.Username,
			Password:   cfg.Password,
			Cache:      credCache,
			Store:      store,
			Logger:     logger,
			Observer:   observer,
			SessionTTL: cfg.SessionTTL,
		})
		req = newRequester(requesterConfig{
			HTTPClient:     rawHTTP,
			Host:           host,
			Version:        authV0,
			Session:        session,
			Observer:       observer,
			AutoRetryOn401: options.EnableAutoRetryOn401,
		})

	case AuthV2:
		host := cfg.effectiveHostV2()
		oauth := newOAuthManager(oauthManagerConfig{
			HTTPClient:       rawHTTP,
			Host:             host,
			Username:         cfg.Username,
			Password:         cfg.Password,
			ClientID:         cfg.ClientIDV2,
			ClientSecret:     cfg.ClientSecretV2,
			Cache:            credCache,
			Store:            store,
			Logger:           logger,
			Observer:         observer,
			RefreshThreshold: cfg.RefreshThreshold,
		})
		req = newRequester(requesterConfig{
			HTTPClient:     rawHTTP,
			Host:           host,
			Version:        authV2,
			OAuth:          oauth,
			Observer:       observer,
			AutoRetryOn401: options.EnableAutoRetryOn401,
		})

	default:
		return nil, fmt.Errorf("%w: unknown auth version %d", ErrInvalidConfig, version)
	}

	sampler := xsampling.NewKeyBasedSampler(invalidIDSampleRate, func(ctx context.Context) string {
		return resourceKindFromContext(ctx)
	})

	return &Client{
		config:    cfg,
		options:   options,
		requester: req,
		cache:     credCache,
		store:     store,
		tree:      newTree(),
		logger:    logger,
		observer:  observer,
		sampler:   sampler,
	}, nil
}

// Account returns the account info loaded by the last full Refresh, or nil
// if Refresh has never run.
func (c *Client) Account() *UserAccount {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.account
}

// Locations returns every known location. Call Refresh at least once before
// relying on this returning anything.
func (c *Client) Locations() []*Location { return c.tree.Locations() }

// Location looks up a location by id.
func (c *Client) Location(id string) *Location { return c.tree.Location(id) }

// Gateway looks up a gateway by id.
func (c *Client) Gateway(id string) *Gateway { return c.tree.Gateway(id) }

// ControlSystem looks up a control system by id.
func (c *Client) ControlSystem(id string) *ControlSystem { return c.tree.ControlSystem(id) }

// Zone looks up a zone by id.
func (c *Client) Zone(id string) *Zone { return c.tree.Zone(id) }

// HotWater looks up a DHW zone by id.
func (c *Client) HotWater(id string) *HotWater { return c.tree.HotWater(id) }

// ZoneByName looks up a zone by its display name.
func (c *Client) ZoneByName(name string) (*Zone, error) { return c.tree.ZoneByName(name) }

// AllControlSystems returns every known control system.
func (c *Client) AllControlSystems() []*ControlSystem { return c.tree.AllControlSystems() }

// SingleControlSystem returns the account's one control system, or
// ErrNoSingleTcs if there isn't exactly one.
func (c *Client) SingleControlSystem() (*ControlSystem, error) { return c.tree.SingleControlSystem() }

// ZonesOf returns the zones belonging to a control system.
func (c *Client) ZonesOf(cs *ControlSystem) []*Zone { return c.tree.ZonesOf(cs) }

// HotWaterOf returns the DHW zone belonging to a control system, if any.
func (c *Client) HotWaterOf(cs *ControlSystem) (*HotWater, bool) { return c.tree.HotWaterOf(cs) }

// oauthManager exposes the v2 credential manager for tests; nil on a v0 client.
func (c *Client) oauthManager() *oauthManager { return c.requester.oauth }

// sessionManager exposes the v0 credential manager for tests; nil on a v2 client.
func (c *Client) sessionManager() *sessionManager { return c.requester.session }

// Close releases the client's local caches. It does not invalidate
// server-side sessions or revoke OAuth tokens.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.cache.Clear()
	return nil
}

// startSpan begins an instrumentation span for a client-level operation.
func (c *Client) startSpan(ctx context.Context, operation string) (context.Context, xmetrics.Span) {
	return xmetrics.Start(ctx, c.observer, xmetrics.SpanOptions{
		Component: MetricsComponent,
		Operation: operation,
		Kind:      xmetrics.KindClient,
	})
}

// resultOf adapts a plain error into the xmetrics.Result a span expects.
func resultOf(err error) xmetrics.Result {
	return xmetrics.Result{Err: err}
}
