package evohome

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/evohome-go/evohome/pkg/observability/xmetrics"
)

// Options holds the client's optional configuration, set via functional Option values.
type Options struct {
	// Cache is an optional L2 credential cache (e.g. Redis-backed). Nil
	// means no L2 tier.
	Cache CacheStore

	// HTTPClient overrides the client's transport entirely. When set,
	// Config.TLS and Config.Timeout no longer apply.
	HTTPClient *http.Client

	// Logger receives structured logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Observer receives span/metric instrumentation. Defaults to a no-op.
	Observer xmetrics.Observer

	// EnableLocalCache enables the in-process L1 credential cache. Default true.
	EnableLocalCache bool

	// LocalCacheMaxSize bounds the L1 cache's entry count. Default 100.
	LocalCacheMaxSize int

	// LocalCacheTTL overrides the L1 cache TTL. Defaults to DefaultLocalCacheTTL.
	LocalCacheTTL time.Duration

	// EnableSingleflight dedupes concurrent credential fetches for the same
	// client id. Default true.
	EnableSingleflight bool

	// EnableAutoRetryOn401 retries a request exactly once, after
	// invalidating the cached credential, when the server returns 401.
	// Default true.
	EnableAutoRetryOn401 bool
}

// Option configures a Client at construction time.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		Logger:               slog.Default(),
		Observer:             xmetrics.NoopObserver{},
		EnableLocalCache:     true,
		LocalCacheMaxSize:    100,
		EnableSingleflight:   true,
		EnableAutoRetryOn401: true,
	}
}

func applyOptions(opts []Option) *Options {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// WithCache sets the optional L2 credential cache.
func WithCache(cache CacheStore) Option {
	return func(o *Options) { o.Cache = cache }
}

// WithHTTPClient overrides the client's transport.
func WithHTTPClient(client *http.Client) Option {
	return func(o *Options) { o.HTTPClient = client }
}

// WithLogger sets the structured logger. A nil logger is ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithObserver sets the metrics/tracing observer. A nil observer is ignored.
func WithObserver(observer xmetrics.Observer) Option {
	return func(o *Options) {
		if observer != nil {
			o.Observer = observer
		}
	}
}

// WithLocalCache toggles the in-process L1 credential cache.
func WithLocalCache(enable bool) Option {
	return func(o *Options) { o.EnableLocalCache = enable }
}

// WithLocalCacheMaxSize bounds the L1 cache's entry count.
func WithLocalCacheMaxSize(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.LocalCacheMaxSize = size
		}
	}
}

// WithLocalCacheTTL overrides the L1 cache TTL.
func WithLocalCacheTTL(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.LocalCacheTTL = d
		}
	}
}

// WithSingleflight toggles deduplication of concurrent credential fetches.
func WithSingleflight(enable bool) Option {
	return func(o *Options) { o.EnableSingleflight = enable }
}

// WithAutoRetryOn401 toggles the exactly-once retry on 401.
func WithAutoRetryOn401(enable bool) Option {
	return func(o *Options) { o.EnableAutoRetryOn401 = enable }
}
