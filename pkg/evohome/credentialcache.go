package evohome

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/evohome-go/evohome/pkg/util/xlru"
)

// credentialCacheKey identifies a credential independent of a client's
// other credential kind. A single client id commonly holds both a v0
// session and a v2 OAuth token at once, so kind must be part of the key.
type credentialCacheKey struct {
	clientID string
	kind     CredentialKind
}

func (k credentialCacheKey) String() string {
	return fmt.Sprintf("%s:%s", k.kind, k.clientID)
}

// credentialCache is the two-tier cache sitting in front of whatever
// actually authenticates: L1 is an in-process xlru cache, L2 is an
// optional CacheStore (such as RedisCacheStore), and concurrent misses for
// the same key are deduplicated with singleflight.
type credentialCache struct {
	local *xlru.Cache[credentialCacheKey, *Credential]

	remote CacheStore

	sf singleflight.Group

	enableLocal        bool
	enableSingleflight bool
}

// credentialCacheConfig configures a credentialCache.
type credentialCacheConfig struct {
	Remote             CacheStore
	EnableLocal        bool
	MaxLocalSize       int
	LocalCacheTTL      time.Duration
	EnableSingleflight bool
}

func newCredentialCache(cfg credentialCacheConfig) *credentialCache {
	if cfg.MaxLocalSize <= 0 {
		cfg.MaxLocalSize = 100
	}
	if cfg.LocalCacheTTL <= 0 {
		cfg.LocalCacheTTL = DefaultLocalCacheTTL
	}

	remote := cfg.Remote
	if remote == nil {
		remote = NoopCacheStore{}
	}

	cc := &credentialCache{
		remote:             remote,
		enableLocal:        cfg.EnableLocal,
		enableSingleflight: cfg.EnableSingleflight,
	}

	if cfg.EnableLocal {
		local, err := xlru.New[credentialCacheKey, *Credential](xlru.Config{
			Size: cfg.MaxLocalSize,
			TTL:  cfg.LocalCacheTTL,
		})
		if err != nil {
			cc.enableLocal = false
		} else {
			cc.local = local
		}
	}

	return cc
}

// Get returns the cached credential for clientID/kind, trying L1 then L2.
func (c *credentialCache) Get(ctx context.Context, clientID string, kind CredentialKind) (*Credential, error) {
	key := credentialCacheKey{clientID: clientID, kind: kind}

	if c.enableLocal && c.local != nil {
		if cred, ok := c.local.Get(key); ok {
			if cred != nil && !cred.Expired(time.Now()) {
				return cred, nil
			}
			c.local.Delete(key)
		}
	}

	cred, err := c.remote.GetCredential(ctx, clientID, kind)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, ErrCacheMiss
	}

	if c.enableLocal {
		c.setLocal(key, cred)
	}
	return cred, nil
}

// Set writes cred to L1 and L2.
func (c *credentialCache) Set(ctx context.Context, clientID string, kind CredentialKind, cred *Credential, ttl time.Duration) error {
	if cred == nil {
		return nil
	}
	key := credentialCacheKey{clientID: clientID, kind: kind}

	if c.enableLocal {
		c.setLocal(key, cred)
	}

	return c.remote.SetCredential(ctx, clientID, kind, cred, ttl)
}

func (c *credentialCache) setLocal(key credentialCacheKey, cred *Credential) {
	if c.local == nil || cred == nil {
		return
	}
	c.local.Set(key, cred)
}

// Delete removes the cached credential for clientID/kind from both tiers.
func (c *credentialCache) Delete(ctx context.Context, clientID string, kind CredentialKind) error {
	key := credentialCacheKey{clientID: clientID, kind: kind}
	if c.enableLocal && c.local != nil {
		c.local.Delete(key)
	}
	return c.remote.Delete(ctx, clientID, kind)
}

// GetOrLoad returns the cached credential, calling loader on a miss.
// Concurrent callers for the same clientID/kind are deduplicated so a burst
// of requests triggers at most one loader call.
func (c *credentialCache) GetOrLoad(
	ctx context.Context,
	clientID string,
	kind CredentialKind,
	ttl time.Duration,
	loader func(ctx context.Context) (*Credential, error),
) (*Credential, error) {
	if cred, err := c.Get(ctx, clientID, kind); err == nil && cred != nil && !cred.Expired(time.Now()) {
		return cred, nil
	}

	if !c.enableSingleflight {
		return c.loadAndSet(ctx, clientID, kind, ttl, loader)
	}

	sfKey := credentialCacheKey{clientID: clientID, kind: kind}.String()
	result, err, _ := c.sf.Do(sfKey, func() (any, error) {
		if cred, e := c.Get(ctx, clientID, kind); e == nil && cred != nil && !cred.Expired(time.Now()) {
			return cred, nil
		}
		return c.loadAndSet(ctx, clientID, kind, ttl, loader)
	})
	if err != nil {
		return nil, err
	}
	cred, ok := result.(*Credential)
	if !ok {
		return nil, ErrNoCredential
	}
	return cred, nil
}

func (c *credentialCache) loadAndSet(
	ctx context.Context,
	clientID string,
	kind CredentialKind,
	ttl time.Duration,
	loader func(ctx context.Context) (*Credential, error),
) (*Credential, error) {
	cred, err := loader(ctx)
	if err != nil {
		return nil, err
	}
	_ = c.Set(ctx, clientID, kind, cred, ttl) //nolint:errcheck
	return cred, nil
}

// Clear empties the L1 cache.
func (c *credentialCache) Clear() {
	if c.local != nil {
		c.local.Clear()
	}
}

// LocalSize returns the L1 cache's entry count.
func (c *credentialCache) LocalSize() int {
	if c.local == nil {
		return 0
	}
	return c.local.Len()
}
