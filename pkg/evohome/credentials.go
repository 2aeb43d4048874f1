package evohome

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CredentialKind distinguishes the two independent credential flows a
// single client id may hold at once.
type CredentialKind int

const (
	// SessionCredentialKind is the legacy v0 session id.
	SessionCredentialKind CredentialKind = iota
	// OAuthCredentialKind is the v2 OAuth access/refresh token pair.
	OAuthCredentialKind
)

func (k CredentialKind) String() string {
	switch k {
	case SessionCredentialKind:
		return "session"
	case OAuthCredentialKind:
		return "oauth"
	default:
		return "unknown"
	}
}

// SessionCredential is a v0 session id and its assumed expiry.
type SessionCredential struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// OAuthCredential is a v2 OAuth access/refresh token pair.
type OAuthCredential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	TokenType    string    `json:"tokenType"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Credential is the cacheable union of the two credential kinds. Exactly
// one of Session/OAuth is set, matching Kind.
type Credential struct {
	Kind    CredentialKind     `json:"kind"`
	Session *SessionCredential `json:"session,omitempty"`
	OAuth   *OAuthCredential   `json:"oauth,omitempty"`
}

// ExpiresAt returns the credential's expiry regardless of kind.
func (c *Credential) ExpiresAt() time.Time {
	if c == nil {
		return time.Time{}
	}
	if c.Session != nil {
		return c.Session.ExpiresAt
	}
	if c.OAuth != nil {
		return c.OAuth.ExpiresAt
	}
	return time.Time{}
}

// Expired reports whether the credential has passed its expiry as of now.
func (c *Credential) Expired(now time.Time) bool {
	exp := c.ExpiresAt()
	return exp.IsZero() || !now.Before(exp)
}

// CacheStore is the L2 (remote, shared) tier of the credential cache. A nil
// Options.Cache means no L2 tier is used; NoopCacheStore is supplied when
// callers want an explicit no-op instead of a nil check.
type CacheStore interface {
	// GetCredential returns the cached credential for clientID/kind.
	// Returns ErrCacheMiss, not (nil, nil), when absent.
	GetCredential(ctx context.Context, clientID string, kind CredentialKind) (*Credential, error)

	// SetCredential writes cred for clientID/kind with the given TTL.
	SetCredential(ctx context.Context, clientID string, kind CredentialKind, cred *Credential, ttl time.Duration) error

	// Delete removes any cached credential for clientID/kind.
	Delete(ctx context.Context, clientID string, kind CredentialKind) error
}

// RedisCacheStore is a Redis-backed L2 CacheStore.
type RedisCacheStore struct {
	client    redis.UniversalClient
	keyPrefix string
}

// RedisCacheOption configures a RedisCacheStore.
type RedisCacheOption func(*RedisCacheStore)

// WithKeyPrefix overrides the default "evohome:" key prefix.
func WithKeyPrefix(prefix string) RedisCacheOption {
	return func(s *RedisCacheStore) { s.keyPrefix = prefix }
}

// NewRedisCacheStore builds a RedisCacheStore around an existing client.
func NewRedisCacheStore(client redis.UniversalClient, opts ...RedisCacheOption) *RedisCacheStore {
	s := &RedisCacheStore{client: client, keyPrefix: "evohome:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisCacheStore) key(clientID string, kind CredentialKind) string {
	return fmt.Sprintf("%scred:%s:%s", s.keyPrefix, kind, clientID)
}

func (s *RedisCacheStore) GetCredential(ctx context.Context, clientID string, kind CredentialKind) (*Credential, error) {
	data, err := s.client.Get(ctx, s.key(clientID, kind)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("evohome: redis get failed: %w", err)
	}
	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("evohome: unmarshal credential failed: %w", err)
	}
	return &cred, nil
}

func (s *RedisCacheStore) SetCredential(ctx context.Context, clientID string, kind CredentialKind, cred *Credential, ttl time.Duration) error {
	if cred == nil {
		return nil
	}
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("evohome: marshal credential failed: %w", err)
	}
	if err := s.client.Set(ctx, s.key(clientID, kind), data, ttl).Err(); err != nil {
		return fmt.Errorf("evohome: redis set failed: %w", err)
	}
	return nil
}

func (s *RedisCacheStore) Delete(ctx context.Context, clientID string, kind CredentialKind) error {
	if err := s.client.Del(ctx, s.key(clientID, kind)).Err(); err != nil {
		return fmt.Errorf("evohome: redis del failed: %w", err)
	}
	return nil
}

// NoopCacheStore is a CacheStore with no L2 tier: every read misses, every
// write/delete is a no-op.
type NoopCacheStore struct{}

func (NoopCacheStore) GetCredential(_ context.Context, _ string, _ CredentialKind) (*Credential, error) {
	return nil, ErrCacheMiss
}

func (NoopCacheStore) SetCredential(_ context.Context, _ string, _ CredentialKind, _ *Credential, _ time.Duration) error {
	return nil
}

func (NoopCacheStore) Delete(_ context.Context, _ string, _ CredentialKind) error {
	return nil
}
