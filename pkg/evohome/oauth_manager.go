package evohome

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/evohome-go/evohome/pkg/observability/xmetrics"
)

const oauthScope = "EMEA-V1-Basic EMEA-V1-Anonymous"

// oauthManager drives the v2 OAuth state machine: Empty -> ValidAccess ->
// ExpiredAccess(WithRefresh) -> ValidAccess, with a fallback edge from
// ExpiredAccess(WithRefresh) back to Empty when the refresh token itself is
// rejected.
type oauthManager struct {
	httpClient *rawClient
	host       string
	clientID   string // username, doubles as the cache/store key

	username string
	password string

	appClientID     string
	appClientSecret string

	cache *credentialCache
	store *FileCredentialStore

	logger   *slog.Logger
	observer xmetrics.Observer

	refreshThreshold time.Duration

	mu   sync.Mutex
	cred *OAuthCredential

	sf singleflight.Group
}

type oauthManagerConfig struct {
	HTTPClient       *rawClient
	Host             string
	Username         string
	Password         string
	ClientID         string
	ClientSecret     string
	Cache            *credentialCache
	Store            *FileCredentialStore
	Logger           *slog.Logger
	Observer         xmetrics.Observer
	RefreshThreshold time.Duration
}

func newOAuthManager(cfg oauthManagerConfig) *oauthManager {
	threshold := cfg.RefreshThreshold
	if threshold <= 0 {
		threshold = DefaultRefreshThreshold
	}
	return &oauthManager{
		httpClient:       cfg.HTTPClient,
		host:             cfg.Host,
		clientID:         cfg.Username,
		username:         cfg.Username,
		password:         cfg.Password,
		appClientID:      cfg.ClientID,
		appClientSecret:  cfg.ClientSecret,
		cache:            cfg.Cache,
		store:            cfg.Store,
		logger:           cfg.Logger,
		observer:         cfg.Observer,
		refreshThreshold: threshold,
	}
}

// oauthTokenResponse is the JSON body of a successful token grant.
type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token"`
}

// oauthErrorResponse is the JSON body of a rejected token grant.
type oauthErrorResponse struct {
	Error string `json:"error"`
}

// GetAccessToken returns a valid access token, refreshing or re-acquiring
// via password grant as needed.
func (m *oauthManager) GetAccessToken(ctx context.Context) (string, error) {
	ctx, span := xmetrics.Start(ctx, m.observer, xmetrics.SpanOptions{
		Component: MetricsComponent,
		Operation: MetricsOpGetAccessToken,
		Kind:      xmetrics.KindClient,
		Attrs:     []xmetrics.Attr{{Key: MetricsAttrClientID, Value: m.clientID}},
	})
	var err error
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	if cred := m.validCredential(); cred != nil {
		return cred.AccessToken, nil
	}

	result, sfErr, _ := m.sf.Do(m.clientID, func() (any, error) {
		if cred := m.validCredential(); cred != nil {
			return cred.AccessToken, nil
		}
		return m.acquireToken(ctx)
	})
	if sfErr != nil {
		err = sfErr
		return "", err
	}
	token, _ := result.(string)
	return token, nil
}

// validCredential returns the current access token if it expires more than
// 15s from now, checking memory, then the shared cache tiers, then the
// on-disk store. refreshThreshold is not consulted. Any failure reading
// the store (including a corrupted cache file) is treated as a miss: the
// caller falls through to a fresh password grant rather than propagating
// the read error.
func (m *oauthManager) validCredential() *OAuthCredential {
	m.mu.Lock()
	cred := m.cred
	m.mu.Unlock()

	now := time.Now()
	if cred != nil && cred.ExpiresAt.After(now.Add(15*time.Second)) {
		return cred
	}

	if m.cache != nil {
		cached, err := m.cache.Get(context.Background(), m.clientID, OAuthCredentialKind)
		if err == nil && cached != nil && cached.OAuth != nil && cached.OAuth.ExpiresAt.After(now.Add(15*time.Second)) {
			m.mu.Lock()
			m.cred = cached.OAuth
			m.mu.Unlock()
			return cached.OAuth
		}
	}

	if m.store != nil {
		stored, err := m.store.Load(context.Background(), m.clientID, OAuthCredentialKind)
		if err == nil && stored != nil && stored.OAuth != nil && stored.OAuth.ExpiresAt.After(now.Add(15*time.Second)) {
			m.mu.Lock()
			m.cred = stored.OAuth
			m.mu.Unlock()
			if m.cache != nil {
				_ = m.cache.Set(context.Background(), m.clientID, OAuthCredentialKind, stored, time.Until(stored.OAuth.ExpiresAt)) //nolint:errcheck
			}
			return stored.OAuth
		}
	}

	return nil
}

// acquireToken attempts a refresh_token grant if a refresh token is on
// hand, falling back to a fresh password grant on rejection.
func (m *oauthManager) acquireToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	current := m.cred
	m.mu.Unlock()

	if current != nil && current.RefreshToken != "" {
		cred, err := m.refreshGrant(ctx, current.RefreshToken)
		if err == nil {
			return cred.AccessToken, nil
		}
		if isInvalidGrant(err) {
			m.logger.Debug("evohome: refresh token rejected, falling back to password grant")
		} else {
			return "", err
		}
	}

	cred, err := m.passwordGrant(ctx)
	if err != nil {
		return "", err
	}
	return cred.AccessToken, nil
}

// errInvalidGrant is a sentinel used internally to detect an invalid_grant
// rejection without inspecting error strings at the call site.
var errInvalidGrant = fmt.Errorf("evohome: invalid_grant")

func isInvalidGrant(err error) bool {
	return err == errInvalidGrant
}

func (m *oauthManager) passwordGrant(ctx context.Context) (*OAuthCredential, error) {
	form := url.Values{}
	form.Set("grant_type", "password")
	form.Set("username", m.username)
	form.Set("password", m.password)
	form.Set("scope", oauthScope)
	return m.doGrant(ctx, form)
}

func (m *oauthManager) refreshGrant(ctx context.Context, refreshToken string) (*OAuthCredential, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("scope", oauthScope)
	return m.doGrant(ctx, form)
}

func (m *oauthManager) doGrant(ctx context.Context, form url.Values) (*OAuthCredential, error) {
	basic := base64.StdEncoding.EncodeToString([]byte(m.appClientID + ":" + m.appClientSecret))
	headers := map[string]string{
		"Authorization": "Basic " + basic,
		"Content-Type":  "application/x-www-form-urlencoded",
	}

	resp, err := m.httpClient.do(ctx, "POST", m.host+"/Auth/OAuth/Token", headers, form.Encode())
	if err != nil {
		m.clearCredential(ctx)
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	switch {
	case resp.StatusCode == 200:
		var body oauthTokenResponse
		if decErr := resp.decodeJSON(&body); decErr != nil {
			m.clearCredential(ctx)
			return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, decErr)
		}
		cred := &OAuthCredential{
			AccessToken:  body.AccessToken,
			RefreshToken: body.RefreshToken,
			TokenType:    body.TokenType,
			ExpiresAt:    time.Now().Add(time.Duration(body.ExpiresIn) * time.Second),
		}
		m.setCredential(cred)
		m.persist(ctx, cred)
		return cred, nil

	case resp.StatusCode == 400:
		var body oauthErrorResponse
		_ = resp.decodeJSON(&body) //nolint:errcheck
		if body.Error == "invalid_grant" {
			if form.Get("grant_type") == "refresh_token" {
				m.clearRefreshToken(ctx)
				return nil, errInvalidGrant
			}
			return nil, ErrBadUserCredentials
		}
		return nil, ErrAuthenticationFailed

	case resp.StatusCode == 429:
		return nil, ErrRateLimitExceeded

	default:
		return nil, fmt.Errorf("%w: status %d", ErrAuthenticationFailed, resp.StatusCode)
	}
}

func (m *oauthManager) setCredential(cred *OAuthCredential) {
	m.mu.Lock()
	m.cred = cred
	m.mu.Unlock()
}

func (m *oauthManager) clearCredential(ctx context.Context) {
	m.setCredential(nil)
	if m.cache != nil {
		_ = m.cache.Delete(ctx, m.clientID, OAuthCredentialKind) //nolint:errcheck
	}
}

// clearRefreshToken drops just the refresh token, keeping any still-valid
// access token the caller might otherwise want to keep presenting.
func (m *oauthManager) clearRefreshToken(ctx context.Context) {
	m.mu.Lock()
	if m.cred != nil {
		m.cred.RefreshToken = ""
	}
	m.mu.Unlock()
	_ = ctx
}

func (m *oauthManager) persist(ctx context.Context, cred *OAuthCredential) {
	wrapped := &Credential{Kind: OAuthCredentialKind, OAuth: cred}
	ttl := time.Until(cred.ExpiresAt)
	if m.cache != nil {
		if err := m.cache.Set(ctx, m.clientID, OAuthCredentialKind, wrapped, ttl); err != nil {
			m.logger.Warn("evohome: caching oauth credential failed", "error", err)
		}
	}
	if m.store != nil {
		if err := m.store.Save(ctx, m.clientID, OAuthCredentialKind, wrapped); err != nil {
			m.logger.Warn("evohome: persisting oauth credential failed", "error", err)
		}
	}
}

// Invalidate clears the in-memory and cached access token, forcing the
// next GetAccessToken call to refresh or re-acquire.
func (m *oauthManager) Invalidate(ctx context.Context) {
	m.clearCredential(ctx)
}
