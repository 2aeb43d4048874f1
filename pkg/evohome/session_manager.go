package evohome

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/evohome-go/evohome/pkg/observability/xmetrics"
)

// sessionState is the v0 session id's lifecycle. sessionExpired is
// declared but never assigned: an expired session keeps sessionValid and is
// recognised from its ExpiresAt, which triggers re-authentication.
type sessionState int

const (
	sessionEmpty sessionState = iota
	sessionValid
	sessionExpired
)

// sessionManager drives the v0 legacy session-id state machine: Empty ->
// Valid on a successful login, back to Empty on Invalidate or a failed
// login. A single instance is shared by every caller of
// a given client id.
type sessionManager struct {
	httpClient *rawClient
	host       string
	clientID   string // username, doubles as the cache/store key
	username   string
	password   string

	cache *credentialCache
	store *FileCredentialStore

	logger   *slog.Logger
	observer xmetrics.Observer

	sessionTTL time.Duration

	mu    sync.Mutex
	state sessionState
	cred  *SessionCredential

	sf singleflight.Group
}

type sessionManagerConfig struct {
	HTTPClient *rawClient
	Host       string
	Username   string
	Password   string
	Cache      *credentialCache
	Store      *FileCredentialStore
	Logger     *slog.Logger
	Observer   xmetrics.Observer
	SessionTTL time.Duration
}

func newSessionManager(cfg sessionManagerConfig) *sessionManager {
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &sessionManager{
		httpClient: cfg.HTTPClient,
		host:       cfg.Host,
		clientID:   cfg.Username,
		username:   cfg.Username,
		password:   cfg.Password,
		cache:      cfg.Cache,
		store:      cfg.Store,
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		sessionTTL: ttl,
		state:      sessionEmpty,
	}
}

// GetSessionID returns the current session id, authenticating or
// re-authenticating as needed.
func (m *sessionManager) GetSessionID(ctx context.Context) (string, error) {
	ctx, span := xmetrics.Start(ctx, m.observer, xmetrics.SpanOptions{
		Component: MetricsComponent,
		Operation: MetricsOpGetSession,
		Kind:      xmetrics.KindClient,
		Attrs:     []xmetrics.Attr{{Key: MetricsAttrClientID, Value: m.clientID}},
	})
	var err error
	defer func() { span.End(xmetrics.Result{Err: err}) }()

	if cred := m.validCredential(); cred != nil {
		return cred.SessionID, nil
	}

	result, sfErr, _ := m.sf.Do(m.clientID, func() (any, error) {
		if cred := m.validCredential(); cred != nil {
			return cred.SessionID, nil
		}
		return m.requestSession(ctx)
	})
	if sfErr != nil {
		err = sfErr
		return "", err
	}
	sessionID, _ := result.(string)
	return sessionID, nil
}

// validCredential returns the cached session credential if present and not
// expired, checking memory, then the shared cache tiers, then the on-disk
// store. Any failure reading the store (including a corrupted cache file)
// is treated as a miss: the caller falls through to a fresh login rather
// than propagating the read error.
func (m *sessionManager) validCredential() *SessionCredential {
	m.mu.Lock()
	cred := m.cred
	state := m.state
	m.mu.Unlock()

	now := time.Now()
	if state == sessionValid && cred != nil && cred.ExpiresAt.After(now) {
		return cred
	}

	if m.cache != nil {
		cached, err := m.cache.Get(context.Background(), m.clientID, SessionCredentialKind)
		if err == nil && cached != nil && cached.Session != nil && cached.Session.ExpiresAt.After(now) {
			m.setState(sessionValid, cached.Session)
			return cached.Session
		}
	}

	if m.store != nil {
		stored, err := m.store.Load(context.Background(), m.clientID, SessionCredentialKind)
		if err == nil && stored != nil && stored.Session != nil && stored.Session.ExpiresAt.After(now) {
			m.setState(sessionValid, stored.Session)
			if m.cache != nil {
				_ = m.cache.Set(context.Background(), m.clientID, SessionCredentialKind, stored, time.Until(stored.Session.ExpiresAt)) //nolint:errcheck
			}
			return stored.Session
		}
	}

	return nil
}

// sessionResponse is the body of a successful session POST.
type sessionResponse struct {
	SessionID string `json:"sessionId"`
}

// sessionErrorBody is the body of a rejected session POST.
type sessionErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (m *sessionManager) requestSession(ctx context.Context) (string, error) {
	form := url.Values{}
	form.Set("applicationId", ApplicationIDV0)
	form.Set("username", m.username)
	form.Set("password", m.password)

	headers := map[string]string{
		"Content-Type": "application/x-www-form-urlencoded",
	}

	resp, err := m.httpClient.do(ctx, "POST", m.host+"/WebAPI/api/session", headers, form.Encode())
	if err != nil {
		m.setState(sessionEmpty, nil)
		return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}

	switch {
	case resp.StatusCode == 200:
		var body sessionResponse
		if decErr := resp.decodeJSON(&body); decErr != nil {
			m.setState(sessionEmpty, nil)
			return "", fmt.Errorf("%w: %v", ErrAuthenticationFailed, decErr)
		}
		cred := &SessionCredential{
			SessionID: body.SessionID,
			ExpiresAt: time.Now().Add(m.sessionTTL),
		}
		m.persist(ctx, cred)
		m.setState(sessionValid, cred)
		return cred.SessionID, nil

	case resp.StatusCode == 401:
		var body sessionErrorBody
		_ = resp.decodeJSON(&body) //nolint:errcheck
		m.setState(sessionEmpty, nil)
		if body.Code == "EmailOrPasswordIncorrect" {
			return "", ErrBadUserCredentials
		}
		return "", ErrAuthenticationFailed

	case resp.StatusCode == 429:
		m.setState(sessionEmpty, nil)
		return "", ErrRateLimitExceeded

	default:
		m.setState(sessionEmpty, nil)
		return "", fmt.Errorf("%w: status %d", ErrAuthenticationFailed, resp.StatusCode)
	}
}

func (m *sessionManager) setState(state sessionState, cred *SessionCredential) {
	m.mu.Lock()
	m.state = state
	m.cred = cred
	m.mu.Unlock()
}

func (m *sessionManager) persist(ctx context.Context, cred *SessionCredential) {
	wrapped := &Credential{Kind: SessionCredentialKind, Session: cred}
	if m.cache != nil {
		if err := m.cache.Set(ctx, m.clientID, SessionCredentialKind, wrapped, m.sessionTTL); err != nil {
			m.logger.Warn("evohome: caching session credential failed", "error", err)
		}
	}
	if m.store != nil {
		if err := m.store.Save(ctx, m.clientID, SessionCredentialKind, wrapped); err != nil {
			m.logger.Warn("evohome: persisting session credential failed", "error", err)
		}
	}
}

// Invalidate clears the in-memory and cached session id, forcing the next
// GetSessionID call to re-authenticate.
func (m *sessionManager) Invalidate(ctx context.Context) {
	m.setState(sessionEmpty, nil)
	if m.cache != nil {
		_ = m.cache.Delete(ctx, m.clientID, SessionCredentialKind) //nolint:errcheck
	}
}
