package evohome

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/evohome-go/evohome/pkg/util/xfile"
	"github.com/evohome-go/evohome/pkg/util/xkeylock"
)

// cleanThreshold is how close to expiry a cached credential must be before
// FileCredentialStore drops it on save, so the file never accumulates
// sessions that are effectively already dead.
const cleanThreshold = 15 * time.Second

// sessionFileEntry is the on-disk shape of a v0 session credential.
type sessionFileEntry struct {
	SessionID       string `json:"session_id"`
	SessionIDExpiry string `json:"session_id_expires"`
}

// oauthFileEntry is the on-disk shape of a v2 OAuth credential.
type oauthFileEntry struct {
	AccessToken       string `json:"access_token"`
	AccessTokenExpiry string `json:"access_token_expires"`
	RefreshToken      string `json:"refresh_token"`
}

// cacheFileEntry is one client id's persisted credentials. Both fields are
// independent: a process may hold a v0 session and a v2 OAuth token for the
// same client id at once, and saving one must never disturb the other.
type cacheFileEntry struct {
	SessionID   *sessionFileEntry `json:"session_id,omitempty"`
	AccessToken *oauthFileEntry   `json:"access_token,omitempty"`
}

func (e cacheFileEntry) empty() bool {
	return e.SessionID == nil && e.AccessToken == nil
}

func toSessionFileEntry(c *SessionCredential) *sessionFileEntry {
	if c == nil {
		return nil
	}
	return &sessionFileEntry{
		SessionID:       c.SessionID,
		SessionIDExpiry: c.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

func fromSessionFileEntry(e *sessionFileEntry) *SessionCredential {
	if e == nil {
		return nil
	}
	expiry, _ := time.Parse(time.RFC3339, e.SessionIDExpiry)
	return &SessionCredential{SessionID: e.SessionID, ExpiresAt: expiry}
}

func toOAuthFileEntry(c *OAuthCredential) *oauthFileEntry {
	if c == nil {
		return nil
	}
	return &oauthFileEntry{
		AccessToken:       c.AccessToken,
		AccessTokenExpiry: c.ExpiresAt.UTC().Format(time.RFC3339),
		RefreshToken:      c.RefreshToken,
	}
}

func fromOAuthFileEntry(e *oauthFileEntry) *OAuthCredential {
	if e == nil {
		return nil
	}
	expiry, _ := time.Parse(time.RFC3339, e.AccessTokenExpiry)
	return &OAuthCredential{AccessToken: e.AccessToken, ExpiresAt: expiry, RefreshToken: e.RefreshToken}
}

func sessionEntryExpiry(e *sessionFileEntry) time.Time {
	if e == nil {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, e.SessionIDExpiry)
	return t
}

func oauthEntryExpiry(e *oauthFileEntry) time.Time {
	if e == nil {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339, e.AccessTokenExpiry)
	return t
}

// cacheFile is the on-disk document: one entry per client id.
type cacheFile map[string]cacheFileEntry

// FileCredentialStore persists credentials to a single JSON file shared by
// every client id the process uses, pretty-printed and pruned of
// near-expired entries on every save.
type FileCredentialStore struct {
	path string
	lock xkeylock.KeyLock
}

// the whole file is protected by one key, since every Save reads, mutates
// and rewrites the entire document.
const fileLockKey = "cache-file"

// NewFileCredentialStore builds a store backed by the file at path. The
// file is created on first Save; it does not need to exist yet.
func NewFileCredentialStore(path string) (*FileCredentialStore, error) {
	if err := xfile.EnsureDir(path); err != nil {
		return nil, fmt.Errorf("evohome: preparing cache file directory: %w", err)
	}
	return &FileCredentialStore{
		path: path,
		lock: xkeylock.New(),
	}, nil
}

func (s *FileCredentialStore) readFile() (cacheFile, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return cacheFile{}, nil
		}
		return nil, fmt.Errorf("evohome: reading cache file: %w", err)
	}
	if len(data) == 0 {
		return cacheFile{}, nil
	}
	var doc cacheFile
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("evohome: parsing cache file: %w", err)
	}
	if doc == nil {
		doc = cacheFile{}
	}
	return doc, nil
}

func (s *FileCredentialStore) writeFile(doc cacheFile, now time.Time) error {
	cleaned := cleanCacheFile(doc, now)
	data, err := json.MarshalIndent(cleaned, "", "    ")
	if err != nil {
		return fmt.Errorf("evohome: encoding cache file: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("evohome: writing cache file: %w", err)
	}
	return nil
}

// cleanCacheFile drops any credential that would expire within
// cleanThreshold, and drops a client id's entry entirely once both of its
// credentials are gone.
func cleanCacheFile(doc cacheFile, now time.Time) cacheFile {
	cutoff := now.Add(cleanThreshold)
	cleaned := make(cacheFile, len(doc))
	for clientID, entry := range doc {
		if entry.SessionID != nil && sessionEntryExpiry(entry.SessionID).Before(cutoff) {
			entry.SessionID = nil
		}
		if entry.AccessToken != nil && oauthEntryExpiry(entry.AccessToken).Before(cutoff) {
			entry.AccessToken = nil
		}
		if !entry.empty() {
			cleaned[clientID] = entry
		}
	}
	return cleaned
}

// Load returns the persisted credential for clientID/kind, or ErrCacheMiss
// if none is stored. It does not check expiry: an entry that has expired
// since the last save is returned as stored.
func (s *FileCredentialStore) Load(ctx context.Context, clientID string, kind CredentialKind) (*Credential, error) {
	handle, err := s.lock.Acquire(ctx, fileLockKey)
	if err != nil {
		return nil, fmt.Errorf("evohome: acquiring cache file lock: %w", err)
	}
	defer handle.Unlock() //nolint:errcheck

	doc, err := s.readFile()
	if err != nil {
		return nil, err
	}
	entry, ok := doc[clientID]
	if !ok {
		return nil, ErrCacheMiss
	}

	switch kind {
	case SessionCredentialKind:
		if entry.SessionID == nil {
			return nil, ErrCacheMiss
		}
		return &Credential{Kind: kind, Session: fromSessionFileEntry(entry.SessionID)}, nil
	case OAuthCredentialKind:
		if entry.AccessToken == nil {
			return nil, ErrCacheMiss
		}
		return &Credential{Kind: kind, OAuth: fromOAuthFileEntry(entry.AccessToken)}, nil
	default:
		return nil, ErrCacheMiss
	}
}

// Save persists cred under clientID/kind, leaving every other client id's
// entry and the other credential kind for this client id untouched.
func (s *FileCredentialStore) Save(ctx context.Context, clientID string, kind CredentialKind, cred *Credential) error {
	handle, err := s.lock.Acquire(ctx, fileLockKey)
	if err != nil {
		return fmt.Errorf("evohome: acquiring cache file lock: %w", err)
	}
	defer handle.Unlock() //nolint:errcheck

	doc, err := s.readFile()
	if err != nil {
		return err
	}
	entry := doc[clientID]
	switch kind {
	case SessionCredentialKind:
		entry.SessionID = toSessionFileEntry(cred.Session)
	case OAuthCredentialKind:
		entry.AccessToken = toOAuthFileEntry(cred.OAuth)
	}
	doc[clientID] = entry

	return s.writeFile(doc, time.Now())
}

// Delete removes clientID's credential of the given kind, if present.
func (s *FileCredentialStore) Delete(ctx context.Context, clientID string, kind CredentialKind) error {
	handle, err := s.lock.Acquire(ctx, fileLockKey)
	if err != nil {
		return fmt.Errorf("evohome: acquiring cache file lock: %w", err)
	}
	defer handle.Unlock() //nolint:errcheck

	doc, err := s.readFile()
	if err != nil {
		return err
	}
	entry, ok := doc[clientID]
	if !ok {
		return nil
	}
	switch kind {
	case SessionCredentialKind:
		entry.SessionID = nil
	case OAuthCredentialKind:
		entry.AccessToken = nil
	}
	if entry.empty() {
		delete(doc, clientID)
	} else {
		doc[clientID] = entry
	}
	return s.writeFile(doc, time.Now())
}
