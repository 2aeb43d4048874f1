package evohome

import (
	"errors"
	"fmt"
)

// Sentinel errors. Use errors.Is against these; concrete failures are
// usually wrapped in *APIError, whose Is() maps HTTP status back to one
// of these sentinels.
var (
	// ErrBadUserCredentials means the server rejected the username/password
	// pair itself (v0: 401 with "EmailOrPasswordIncorrect"; v2: 400 invalid_grant).
	ErrBadUserCredentials = errors.New("evohome: bad user credentials")

	// ErrAuthenticationFailed means authentication failed for a reason other
	// than bad credentials (unexpected response, network error mid-auth, etc).
	ErrAuthenticationFailed = errors.New("evohome: authentication failed")

	// ErrRateLimitExceeded means the vendor's API rate limit was exceeded (429).
	ErrRateLimitExceeded = errors.New("evohome: rate limit exceeded")

	// ErrApiRequestFailed means an authenticated API request failed for a
	// reason unrelated to authentication (4xx/5xx other than 429, including
	// a 401 that was not eligible for the re-auth retry, or a
	// transport-level failure).
	ErrApiRequestFailed = errors.New("evohome: api request failed")

	// ErrInvalidSchema means a server response did not match the expected
	// shape. Per spec this is non-fatal: callers are expected to log and
	// continue with whatever could be parsed.
	ErrInvalidSchema = errors.New("evohome: invalid schema")

	// ErrInvalidConfig means the supplied Config failed validation.
	ErrInvalidConfig = errors.New("evohome: invalid config")

	// ErrNoSingleTcs means the account's installation does not have exactly
	// one temperature control system, so a single-TCS convenience lookup
	// cannot resolve unambiguously.
	ErrNoSingleTcs = errors.New("evohome: no single temperature control system")

	// ErrClientClosed means the client has been closed and can no longer be used.
	ErrClientClosed = errors.New("evohome: client closed")

	// ErrNilConfig means a nil *Config was supplied to NewClient.
	ErrNilConfig = errors.New("evohome: nil config")

	// ErrCacheMiss means the requested entry is not present in a cache tier.
	ErrCacheMiss = errors.New("evohome: cache miss")

	// ErrNoCredential means no credential of the requested kind is held or
	// cached for the client id.
	ErrNoCredential = errors.New("evohome: no credential available")
)

// APIError wraps a failed HTTP call with its status code and any message
// the server returned, and maps that status back onto the sentinel errors
// above via Is so callers can use errors.Is(err, evohome.ErrRateLimitExceeded)
// regardless of which call produced it.
type APIError struct {
	StatusCode int
	Message    string
	Err        error
}

// NewAPIError builds an APIError for the given status/message.
func NewAPIError(statusCode int, message string) *APIError {
	return &APIError{StatusCode: statusCode, Message: message}
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("evohome: api error: status=%d message=%s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("evohome: api error: status=%d", e.StatusCode)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// Is maps the status code onto the package sentinels so errors.Is works
// without callers needing to inspect StatusCode directly.
func (e *APIError) Is(target error) bool {
	switch {
	case e.StatusCode == 429:
		return target == ErrRateLimitExceeded
	case e.StatusCode >= 400:
		return target == ErrApiRequestFailed
	}
	return false
}

// ScheduleError reports that a schedule document failed validation or
// round-trip conversion.
type ScheduleError struct {
	Reason string
	Err    error
}

func (e *ScheduleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("evohome: invalid schedule: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("evohome: invalid schedule: %s", e.Reason)
}

func (e *ScheduleError) Unwrap() error {
	return e.Err
}
