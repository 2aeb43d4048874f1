package evohome

// Metric component/operation/attribute names, reported through the
// Options.Observer span instrumentation.
const (
	MetricsComponent = "evohome"

	MetricsOpHTTPRequest    = "HTTP"
	MetricsOpGetSession     = "GetSession"
	MetricsOpGetAccessToken = "GetAccessToken"
	MetricsOpRefreshToken   = "RefreshToken"
	MetricsOpRequest        = "Request"
	MetricsOpRefreshTree    = "RefreshTree"

	MetricsAttrClientID    = "client_id"
	MetricsAttrCredKind    = "credential_kind"
	MetricsAttrCacheHit    = "cache_hit"
	MetricsAttrHTTPPath    = "http.path"
	MetricsAttrHTTPMethod  = "http.method"
	MetricsAttrHTTPStatus  = "http.status"
	MetricsAttrRetried     = "retried"
)
