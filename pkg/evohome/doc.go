// Package evohome provides an async-style Go client for the Resideo/Honeywell
// Total Connect Comfort cloud HVAC service, covering both the legacy v0
// session-id API and the v2 OAuth API.
//
// # Feature overview
//
//   - Credential management: v0 session id and v2 OAuth access/refresh
//     tokens, each with its own state machine and file-backed persistence
//   - Resource tree: typed Location -> Gateway -> ControlSystem ->
//     {Zone, HotWater} entities, kept up to date by Refresh
//   - Command surface: system mode, zone setpoint, DHW state, schedule
//     get/put, schedule backup/restore
//   - Two-tier credential cache: L1 in-process (xlru) + L2 optional Redis
//
// # Credential persistence
//
// Credentials are persisted to a single JSON file keyed by client id, with
// independent v0/v2 entries per client. Saving always prunes entries that
// would expire within 15 seconds, so the file never accumulates stale
// sessions.
//
// # Concurrency
//
// Concurrent callers requesting a credential for the same client id are
// deduplicated with singleflight: a burst of requests triggers at most one
// re-authentication or refresh call.
//
// # 401 handling
//
// The authenticated requester retries a request exactly once after
// invalidating the cached credential on a 401 response: any 401 from the v2
// API, and from the v0 API only a 401 whose body carries the Unauthorized
// code. It does not retry on any other status.
package evohome
