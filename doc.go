// Package refreshable provides a threadsafe, self-refreshing single-value
// cache.
//
// Features:
//
//  - Holds exactly one value, kept fresh by a background refresh loop.
//  - Per-value cadence: the wait before the next refresh is computed from
//    the value just produced, so TTL can depend on content.
//  - Configurable retry policy on refresh failure; stale values are served
//    while retries are outstanding.
//  - Readers always observe a value, tagged with its refresh status
//    (fresh, failed-with-stale, or cancelled) — never "no value".
//  - Cancel/restart lifecycle control, race-safe with a single winner.
//  - An updates stream of every status change since subscription start,
//    with a bounded per-subscriber backlog and lag signalling.
//  - Optional structured, contextual logging via github.com/bool64/ctxd.
package refreshable
