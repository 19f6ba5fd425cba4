// Package cache provides generic in-process key-value cache with loading, expiry and eviction.
// Focused on resilient and race-free operation on top of external sources.
//
// Features:
//
//   - Bounded capacity by entry count or total weight with CLOCK eviction.
//   - Concurrent loads of a key are collapsed into a single loader call.
//   - Expiry after write or by custom policy, sharp or with timer lag.
//   - Refresh ahead reloads values before they expire without blocking readers.
//   - Load failures are retried with exponential backoff while previous value is served.
//   - Atomic read-modify-write of an entry with Invoke.
//   - Sync and async event listeners, write-through Writer.
//   - Logging with ctxd.Logger and metrics with stats.Tracker.
//   - Allows mass expiration and removal (drop cache).
package cache
