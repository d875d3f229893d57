// Package upstream wraps every network call made by the resolver.
//
// A Client is created per upstream (Solana RPC, each price API, pool index) and applies:
//   - a frequency cap (token bucket) and a concurrency cap shared by all callers
//   - a hard per-attempt timeout
//   - retry of rate-limited, timed-out and 5xx attempts under a RetryPolicy,
//     honoring server retry-after hints
//
// Exhausted or non-retryable failures surface as *Error, which matches one of
// ErrNotFound, ErrRateLimited, ErrTimeout or ErrUpstream via errors.Is.
package upstream
