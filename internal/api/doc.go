// Package api provides the JSON-over-HTTP client shared by the price sources
// and the pool index lister.
//
// A Client owns a base URL and static headers (API keys). Each request runs
// inside an upstream.Client guard, so non-2xx statuses are classified:
//   - 429 -> upstream.ErrRateLimited (Retry-After honored)
//   - 5xx -> upstream.ErrUpstream (retried)
//   - other 4xx -> upstream.ErrNotFound (not retried)
package api
