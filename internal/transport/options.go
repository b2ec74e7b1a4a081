package transport

import "net/http"

// Option configures a Transport, following the project's With... functional
// option convention.
type Option func(*Transport)

// WithHTTPClient overrides the underlying *http.Client (e.g. to set
// timeouts, or to inject a RoundTripper for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(t *Transport) { t.client = c }
}

// WithToken sets the bearer token sent as "Authorization: Bearer <token>" on
// every request. Pass "" to disable auth.
func WithToken(token string) Option {
	return func(t *Transport) { t.client = withBearerToken(t.client, token) }
}

// WithMaxRetries overrides the default retry budget for FetchRange.
func WithMaxRetries(n uint64) Option {
	return func(t *Transport) { t.maxRetries = n }
}
