package transport

import "net/http"

// bearerRoundTripper injects "Authorization: Bearer <token>" into every
// request, using the token supplied at construction (spec §6.5).
type bearerRoundTripper struct {
	token string
	base  http.RoundTripper
}

func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	cloned := req.Clone(req.Context())
	cloned.Header.Set("Authorization", "Bearer "+rt.token)
	return rt.base.RoundTrip(cloned)
}

// withBearerToken returns a shallow copy of c with its Transport wrapped to
// add a bearer token header. An empty token returns c unchanged.
func withBearerToken(c *http.Client, token string) *http.Client {
	if token == "" {
		return c
	}
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	clone := *c
	clone.Transport = &bearerRoundTripper{token: token, base: base}
	return &clone
}
