package authclient

import (
	"net/http"

	"github.com/pkg/errors"
)

// HTTPClient returns a client for the protected API. Every request carries
// an Authorization header read fresh from the credential store, and a 401
// response triggers exactly one refresh-and-replay cycle.
func (c *AuthClient) HTTPClient() *http.Client {
	return &http.Client{
		Transport: &bearerTransport{
			auth: c,
			base: c.httpClient.Transport,
		},
		Timeout: c.httpClient.Timeout,
	}
}

// bearerTransport decorates outgoing requests with the current access token.
// The token is never cached in memory: a background refresh between requests
// must be picked up immediately.
type bearerTransport struct {
	auth *AuthClient
	base http.RoundTripper
}

var _ http.RoundTripper = (*bearerTransport)(nil)

func (t *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.send(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	// One refresh-and-replay cycle per request. A replay needs a rewindable
	// body; requests without one propagate the original 401.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	ok, refreshErr := t.auth.RefreshAccessToken(req.Context())
	if !ok {
		if refreshErr != nil && !errors.Is(refreshErr, ErrNoRefreshToken) {
			t.auth.log.Debug().Err(refreshErr).Msg("authclient: refresh after 401 failed")
		}
		return resp, nil
	}

	drainBody(resp.Body)
	return t.send(req)
}

func (t *bearerTransport) send(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, errors.Wrap(err, "[bearerTransport] rewind body")
		}
		clone.Body = body
	}

	pair, err := t.auth.store.GetTokens()
	if err != nil {
		return nil, errors.Wrap(err, "[bearerTransport] read tokens")
	}
	if pair != nil && pair.AccessToken != "" {
		clone.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	}

	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
