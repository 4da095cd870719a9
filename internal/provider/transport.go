package provider

import (
	"fmt"
	"io"
	"net/http"

	"github.com/haasonsaas/parley/internal/observability"
)

// maxDrainBytes caps how much of a rejected response body is read before the
// connection is released for reuse.
const maxDrainBytes = 8 << 10

// authTransport injects bearer credentials into outgoing requests and
// recovers from expired OAuth tokens.
//
// On a 401 from a refreshable source it drains the response, refreshes the
// token (the refreshed credentials are persisted by the source before the
// token is returned), rewinds the request body via GetBody and retries
// exactly once. A second 401, or a 403, passes through to the caller.
// Requests whose body cannot be rewound are never retried.
type authTransport struct {
	base   http.RoundTripper
	source CredentialSource
	kind   string
	logger *observability.Logger
}

func newAuthTransport(base http.RoundTripper, source CredentialSource, kind string, logger *observability.Logger) *authTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = observability.Nop()
	}
	return &authTransport{base: base, source: source, kind: kind, logger: logger}
}

// httpClient wraps the transport in a client ready for SDK injection.
func (t *authTransport) httpClient() *http.Client {
	return &http.Client{Transport: t}
}

func (t *authTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	token, err := t.source.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: obtaining credentials: %w", t.kind, err)
	}

	resp, err := t.base.RoundTrip(t.authorize(req, token))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || !t.source.Refreshable() {
		return resp, nil
	}

	// A body that cannot be re-materialized rules out a retry: the first
	// attempt already consumed it.
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, maxDrainBytes)) //nolint:errcheck
	resp.Body.Close()                                             //nolint:errcheck

	t.logger.Debug(ctx, "retrying after token refresh", "provider", t.kind)

	fresh, err := t.source.Refresh(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%s: refreshing credentials after 401: %w", t.kind, err)
	}

	retry := req.Clone(ctx)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("%s: rewinding request body: %w", t.kind, err)
		}
		retry.Body = body
	}

	return t.base.RoundTrip(t.authorize(retry, fresh))
}

// authorize returns a clone of req carrying the bearer token. An empty token
// leaves the request unauthenticated (local back ends such as Ollama).
func (t *authTransport) authorize(req *http.Request, token string) *http.Request {
	clone := req.Clone(req.Context())
	if token != "" {
		clone.Header.Set("Authorization", "Bearer "+token)
	}
	return clone
}
