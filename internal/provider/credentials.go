package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/pkg/models"
)

// ErrNotRefreshable is returned when Refresh is called on a source that has
// no refresh token.
var ErrNotRefreshable = errors.New("credential source is not refreshable")

// CredentialSource supplies bearer tokens for provider requests.
//
// Implementations must be safe for concurrent use: the auth transport calls
// Token on every request and Refresh from whichever request observes a 401
// first.
type CredentialSource interface {
	// Token returns the current bearer token. It may refresh proactively
	// when the cached token is known to be expired. An empty token means
	// the request goes out unauthenticated.
	Token(ctx context.Context) (string, error)

	// Refreshable reports whether Refresh can obtain a new token.
	Refreshable() bool

	// Refresh obtains a new token after the given one was rejected. When
	// the cached token already differs from the rejected one, another
	// request refreshed first and the cached token is returned without a
	// network call. The new token is persisted before it is returned to
	// any caller.
	Refresh(ctx context.Context, rejected string) (string, error)
}

// StaticKey is a CredentialSource wrapping a fixed API key.
type StaticKey string

func (k StaticKey) Token(ctx context.Context) (string, error) { return string(k), nil }
func (k StaticKey) Refreshable() bool                         { return false }
func (k StaticKey) Refresh(ctx context.Context, rejected string) (string, error) {
	return "", ErrNotRefreshable
}

// TokenUpdateFunc persists refreshed credentials. It is called with the new
// credentials before the refreshed token is handed to any waiting request,
// so a crash after refresh never strands an already-rotated refresh token.
type TokenUpdateFunc func(creds models.OAuthCredentials) error

// OAuthSource is a CredentialSource backed by OAuth refresh-token rotation.
type OAuthSource struct {
	mu       sync.Mutex
	creds    models.OAuthCredentials
	provider string
	clientID string
	tokenURL string
	onUpdate TokenUpdateFunc
	logger   *observability.Logger
	now      func() time.Time

	// refreshToken performs the refresh grant. Overridable in tests.
	refreshToken func(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// NewOAuthSource builds an OAuth-backed credential source. onUpdate may be
// nil when the caller does not persist credentials (tests, ephemeral runs).
func NewOAuthSource(providerKind string, creds models.OAuthCredentials, clientID, tokenURL string, onUpdate TokenUpdateFunc, logger *observability.Logger) *OAuthSource {
	if logger == nil {
		logger = observability.Nop()
	}
	s := &OAuthSource{
		creds:    creds,
		provider: providerKind,
		clientID: clientID,
		tokenURL: tokenURL,
		onUpdate: onUpdate,
		logger:   logger,
		now:      time.Now,
	}
	s.refreshToken = s.grantRefresh
	return s
}

func (s *OAuthSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.AccessToken != "" && !s.creds.Expired(s.now()) {
		return s.creds.AccessToken, nil
	}
	if s.creds.RefreshToken == "" {
		return s.creds.AccessToken, nil
	}
	return s.refreshLocked(ctx)
}

func (s *OAuthSource) Refreshable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.RefreshToken != ""
}

func (s *OAuthSource) Refresh(ctx context.Context, rejected string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Another request already rotated the token while we waited on the
	// lock; reuse its result instead of burning the refresh token again.
	if s.creds.AccessToken != "" && s.creds.AccessToken != rejected {
		return s.creds.AccessToken, nil
	}
	if s.creds.RefreshToken == "" {
		return "", ErrNotRefreshable
	}
	return s.refreshLocked(ctx)
}

// refreshLocked performs the refresh grant, persists the rotated credentials,
// then installs them. Callers must hold s.mu.
func (s *OAuthSource) refreshLocked(ctx context.Context) (string, error) {
	tok, err := s.refreshToken(ctx, s.creds.RefreshToken)
	if err != nil {
		observability.OAuthRefreshTotal.WithLabelValues(s.provider, "error").Inc()
		return "", fmt.Errorf("refreshing %s token: %w", s.provider, err)
	}

	next := models.OAuthCredentials{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if next.RefreshToken == "" {
		// Providers that do not rotate keep the old refresh token valid.
		next.RefreshToken = s.creds.RefreshToken
	}
	if !tok.Expiry.IsZero() {
		next.ExpiresAt = tok.Expiry.Unix()
	}

	// Persist before anything sees the new token. If persistence fails the
	// refresh fails: continuing with an unpersisted rotated token would
	// strand the credentials on the next restart.
	if s.onUpdate != nil {
		if err := s.onUpdate(next); err != nil {
			observability.OAuthRefreshTotal.WithLabelValues(s.provider, "error").Inc()
			return "", fmt.Errorf("persisting refreshed %s token: %w", s.provider, err)
		}
	}

	s.creds = next
	observability.OAuthRefreshTotal.WithLabelValues(s.provider, "ok").Inc()
	s.logger.Debug(ctx, "refreshed oauth token", "provider", s.provider)
	return s.creds.AccessToken, nil
}

// grantRefresh exchanges the refresh token at the configured token endpoint.
func (s *OAuthSource) grantRefresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if s.tokenURL == "" {
		return nil, errors.New("token URL not configured")
	}
	conf := &oauth2.Config{
		ClientID: s.clientID,
		Endpoint: oauth2.Endpoint{TokenURL: s.tokenURL},
	}
	return conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
}

// credentialSource builds the CredentialSource for a provider config: OAuth
// credentials win over a static key when both are present.
func credentialSource(cfg models.ProviderConfig, opts Options) CredentialSource {
	if cfg.OAuth != nil && (cfg.OAuth.AccessToken != "" || cfg.OAuth.RefreshToken != "") {
		return NewOAuthSource(cfg.Kind, *cfg.OAuth, cfg.ClientID, cfg.TokenURL, opts.OnTokenUpdate, opts.Logger)
	}
	return StaticKey(cfg.APIKey)
}
