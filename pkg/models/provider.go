package models

import "time"

// OAuthCredentials is the refreshable token triple stored for a provider.
// ExpiresAt is epoch seconds; zero means unknown.
type OAuthCredentials struct {
	AccessToken  string `json:"access_token" yaml:"access_token"`
	RefreshToken string `json:"refresh_token" yaml:"refresh_token"`
	ExpiresAt    int64  `json:"expires_at" yaml:"expires_at"`
}

// Expired reports whether the access token is past its expiry, with a small
// safety margin so a token about to lapse is refreshed proactively.
func (c OAuthCredentials) Expired(now time.Time) bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return now.Unix() >= c.ExpiresAt-30
}

// ModelRef identifies the active model for a provider config.
type ModelRef struct {
	ID        string `json:"id" yaml:"id"`
	MaxTokens int    `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// ProviderConfig configures one LLM back end. Exactly one of APIKey or OAuth
// must be populated for the config to be usable.
type ProviderConfig struct {
	Kind     string            `json:"kind" yaml:"kind"`
	APIKey   string            `json:"api_key,omitempty" yaml:"api_key,omitempty"`
	OAuth    *OAuthCredentials `json:"oauth,omitempty" yaml:"oauth,omitempty"`
	APIURL   string            `json:"api_url,omitempty" yaml:"api_url,omitempty"`
	TokenURL string            `json:"token_url,omitempty" yaml:"token_url,omitempty"`
	ClientID string            `json:"client_id,omitempty" yaml:"client_id,omitempty"`
	Model    ModelRef          `json:"model" yaml:"model"`
}

// AgentKind distinguishes locally driven agents from remote ones.
type AgentKind string

const (
	AgentLocal  AgentKind = "local"
	AgentRemote AgentKind = "remote"
)

// AgentSettings describes one selectable agent profile.
type AgentSettings struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Kind         AgentKind `json:"kind" yaml:"kind"`
	Provider     string    `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model        string    `json:"model,omitempty" yaml:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"`
	Temperature  *float32  `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	TopP         *float32  `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	MaxTokens    int       `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Tools        []string  `json:"tools,omitempty" yaml:"tools,omitempty"`
	RemoteURL    string    `json:"remote_url,omitempty" yaml:"remote_url,omitempty"`
	RemoteAuth   string    `json:"remote_auth,omitempty" yaml:"remote_auth,omitempty"`
}
