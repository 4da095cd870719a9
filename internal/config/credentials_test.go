package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/haasonsaas/parley/pkg/models"
)

func TestCredentialsSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	store := NewCredentialsFile(path)

	creds := models.OAuthCredentials{
		AccessToken:  "at-1",
		RefreshToken: "rt-1",
		ExpiresAt:    1700000000,
	}
	if err := store.Save("anthropic", creds); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if mode := info.Mode().Perm(); mode != 0o600 {
		t.Fatalf("file mode = %o, want 0600", mode)
	}

	all, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got := all["anthropic"]; got != creds {
		t.Fatalf("loaded = %+v, want %+v", got, creds)
	}
}

func TestCredentialsMissingFileIsEmpty(t *testing.T) {
	store := NewCredentialsFile(filepath.Join(t.TempDir(), "absent.json"))
	all, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("loaded %d entries from missing file", len(all))
	}
}

func TestCredentialsSavePreservesOtherEntries(t *testing.T) {
	store := NewCredentialsFile(filepath.Join(t.TempDir(), "credentials.json"))

	if err := store.Save("anthropic", models.OAuthCredentials{RefreshToken: "rt-a"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save("openai", models.OAuthCredentials{RefreshToken: "rt-o"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	// Rotate the first entry; the second must survive.
	if err := store.Save("anthropic", models.OAuthCredentials{RefreshToken: "rt-a2"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	all, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if all["anthropic"].RefreshToken != "rt-a2" {
		t.Fatalf("anthropic = %+v, want rotated token", all["anthropic"])
	}
	if all["openai"].RefreshToken != "rt-o" {
		t.Fatalf("openai = %+v, want untouched entry", all["openai"])
	}
}

func TestCredentialsSaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "credentials.json")
	store := NewCredentialsFile(path)

	if err := store.Save("anthropic", models.OAuthCredentials{AccessToken: "at"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
}

func TestCredentialsApply(t *testing.T) {
	store := NewCredentialsFile(filepath.Join(t.TempDir(), "credentials.json"))
	if err := store.Save("anthropic", models.OAuthCredentials{
		AccessToken:  "at-new",
		RefreshToken: "rt-new",
		ExpiresAt:    1800000000,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save("openai", models.OAuthCredentials{AccessToken: "at-ignored"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	cfg := &Config{
		Providers: map[string]models.ProviderConfig{
			"anthropic": {
				Kind:     "anthropic",
				TokenURL: "https://auth.example/token",
				OAuth: &models.OAuthCredentials{
					AccessToken:  "at-stale",
					RefreshToken: "rt-stale",
				},
			},
			// API-key provider: stored credentials must not attach.
			"openai": {Kind: "openai", APIKey: "sk-test"},
		},
	}

	if err := store.Apply(cfg); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	oauth := cfg.Providers["anthropic"].OAuth
	if oauth == nil || oauth.AccessToken != "at-new" || oauth.RefreshToken != "rt-new" {
		t.Fatalf("anthropic oauth = %+v, want stored tokens", oauth)
	}
	if cfg.Providers["openai"].OAuth != nil {
		t.Fatal("openai gained oauth credentials it never configured")
	}
}
