package models

import (
	"testing"
	"time"
)

func TestUsageAdd(t *testing.T) {
	u := Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15}
	u.Add(Usage{PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5})

	if u.PromptTokens != 13 || u.CompletionTokens != 7 || u.TotalTokens != 20 {
		t.Fatalf("unexpected usage after add: %+v", u)
	}
}

func TestOAuthCredentialsExpired(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	cases := []struct {
		name      string
		expiresAt int64
		want      bool
	}{
		{"zero means unknown", 0, false},
		{"well in the future", now.Unix() + 3600, false},
		{"inside the refresh margin", now.Unix() + 10, true},
		{"already past", now.Unix() - 60, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			creds := OAuthCredentials{AccessToken: "tok", ExpiresAt: tc.expiresAt}
			if got := creds.Expired(now); got != tc.want {
				t.Fatalf("Expired() = %v, want %v", got, tc.want)
			}
		})
	}
}
