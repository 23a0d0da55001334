package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// OAuthCredential is a persisted OAuth credential for a provider account
// (as opposed to a plain static API key), refreshed lazily before use.
// Scoped down to refresh-only: this runtime never performs the interactive
// PKCE login flow itself — it consumes a credential a human produced once
// out of band and keeps it alive.
type OAuthCredential struct {
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	AccountID    string    `json:"account_id,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// OAuthTokenSource wraps an oauth2.TokenSource so AnthropicProvider/
// OpenAIProvider can pull a freshly refreshed bearer token instead of a
// static API key, without either provider depending on oauth2 directly.
type OAuthTokenSource struct {
	src    oauth2.TokenSource
	onSave func(OAuthCredential)
	provider string
	accountID string
}

// NewOAuthTokenSource builds a refreshing token source from a stored
// credential and the provider's token endpoint. onSave, if non-nil, is
// called with the refreshed credential so the caller can persist it.
func NewOAuthTokenSource(cred OAuthCredential, tokenURL, clientID string, onSave func(OAuthCredential)) *OAuthTokenSource {
	cfg := &oauth2.Config{
		ClientID: clientID,
		Endpoint: oauth2.Endpoint{TokenURL: tokenURL},
	}
	base := &oauth2.Token{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		Expiry:       cred.ExpiresAt,
	}
	return &OAuthTokenSource{
		src:       cfg.TokenSource(context.Background(), base),
		onSave:    onSave,
		provider:  cred.Provider,
		accountID: cred.AccountID,
	}
}

// Token returns a valid bearer token, refreshing via the provider's token
// endpoint if the cached one has expired.
func (s *OAuthTokenSource) Token() (string, error) {
	tok, err := s.src.Token()
	if err != nil {
		return "", fmt.Errorf("oauth refresh: %w", err)
	}
	if s.onSave != nil {
		s.onSave(OAuthCredential{
			Provider:     s.provider,
			AccessToken:  tok.AccessToken,
			RefreshToken: tok.RefreshToken,
			AccountID:    s.accountID,
			ExpiresAt:    tok.Expiry,
		})
	}
	return tok.AccessToken, nil
}

// parseTokenResponse extracts a credential from a provider token endpoint's
// raw JSON response body (access_token/refresh_token/expires_in). It has no
// callers in this repository.
func parseTokenResponse(body []byte, provider string) (OAuthCredential, error) {
	var raw struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		AccountID    string `json:"account_id"`
	}
	if err := json.Unmarshal(body, &raw); err != nil {
		return OAuthCredential{}, fmt.Errorf("parse token response: %w", err)
	}
	if raw.AccessToken == "" {
		return OAuthCredential{}, fmt.Errorf("parse token response: missing access_token")
	}
	expiry := time.Now().Add(time.Duration(raw.ExpiresIn) * time.Second)
	if raw.ExpiresIn == 0 {
		expiry = time.Now().Add(time.Hour)
	}
	return OAuthCredential{
		Provider:     provider,
		AccessToken:  raw.AccessToken,
		RefreshToken: raw.RefreshToken,
		AccountID:    raw.AccountID,
		ExpiresAt:    expiry,
	}, nil
}
