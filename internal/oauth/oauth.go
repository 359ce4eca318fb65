// Package oauth implements the Anthropic OAuth authorization-code +
// PKCE handshake and the refresh/revoke calls the account pool needs.
// It is the concrete OAuthClient collaborator the core spec treats as
// external: Authorize/Exchange/Revoke, plus the token-refresh call
// the interceptor's single-flight coalescer drives directly.
package oauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Mode selects which authorize endpoint/audience to use.
type Mode string

const (
	ModeMax     Mode = "max"
	ModeConsole Mode = "console"
)

const (
	ClientID       = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	MaxAuthURL     = "https://claude.ai/oauth/authorize"
	ConsoleAuthURL = "https://console.anthropic.com/oauth/authorize"
	TokenURL       = "https://console.anthropic.com/v1/oauth/token"
	RevokeURL      = "https://console.anthropic.com/v1/oauth/revoke"
	RedirectURI    = "https://console.anthropic.com/oauth/code/callback"
	Scope          = "org:create_api_key user:profile user:inference"
)

const revokeTimeout = 5 * time.Second

// Client drives the OAuth handshake over an injectable HTTP client,
// grounded on the PKCE construction in
// cecil-the-coder-ai-provider-kit's anthropic-oauth-flow example,
// restructured here as a package with no standalone-binary concerns.
type Client struct {
	httpClient *http.Client

	// TokenURL and RevokeURL default to the real Anthropic endpoints;
	// tests override them to point at an httptest.Server.
	TokenURL  string
	RevokeURL string
}

// NewClient wraps httpClient (or http.DefaultClient if nil).
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{httpClient: httpClient, TokenURL: TokenURL, RevokeURL: RevokeURL}
}

// generateCodeVerifier produces a PKCE code verifier: 32 random bytes,
// base64url-encoded without padding.
func generateCodeVerifier() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("oauth: generate verifier: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func codeChallengeS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// Authorize builds the authorize URL for mode and returns it along
// with the PKCE verifier the caller must hold onto for Exchange. The
// verifier doubles as the `state` parameter per spec.
func (c *Client) Authorize(mode Mode) (authorizeURL string, verifier string, err error) {
	verifier, err = generateCodeVerifier()
	if err != nil {
		return "", "", err
	}

	base := ConsoleAuthURL
	if mode == ModeMax {
		base = MaxAuthURL
	}

	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", ClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", RedirectURI)
	q.Set("scope", Scope)
	q.Set("code_challenge", codeChallengeS256(verifier))
	q.Set("code_challenge_method", "S256")
	q.Set("state", verifier)

	return base + "?" + q.Encode(), verifier, nil
}

// Credentials is what a successful Exchange yields.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // epoch ms
	Email        string
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	Account      struct {
		EmailAddress string `json:"email_address"`
	} `json:"account"`
	Error string `json:"error"`
}

// TokenError is returned by Exchange/Refresh on a non-OK response; it
// carries the HTTP status and the upstream error code so callers can
// classify the failure (e.g. invalid_grant → disable the account).
type TokenError struct {
	Status    int
	ErrorCode string
}

func (e *TokenError) Error() string {
	return fmt.Sprintf("oauth: token request failed: status=%d error=%q", e.Status, e.ErrorCode)
}

// Exchange trades an authorization code (plus its PKCE verifier) for
// credentials.
func (c *Client) Exchange(ctx context.Context, code, verifier string) (Credentials, error) {
	body := map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"state":         verifier,
		"client_id":     ClientID,
		"redirect_uri":  RedirectURI,
		"code_verifier": verifier,
	}
	resp, err := c.postToken(ctx, body)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().UnixMilli() + resp.ExpiresIn*1000,
		Email:        resp.Account.EmailAddress,
	}, nil
}

// RefreshResult is the outcome of a successful token refresh.
type RefreshResult struct {
	AccessToken  string
	RefreshToken string // empty unless the upstream rotated it
	ExpiresAt    int64  // epoch ms
}

// Refresh exchanges a refresh token for a new access token, per
// §4.5's "Token refresh (single-flight)" wire contract. Callers are
// responsible for the single-flight coalescing itself (see
// internal/interceptor); this method performs one HTTP call.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (RefreshResult, error) {
	body := map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     ClientID,
	}
	resp, err := c.postToken(ctx, body)
	if err != nil {
		return RefreshResult{}, err
	}
	return RefreshResult{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    time.Now().UnixMilli() + resp.ExpiresIn*1000,
	}, nil
}

func (c *Client) postToken(ctx context.Context, body map[string]string) (tokenResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("oauth: marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.TokenURL, bytes.NewReader(payload))
	if err != nil {
		return tokenResponse{}, fmt.Errorf("oauth: build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("oauth: token request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return tokenResponse{}, fmt.Errorf("oauth: read token response: %w", err)
	}

	var parsed tokenResponse
	_ = json.Unmarshal(respBody, &parsed)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return tokenResponse{}, &TokenError{Status: resp.StatusCode, ErrorCode: parsed.Error}
	}

	return parsed, nil
}

// Revoke best-effort revokes a refresh token. It reports whether the
// upstream accepted the revocation; false covers every failure, and
// the result never blocks logout.
func (c *Client) Revoke(refreshToken string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()

	body := map[string]string{
		"token":           refreshToken,
		"token_type_hint": "refresh_token",
		"client_id":       ClientID,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.RevokeURL, bytes.NewReader(payload))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode >= 200 && resp.StatusCode < 300
}
