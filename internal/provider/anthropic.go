package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caskade-dev/caskade/internal/typ"
)

const (
	anthropicName        = "anthropic"
	anthropicBaseURL     = "https://api.anthropic.com"
	anthropicVersion     = "2023-06-01"
	anthropicOAuthBeta   = "oauth-2025-04-20"
	anthropicAuthorize   = "https://claude.ai/oauth/authorize"
	anthropicTokenURL    = "https://console.anthropic.com/v1/oauth/token"
	anthropicRedirectURI = "https://console.anthropic.com/oauth/code/callback"
	anthropicAPIKeyURL   = "https://api.anthropic.com/api/oauth/claude_cli/create_api_key"
	anthropicScopes      = "org:create_api_key user:profile user:inference"
)

// Anthropic is the OAuth-capable adapter for api.anthropic.com. Accounts are
// either OAuth-shaped (Claude subscription, bearer token + oauth beta
// header) or API-key-shaped (console key in x-api-key).
type Anthropic struct {
	client *http.Client

	// Endpoint fields are variable so tests can point at a local fake.
	AuthorizeEndpoint string
	TokenEndpoint     string
	APIKeyEndpoint    string
	RedirectURI       string
}

// NewAnthropic creates the adapter. A nil client falls back to
// http.DefaultClient.
func NewAnthropic(client *http.Client) *Anthropic {
	if client == nil {
		client = http.DefaultClient
	}
	return &Anthropic{
		client:            client,
		AuthorizeEndpoint: anthropicAuthorize,
		TokenEndpoint:     anthropicTokenURL,
		APIKeyEndpoint:    anthropicAPIKeyURL,
		RedirectURI:       anthropicRedirectURI,
	}
}

func (a *Anthropic) Descriptor() Descriptor {
	return Descriptor{
		Name:      anthropicName,
		AuthType:  AuthTypeOAuthAnthropic,
		BaseURL:   anthropicBaseURL,
		Streaming: true,
	}
}

func (a *Anthropic) CanHandle(path string) bool {
	return strings.HasPrefix(path, "/v1/")
}

func (a *Anthropic) BuildURL(path, rawQuery string, acct *typ.Account) string {
	return buildUpstreamURL(anthropicBaseURL, path, rawQuery, acct)
}

func (a *Anthropic) PrepareHeaders(incoming http.Header, accessToken, apiKey string) http.Header {
	out := prepareBaseHeaders(incoming)
	if apiKey != "" {
		out.Set("x-api-key", apiKey)
	} else {
		out.Set("Authorization", "Bearer "+accessToken)
		// OAuth tokens are only accepted with the oauth beta flag present.
		if beta := out.Get("anthropic-beta"); beta == "" {
			out.Set("anthropic-beta", anthropicOAuthBeta)
		} else if !strings.Contains(beta, anthropicOAuthBeta) {
			out.Set("anthropic-beta", anthropicOAuthBeta+","+beta)
		}
	}
	if out.Get("anthropic-version") == "" {
		out.Set("anthropic-version", anthropicVersion)
	}
	return out
}

func (a *Anthropic) ParseRateLimit(resp *http.Response) RateLimitInfo {
	return parseAnthropicRateLimit(resp, time.Now())
}

// tokensLimitTiers maps the volunteered per-minute token limit to the account
// tier it implies. Only upgrades are reported.
var tokensLimitTiers = []struct {
	limit int
	tier  int
}{
	{800_000, 20},
	{400_000, 10},
	{160_000, 5},
	{80_000, 2},
}

func (a *Anthropic) ProcessResponse(resp *http.Response, acct *typ.Account) (int, bool) {
	v := resp.Header.Get("anthropic-ratelimit-tokens-limit")
	if v == "" || acct == nil {
		return 0, false
	}
	limit, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	for _, t := range tokensLimitTiers {
		if limit >= t.limit {
			if t.tier > acct.AccountTier {
				return t.tier, true
			}
			return 0, false
		}
	}
	return 0, false
}

func (a *Anthropic) TransformRequestBody(body []byte, acct *typ.Account) []byte {
	return applyModelMapping(body, acct)
}

func (a *Anthropic) IsStreamingResponse(resp *http.Response) bool {
	return isEventStream(resp)
}

// AuthorizeURL composes the PKCE authorize URL for the Claude OAuth flow.
func (a *Anthropic) AuthorizeURL(clientID, challenge string) string {
	q := url.Values{}
	q.Set("code", "true")
	q.Set("client_id", clientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", a.RedirectURI)
	q.Set("scope", anthropicScopes)
	q.Set("code_challenge", challenge)
	q.Set("code_challenge_method", "S256")
	q.Set("state", challenge)
	return a.AuthorizeEndpoint + "?" + q.Encode()
}

// ExchangeCode trades the pasted authorization code for tokens. The console
// hands the user "code#state"; both halves go into the request.
func (a *Anthropic) ExchangeCode(ctx context.Context, code, verifier, clientID string) (TokenSet, error) {
	rawCode, state, _ := strings.Cut(code, "#")
	payload := map[string]string{
		"grant_type":    "authorization_code",
		"code":          rawCode,
		"client_id":     clientID,
		"redirect_uri":  a.RedirectURI,
		"code_verifier": verifier,
	}
	if state != "" {
		payload["state"] = state
	}
	return a.tokenRequest(ctx, payload)
}

// RefreshToken trades a refresh token for a fresh token set.
func (a *Anthropic) RefreshToken(ctx context.Context, refreshToken, clientID string) (TokenSet, error) {
	return a.tokenRequest(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     clientID,
	})
}

// tokenRequest posts a JSON body to the token endpoint; Anthropic rejects
// form encoding.
func (a *Anthropic) tokenRequest(ctx context.Context, payload map[string]string) (TokenSet, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return TokenSet{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.TokenEndpoint, bytes.NewReader(body))
	if err != nil {
		return TokenSet{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return TokenSet{}, fmt.Errorf("token endpoint unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return TokenSet{}, fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oauthErr struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(data, &oauthErr)
		if resp.StatusCode == http.StatusBadRequest && oauthErr.Error == "invalid_grant" {
			return TokenSet{}, fmt.Errorf("%w: invalid_grant", ErrReauthRequired)
		}
		return TokenSet{}, fmt.Errorf("token request failed: status %d, body: %s", resp.StatusCode, string(data))
	}

	var tokenResp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(data, &tokenResp); err != nil {
		return TokenSet{}, fmt.Errorf("failed to decode token response: %w", err)
	}
	if tokenResp.AccessToken == "" {
		return TokenSet{}, fmt.Errorf("token response missing access_token")
	}

	set := TokenSet{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
	}
	if tokenResp.ExpiresIn > 0 {
		set.ExpiresAtMs = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second).UnixMilli()
	}
	return set, nil
}

// CreateAPIKey mints a long-lived console API key using a fresh OAuth access
// token; used by the console add mode.
func (a *Anthropic) CreateAPIKey(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.APIKeyEndpoint, strings.NewReader("{}"))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("anthropic-beta", anthropicOAuthBeta)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("create_api_key unreachable: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("create_api_key failed: status %d, body: %s", resp.StatusCode, string(data))
	}

	var keyResp struct {
		RawKey string `json:"raw_key"`
	}
	if err := json.Unmarshal(data, &keyResp); err != nil {
		return "", fmt.Errorf("failed to decode create_api_key response: %w", err)
	}
	if keyResp.RawKey == "" {
		return "", fmt.Errorf("create_api_key response missing raw_key")
	}
	return keyResp.RawKey, nil
}
