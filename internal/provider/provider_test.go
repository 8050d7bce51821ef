package provider

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caskade-dev/caskade/internal/typ"
)

func TestRegistryForNameAndPath(t *testing.T) {
	r := DefaultRegistry(nil)

	a, ok := r.ForName("anthropic")
	require.True(t, ok)
	assert.Equal(t, "anthropic", a.Descriptor().Name)

	_, ok = r.ForName("nope")
	assert.False(t, ok)

	a, ok = r.ForPath("/v1/messages")
	require.True(t, ok)
	assert.Equal(t, "anthropic", a.Descriptor().Name)

	_, ok = r.ForPath("/admin/whatever")
	assert.False(t, ok)
}

func TestBuildUpstreamURL(t *testing.T) {
	acct := &typ.Account{}

	assert.Equal(t, "https://api.anthropic.com/v1/messages",
		buildUpstreamURL("https://api.anthropic.com", "/v1/messages", "", acct))

	assert.Equal(t, "https://api.anthropic.com/v1/models?limit=5",
		buildUpstreamURL("https://api.anthropic.com", "/v1/models", "limit=5", acct))

	// Trailing slash on the base collapses.
	assert.Equal(t, "https://example.com/v1/messages",
		buildUpstreamURL("https://example.com/", "/v1/messages", "", acct))

	// Custom endpoint wins over the default base.
	custom := &typ.Account{CustomEndpoint: "https://gateway.internal/anthropic"}
	assert.Equal(t, "https://gateway.internal/anthropic/v1/messages",
		buildUpstreamURL("https://api.anthropic.com", "/v1/messages", "", custom))
}

func TestPrepareBaseHeadersStripsCredentials(t *testing.T) {
	in := http.Header{}
	in.Set("Authorization", "Bearer client-key")
	in.Set("X-Api-Key", "client-key")
	in.Set("Host", "localhost:8100")
	in.Set("Content-Type", "application/json")
	in.Set("Accept", "application/json")
	in.Set("User-Agent", "claude-cli/1.0")
	in.Set("Anthropic-Version", "2023-06-01")
	in.Set("X-Stainless-Lang", "js")
	in.Set("Connection", "keep-alive")

	out := prepareBaseHeaders(in)

	assert.Empty(t, out.Get("Authorization"))
	assert.Empty(t, out.Get("X-Api-Key"))
	assert.Empty(t, out.Get("Host"))
	assert.Empty(t, out.Get("Connection"))
	assert.Equal(t, "application/json", out.Get("Content-Type"))
	assert.Equal(t, "claude-cli/1.0", out.Get("User-Agent"))
	assert.Equal(t, "2023-06-01", out.Get("Anthropic-Version"))
	assert.Equal(t, "js", out.Get("X-Stainless-Lang"))
}

func TestAnthropicPrepareHeadersOAuth(t *testing.T) {
	a := NewAnthropic(nil)
	in := http.Header{}
	in.Set("Content-Type", "application/json")

	out := a.PrepareHeaders(in, "access-token", "")
	assert.Equal(t, "Bearer access-token", out.Get("Authorization"))
	assert.Equal(t, anthropicOAuthBeta, out.Get("anthropic-beta"))
	assert.Equal(t, anthropicVersion, out.Get("anthropic-version"))
	assert.Empty(t, out.Get("x-api-key"))
}

func TestAnthropicPrepareHeadersOAuthMergesBeta(t *testing.T) {
	a := NewAnthropic(nil)
	in := http.Header{}
	in.Set("anthropic-beta", "prompt-caching-2024-07-31")

	out := a.PrepareHeaders(in, "at", "")
	assert.Equal(t, anthropicOAuthBeta+",prompt-caching-2024-07-31", out.Get("anthropic-beta"))
}

func TestAnthropicPrepareHeadersAPIKey(t *testing.T) {
	a := NewAnthropic(nil)
	out := a.PrepareHeaders(http.Header{}, "", "sk-ant-test")

	assert.Equal(t, "sk-ant-test", out.Get("x-api-key"))
	assert.Empty(t, out.Get("Authorization"))
	assert.Empty(t, out.Get("anthropic-beta"))
}

func TestCompatPrepareHeaders(t *testing.T) {
	z := NewZai()
	out := z.PrepareHeaders(http.Header{}, "", "zai-key")
	assert.Equal(t, "Bearer zai-key", out.Get("Authorization"))
}

func TestApplyModelMapping(t *testing.T) {
	acct := &typ.Account{ModelMappings: `{"claude-sonnet-4": "glm-4.6"}`}

	body := []byte(`{"model":"claude-sonnet-4","max_tokens":100}`)
	got := applyModelMapping(body, acct)
	assert.JSONEq(t, `{"model":"glm-4.6","max_tokens":100}`, string(got))
}

func TestApplyModelMappingNoMatchIsByteIdentical(t *testing.T) {
	acct := &typ.Account{ModelMappings: `{"claude-sonnet-4": "glm-4.6"}`}

	body := []byte(`{"model":"claude-opus-4",  "max_tokens": 100}`)
	got := applyModelMapping(body, acct)
	assert.Equal(t, body, got)

	// No mappings at all.
	plain := &typ.Account{}
	got = applyModelMapping(body, plain)
	assert.Equal(t, body, got)

	// No model field.
	noModel := []byte(`{"max_tokens":100}`)
	assert.Equal(t, noModel, applyModelMapping(noModel, acct))
}

func makeResp(status int, headers map[string]string) *http.Response {
	rec := httptest.NewRecorder()
	for k, v := range headers {
		rec.Header().Set(k, v)
	}
	rec.WriteHeader(status)
	return rec.Result()
}

func TestParseRateLimitUnifiedReset(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	resp := makeResp(429, map[string]string{
		"anthropic-ratelimit-unified-reset": "1700000123",
	})

	info := parseAnthropicRateLimit(resp, now)
	assert.True(t, info.IsRateLimited)
	assert.EqualValues(t, 1_700_000_123_000, info.ResetAtMs)
}

func TestParseRateLimitRFC3339Reset(t *testing.T) {
	now := time.Now()
	reset := now.Add(2 * time.Minute).UTC().Truncate(time.Second)
	resp := makeResp(429, map[string]string{
		"anthropic-ratelimit-requests-reset": reset.Format(time.RFC3339),
	})

	info := parseAnthropicRateLimit(resp, now)
	assert.True(t, info.IsRateLimited)
	assert.Equal(t, reset.UnixMilli(), info.ResetAtMs)
}

func TestParseRateLimitRetryAfterSeconds(t *testing.T) {
	now := time.Now()
	resp := makeResp(429, map[string]string{"Retry-After": "30"})

	info := parseAnthropicRateLimit(resp, now)
	assert.True(t, info.IsRateLimited)
	assert.Equal(t, now.Add(30*time.Second).UnixMilli(), info.ResetAtMs)
}

func TestParseRateLimitDefaultsTo60s(t *testing.T) {
	now := time.Now()
	resp := makeResp(429, nil)

	info := parseAnthropicRateLimit(resp, now)
	assert.True(t, info.IsRateLimited)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), info.ResetAtMs)
}

func TestParseRateLimitZeroRemaining(t *testing.T) {
	now := time.Now()
	resp := makeResp(200, map[string]string{
		"anthropic-ratelimit-requests-remaining": "0",
		"anthropic-ratelimit-unified-reset":      "1700000123",
	})

	// A success that spends the last permitted request is not a rejection;
	// the remaining/reset pair is reported so the caller can mark the account
	// for the future.
	info := parseAnthropicRateLimit(resp, now)
	assert.False(t, info.IsRateLimited)
	assert.Equal(t, 0, info.Remaining)
	assert.EqualValues(t, 1_700_000_123_000, info.ResetAtMs)

	// Zero remaining with no reset header still gets a backoff window.
	resp = makeResp(200, map[string]string{
		"anthropic-ratelimit-requests-remaining": "0",
	})
	info = parseAnthropicRateLimit(resp, now)
	assert.False(t, info.IsRateLimited)
	assert.Equal(t, now.Add(time.Minute).UnixMilli(), info.ResetAtMs)
}

func TestParseRateLimitHealthy(t *testing.T) {
	resp := makeResp(200, map[string]string{
		"anthropic-ratelimit-requests-remaining": "99",
	})

	info := parseAnthropicRateLimit(resp, time.Now())
	assert.False(t, info.IsRateLimited)
	assert.Equal(t, 99, info.Remaining)
}

func TestProcessResponseTierUpgrade(t *testing.T) {
	a := NewAnthropic(nil)
	acct := &typ.Account{AccountTier: 1}

	resp := makeResp(200, map[string]string{"anthropic-ratelimit-tokens-limit": "400000"})
	tier, upgraded := a.ProcessResponse(resp, acct)
	assert.True(t, upgraded)
	assert.Equal(t, 10, tier)

	// Already at or above the implied tier: no change.
	acct.AccountTier = 10
	_, upgraded = a.ProcessResponse(resp, acct)
	assert.False(t, upgraded)

	// No header: no change.
	_, upgraded = a.ProcessResponse(makeResp(200, nil), acct)
	assert.False(t, upgraded)
}

func TestIsStreamingResponse(t *testing.T) {
	a := NewAnthropic(nil)
	assert.True(t, a.IsStreamingResponse(makeResp(200, map[string]string{"Content-Type": "text/event-stream; charset=utf-8"})))
	assert.False(t, a.IsStreamingResponse(makeResp(200, map[string]string{"Content-Type": "application/json"})))
}
