package provider

import (
	"net/http"
	"strings"
	"time"

	"github.com/caskade-dev/caskade/internal/typ"
)

// CompatAdapter serves the Anthropic-compatible back-end family: hosted
// gateways with a fixed base URL (z.ai, OpenRouter, Kilo) and the generic
// self-hosted variants where the account's custom endpoint supplies the base.
// All of them take a bearer API key and speak the Messages wire format.
type CompatAdapter struct {
	name       string
	baseURL    string
	pathPrefix string
}

func NewZai() *CompatAdapter {
	return &CompatAdapter{name: "zai", baseURL: "https://api.z.ai/api/anthropic"}
}

func NewOpenRouter() *CompatAdapter {
	return &CompatAdapter{name: "openrouter", baseURL: "https://openrouter.ai/api"}
}

func NewKilo() *CompatAdapter {
	return &CompatAdapter{name: "kilo", baseURL: "https://api.kilocode.ai/api/anthropic"}
}

// NewOpenAICompatible serves accounts pointing at any OpenAI-style server;
// the base URL must come from the account's custom endpoint.
func NewOpenAICompatible() *CompatAdapter {
	return &CompatAdapter{name: "openai-compatible"}
}

// NewAnthropicCompatible serves accounts pointing at any Anthropic-style
// server; the base URL must come from the account's custom endpoint.
func NewAnthropicCompatible() *CompatAdapter {
	return &CompatAdapter{name: "anthropic-compatible"}
}

func (c *CompatAdapter) Descriptor() Descriptor {
	return Descriptor{
		Name:      c.name,
		AuthType:  AuthTypeBearer,
		BaseURL:   c.baseURL,
		Streaming: true,
	}
}

func (c *CompatAdapter) CanHandle(path string) bool {
	if c.pathPrefix != "" {
		return strings.HasPrefix(path, c.pathPrefix)
	}
	return strings.HasPrefix(path, "/v1/")
}

func (c *CompatAdapter) BuildURL(path, rawQuery string, acct *typ.Account) string {
	return buildUpstreamURL(c.baseURL, path, rawQuery, acct)
}

func (c *CompatAdapter) PrepareHeaders(incoming http.Header, accessToken, apiKey string) http.Header {
	out := prepareBaseHeaders(incoming)
	key := apiKey
	if key == "" {
		key = accessToken
	}
	out.Set("Authorization", "Bearer "+key)
	if out.Get("anthropic-version") == "" {
		out.Set("anthropic-version", anthropicVersion)
	}
	return out
}

func (c *CompatAdapter) ParseRateLimit(resp *http.Response) RateLimitInfo {
	// Gateways in this family echo the anthropic-ratelimit-* headers when
	// they have them; otherwise the 429 default applies.
	return parseAnthropicRateLimit(resp, time.Now())
}

func (c *CompatAdapter) ProcessResponse(resp *http.Response, acct *typ.Account) (int, bool) {
	return 0, false
}

func (c *CompatAdapter) TransformRequestBody(body []byte, acct *typ.Account) []byte {
	return applyModelMapping(body, acct)
}

func (c *CompatAdapter) IsStreamingResponse(resp *http.Response) bool {
	return isEventStream(resp)
}
