package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/caskade-dev/caskade/internal/typ"
)

// AuthType describes how an adapter authenticates against its back-end.
type AuthType string

const (
	AuthTypeBearer         AuthType = "bearer"
	AuthTypeAPIKeyHeader   AuthType = "api-key-header"
	AuthTypeOAuthAnthropic AuthType = "oauth-anthropic"
)

// ErrReauthRequired is returned by token operations when the refresh token
// was rejected; the account must be re-authenticated manually.
var ErrReauthRequired = errors.New("reauth required")

// Descriptor is the static description of a back-end.
type Descriptor struct {
	Name      string
	AuthType  AuthType
	BaseURL   string
	Streaming bool
}

// RateLimitInfo is the normalised view of a provider's rate-limit headers.
// IsRateLimited means the request itself was rejected (429); Remaining == 0
// on a success means the quota is spent but this response is still good.
type RateLimitInfo struct {
	IsRateLimited bool
	ResetAtMs     int64 // epoch ms, 0 = unknown
	Remaining     int   // -1 = unknown
}

// Adapter normalises the wire differences between back-ends. Shared
// behaviour lives in default implementations invoked by the dispatcher, not
// in a base type.
type Adapter interface {
	Descriptor() Descriptor

	// CanHandle reports whether this adapter serves the given request path.
	CanHandle(path string) bool

	// BuildURL composes the upstream URL, honouring the account's custom
	// endpoint when set.
	BuildURL(path, rawQuery string, acct *typ.Account) string

	// PrepareHeaders derives the outgoing header set from the incoming one:
	// hop-by-hop headers stripped, client authorization replaced with the
	// account's credentials.
	PrepareHeaders(incoming http.Header, accessToken, apiKey string) http.Header

	// ParseRateLimit reads the provider's rate-limit headers off a response.
	ParseRateLimit(resp *http.Response) RateLimitInfo

	// ProcessResponse inspects a successful response for provider-volunteered
	// account metadata. Returns a tier upgrade when one was observed.
	ProcessResponse(resp *http.Response, acct *typ.Account) (tier int, upgraded bool)

	// TransformRequestBody applies the account's model mappings to the JSON
	// body. The body is returned unchanged when no mapping applies.
	TransformRequestBody(body []byte, acct *typ.Account) []byte

	// IsStreamingResponse reports whether the response is an event stream.
	IsStreamingResponse(resp *http.Response) bool
}

// TokenSet is the result of an OAuth code exchange or refresh.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	ExpiresAtMs  int64
}

// OAuthAdapter is implemented by adapters whose accounts carry refreshable
// OAuth credentials.
type OAuthAdapter interface {
	Adapter

	// AuthorizeURL composes the browser authorize URL for a PKCE flow.
	AuthorizeURL(clientID, challenge string) string

	// ExchangeCode trades an authorization code plus PKCE verifier for tokens.
	ExchangeCode(ctx context.Context, code, verifier, clientID string) (TokenSet, error)

	// RefreshToken trades a refresh token for a fresh token set. A rejected
	// refresh token yields ErrReauthRequired.
	RefreshToken(ctx context.Context, refreshToken, clientID string) (TokenSet, error)

	// CreateAPIKey mints a long-lived API key using a fresh access token.
	CreateAPIKey(ctx context.Context, accessToken string) (string, error)
}

// Registry maps provider tags to adapters, preserving registration order for
// path classification.
type Registry struct {
	adapters []Adapter
	byName   map[string]Adapter
}

// NewRegistry creates a registry over the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{byName: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters = append(r.adapters, a)
		r.byName[a.Descriptor().Name] = a
	}
	return r
}

// DefaultRegistry returns the registry with all built-in adapters.
func DefaultRegistry(httpClient *http.Client) *Registry {
	return NewRegistry(
		NewAnthropic(httpClient),
		NewZai(),
		NewOpenRouter(),
		NewKilo(),
		NewOpenAICompatible(),
		NewAnthropicCompatible(),
	)
}

// ForName returns the adapter registered under the provider tag.
func (r *Registry) ForName(name string) (Adapter, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// ForPath returns the first adapter whose CanHandle accepts the path.
func (r *Registry) ForPath(path string) (Adapter, bool) {
	for _, a := range r.adapters {
		if a.CanHandle(path) {
			return a, true
		}
	}
	return nil, false
}

// Names returns all registered provider tags in registration order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.adapters))
	for _, a := range r.adapters {
		names = append(names, a.Descriptor().Name)
	}
	return names
}

// hop-by-hop and credential headers never forwarded upstream.
var strippedHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Proxy-Connection", "Te", "Trailer", "Transfer-Encoding", "Upgrade",
	"Authorization", "X-Api-Key", "Host", "Content-Length", "Accept-Encoding",
}

// prepareBaseHeaders copies the pass-through subset of the incoming headers:
// content negotiation plus every anthropic-* header the client sent.
func prepareBaseHeaders(incoming http.Header) http.Header {
	out := http.Header{}
	for key, values := range incoming {
		lower := strings.ToLower(key)
		if lower == "content-type" || lower == "accept" || lower == "user-agent" ||
			strings.HasPrefix(lower, "anthropic-") || strings.HasPrefix(lower, "x-stainless-") {
			out[http.CanonicalHeaderKey(key)] = append([]string(nil), values...)
		}
	}
	for _, h := range strippedHeaders {
		out.Del(h)
	}
	return out
}

// buildUpstreamURL joins a base URL and request path with trailing slashes
// collapsed, preferring the account's custom endpoint.
func buildUpstreamURL(defaultBase, path, rawQuery string, acct *typ.Account) string {
	base := defaultBase
	if acct != nil && acct.CustomEndpoint != "" {
		base = acct.CustomEndpoint
	}
	base = strings.TrimSuffix(base, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	u := base + path
	if rawQuery != "" {
		u += "?" + rawQuery
	}
	return u
}

// applyModelMapping rewrites the body's model field through the account's
// model mappings. Absent a mapping the body is returned byte-identical.
func applyModelMapping(body []byte, acct *typ.Account) []byte {
	if acct == nil || len(body) == 0 {
		return body
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		return body
	}
	mapped, ok := acct.MappingFor(model)
	if !ok || mapped == model {
		return body
	}
	rewritten, err := sjson.SetBytes(body, "model", mapped)
	if err != nil {
		return body
	}
	return rewritten
}

// isEventStream reports whether a response's content type is an SSE stream.
func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}
