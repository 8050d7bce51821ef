package typ

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// LastErrorReauthRequired is set on an account whose refresh token was
// rejected with invalid_grant. The account stays in the pool but is
// de-prioritised until it is re-authenticated manually.
const LastErrorReauthRequired = "reauth_required"

// NoAccountID is recorded against request rows that could not be dispatched
// because no healthy account existed.
const NoAccountID = "no-account"

// Account is a single credentialed identity with an upstream provider.
// Exactly one credential shape is populated: either APIKey, or the OAuth
// triple (RefreshToken, AccessToken, ExpiresAt).
type Account struct {
	ID       string `gorm:"primaryKey;column:id" json:"id"`
	Name     string `gorm:"column:name;uniqueIndex;not null" json:"name"`
	Provider string `gorm:"column:provider;not null" json:"provider"`

	APIKey       string `gorm:"column:api_key" json:"-"`
	RefreshToken string `gorm:"column:refresh_token" json:"-"`
	AccessToken  string `gorm:"column:access_token" json:"-"`
	ExpiresAt    int64  `gorm:"column:expires_at" json:"expires_at,omitempty"` // epoch ms, 0 = absent

	CreatedAt int64 `gorm:"column:created_at" json:"created_at"`

	RequestCount        int64 `gorm:"column:request_count" json:"request_count"`
	SessionStart        int64 `gorm:"column:session_start" json:"session_start,omitempty"` // epoch ms, 0 = no session
	SessionRequestCount int64 `gorm:"column:session_request_count" json:"session_request_count"`
	TotalRequests       int64 `gorm:"column:total_requests" json:"total_requests"`

	AccountTier      int    `gorm:"column:account_tier;default:1" json:"account_tier"`
	Priority         int    `gorm:"column:priority" json:"priority"`
	Paused           bool   `gorm:"column:paused" json:"paused"`
	RateLimitedUntil int64  `gorm:"column:rate_limited_until" json:"rate_limited_until,omitempty"` // epoch ms
	CustomEndpoint   string `gorm:"column:custom_endpoint" json:"custom_endpoint,omitempty"`
	ModelMappings    string `gorm:"column:model_mappings" json:"model_mappings,omitempty"` // JSON object text

	LastUsedAt int64  `gorm:"column:last_used_at" json:"last_used_at,omitempty"` // epoch ms
	LastError  string `gorm:"column:last_error" json:"last_error,omitempty"`
}

// TableName specifies the table name for GORM
func (Account) TableName() string {
	return "accounts"
}

var (
	ErrNoCredentials   = errors.New("account has no credentials")
	ErrBothCredentials = errors.New("account has both api_key and oauth credentials")
)

// Validate checks the account invariants: exactly one credential shape and
// priority within [0,100].
func (a *Account) Validate() error {
	hasKey := a.APIKey != ""
	hasOAuth := a.RefreshToken != ""
	if hasKey && hasOAuth {
		return ErrBothCredentials
	}
	if !hasKey && !hasOAuth {
		return ErrNoCredentials
	}
	if a.ExpiresAt != 0 && !hasOAuth {
		return fmt.Errorf("expires_at set on non-oauth account %s", a.Name)
	}
	if a.Priority < 0 || a.Priority > 100 {
		return fmt.Errorf("priority %d out of range [0,100]", a.Priority)
	}
	return nil
}

// IsOAuth reports whether the account uses the OAuth credential shape.
func (a *Account) IsOAuth() bool {
	return a.RefreshToken != ""
}

// IsRateLimited reports whether the account is inside a rate-limit window.
func (a *Account) IsRateLimited(now time.Time) bool {
	return a.RateLimitedUntil > 0 && a.RateLimitedUntil > now.UnixMilli()
}

// TokenExpired reports whether the OAuth access token is expired or expires
// within the given leeway. API-key accounts never expire.
func (a *Account) TokenExpired(now time.Time, leeway time.Duration) bool {
	if !a.IsOAuth() {
		return false
	}
	if a.ExpiresAt == 0 {
		return true
	}
	return a.ExpiresAt <= now.Add(leeway).UnixMilli()
}

// NeedsReauth reports whether the account's refresh token was rejected and a
// manual re-authentication is required.
func (a *Account) NeedsReauth() bool {
	return a.LastError == LastErrorReauthRequired
}

// IsHealthy reports whether the account can serve requests: not paused, not
// flagged for re-auth, not inside a rate-limit window, and holding usable
// credentials.
func (a *Account) IsHealthy(now time.Time) bool {
	if a.Paused || a.NeedsReauth() || a.IsRateLimited(now) {
		return false
	}
	return a.APIKey != "" || a.RefreshToken != ""
}

// MappingFor resolves a logical model name through the account's model
// mappings. Returns ("", false) when no mapping applies.
func (a *Account) MappingFor(model string) (string, bool) {
	if a.ModelMappings == "" {
		return "", false
	}
	var mappings map[string]string
	if err := json.Unmarshal([]byte(a.ModelMappings), &mappings); err != nil {
		return "", false
	}
	mapped, ok := mappings[model]
	return mapped, ok
}

// SessionExpired reports whether the account's session window has lapsed and
// the session counters should restart on the next commit.
func (a *Account) SessionExpired(now time.Time, window time.Duration) bool {
	if a.SessionStart == 0 {
		return true
	}
	return now.UnixMilli()-a.SessionStart >= window.Milliseconds()
}
