package typ

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAccountValidate(t *testing.T) {
	tests := []struct {
		name    string
		account Account
		wantErr error
	}{
		{
			name:    "api key only",
			account: Account{Name: "a", Provider: "anthropic", APIKey: "sk-test"},
		},
		{
			name:    "oauth only",
			account: Account{Name: "b", Provider: "anthropic", RefreshToken: "rt", ExpiresAt: 123},
		},
		{
			name:    "no credentials",
			account: Account{Name: "c", Provider: "anthropic"},
			wantErr: ErrNoCredentials,
		},
		{
			name:    "both credentials",
			account: Account{Name: "d", Provider: "anthropic", APIKey: "sk", RefreshToken: "rt"},
			wantErr: ErrBothCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.account.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAccountValidatePriorityBounds(t *testing.T) {
	acct := Account{Name: "a", Provider: "anthropic", APIKey: "sk", Priority: 101}
	assert.Error(t, acct.Validate())

	acct.Priority = -1
	assert.Error(t, acct.Validate())

	acct.Priority = 100
	assert.NoError(t, acct.Validate())
}

func TestAccountValidateExpiresAtRequiresOAuth(t *testing.T) {
	acct := Account{Name: "a", Provider: "anthropic", APIKey: "sk", ExpiresAt: 123}
	assert.Error(t, acct.Validate())
}

func TestTokenExpired(t *testing.T) {
	now := time.Now()
	leeway := time.Minute

	acct := Account{RefreshToken: "rt"}

	// Unknown expiry counts as expired.
	acct.ExpiresAt = 0
	assert.True(t, acct.TokenExpired(now, leeway))

	// Expires well in the future.
	acct.ExpiresAt = now.Add(time.Hour).UnixMilli()
	assert.False(t, acct.TokenExpired(now, leeway))

	// Inside the leeway window.
	acct.ExpiresAt = now.Add(30 * time.Second).UnixMilli()
	assert.True(t, acct.TokenExpired(now, leeway))

	// API-key accounts never expire.
	apiAcct := Account{APIKey: "sk"}
	assert.False(t, apiAcct.TokenExpired(now, leeway))
}

func TestIsHealthy(t *testing.T) {
	now := time.Now()

	acct := Account{APIKey: "sk"}
	assert.True(t, acct.IsHealthy(now))

	acct.Paused = true
	assert.False(t, acct.IsHealthy(now))
	acct.Paused = false

	acct.LastError = LastErrorReauthRequired
	assert.False(t, acct.IsHealthy(now))
	acct.LastError = ""

	acct.RateLimitedUntil = now.Add(time.Minute).UnixMilli()
	assert.False(t, acct.IsHealthy(now))

	// Window lapsed.
	acct.RateLimitedUntil = now.Add(-time.Minute).UnixMilli()
	assert.True(t, acct.IsHealthy(now))
}

func TestMappingFor(t *testing.T) {
	acct := Account{ModelMappings: `{"claude-sonnet-4": "glm-4.6"}`}

	mapped, ok := acct.MappingFor("claude-sonnet-4")
	require.True(t, ok)
	assert.Equal(t, "glm-4.6", mapped)

	_, ok = acct.MappingFor("claude-opus-4")
	assert.False(t, ok)

	// Malformed mapping text is treated as no mapping.
	bad := Account{ModelMappings: `{not json`}
	_, ok = bad.MappingFor("claude-sonnet-4")
	assert.False(t, ok)
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	window := 5 * time.Hour

	acct := Account{}
	assert.True(t, acct.SessionExpired(now, window))

	acct.SessionStart = now.Add(-time.Hour).UnixMilli()
	assert.False(t, acct.SessionExpired(now, window))

	acct.SessionStart = now.Add(-6 * time.Hour).UnixMilli()
	assert.True(t, acct.SessionExpired(now, window))
}
