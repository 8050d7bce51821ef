package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/caskade-dev/caskade/internal/db"
	"github.com/caskade-dev/caskade/internal/provider"
	"github.com/caskade-dev/caskade/internal/typ"
)

// ErrNotOAuth is returned when a token is requested for an API-key account.
var ErrNotOAuth = errors.New("account does not use oauth credentials")

// Manager serves valid access tokens for OAuth accounts, refreshing through
// the provider when the stored token is expired or inside the leeway window.
// Concurrent refreshes for the same account collapse into one upstream call.
type Manager struct {
	accounts *db.AccountStore
	registry *provider.Registry
	clientID string
	leeway   time.Duration
	log      *logrus.Logger

	group singleflight.Group
}

// NewManager creates a token manager.
func NewManager(accounts *db.AccountStore, registry *provider.Registry, clientID string, leeway time.Duration, log *logrus.Logger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{
		accounts: accounts,
		registry: registry,
		clientID: clientID,
		leeway:   leeway,
		log:      log,
	}
}

// AccessTokenFor returns a usable access token for the account, refreshing
// first when needed. API-key accounts yield ErrNotOAuth; accounts flagged for
// re-auth fail without touching the provider.
func (m *Manager) AccessTokenFor(ctx context.Context, acct *typ.Account) (string, error) {
	if !acct.IsOAuth() {
		return "", ErrNotOAuth
	}
	if acct.NeedsReauth() {
		return "", fmt.Errorf("account %s: %w", acct.Name, provider.ErrReauthRequired)
	}
	if acct.AccessToken != "" && !acct.TokenExpired(time.Now(), m.leeway) {
		return acct.AccessToken, nil
	}
	return m.Refresh(ctx, acct)
}

// Refresh forces a refresh-token exchange for the account and persists the
// result. Callers waiting on the same account id share one exchange.
func (m *Manager) Refresh(ctx context.Context, acct *typ.Account) (string, error) {
	tok, err, _ := m.group.Do(acct.ID, func() (interface{}, error) {
		// Re-read under the flight: a racing caller may have refreshed
		// already.
		fresh, err := m.accounts.GetByID(acct.ID)
		if err != nil {
			return "", err
		}
		if fresh.AccessToken != "" && !fresh.TokenExpired(time.Now(), m.leeway) {
			return fresh.AccessToken, nil
		}
		return m.refreshNow(ctx, fresh)
	})
	if err != nil {
		return "", err
	}
	return tok.(string), nil
}

func (m *Manager) refreshNow(ctx context.Context, acct *typ.Account) (string, error) {
	adapter, ok := m.registry.ForName(acct.Provider)
	if !ok {
		return "", fmt.Errorf("unknown provider %q for account %s", acct.Provider, acct.Name)
	}
	oa, ok := adapter.(provider.OAuthAdapter)
	if !ok {
		return "", fmt.Errorf("provider %q does not support token refresh", acct.Provider)
	}

	set, err := oa.RefreshToken(ctx, acct.RefreshToken, m.clientID)
	if err != nil {
		if errors.Is(err, provider.ErrReauthRequired) {
			if dbErr := m.accounts.MarkReauthRequired(acct.ID); dbErr != nil {
				m.log.WithError(dbErr).WithField("account", acct.Name).
					Error("Failed to flag account for re-auth")
			}
			m.log.WithField("account", acct.Name).
				Warn("Refresh token rejected, account needs re-authentication")
			return "", err
		}
		// Transient failure: record it but leave the credentials intact.
		_ = m.accounts.SetLastError(acct.ID, err.Error())
		return "", fmt.Errorf("token refresh for %s: %w", acct.Name, err)
	}

	if err := m.accounts.UpdateTokens(acct.ID, set.AccessToken, set.RefreshToken, set.ExpiresAtMs); err != nil {
		return "", fmt.Errorf("failed to persist refreshed tokens: %w", err)
	}
	m.log.WithFields(logrus.Fields{
		"account":    acct.Name,
		"expires_at": time.UnixMilli(set.ExpiresAtMs).Format(time.RFC3339),
	}).Info("Access token refreshed")
	return set.AccessToken, nil
}
