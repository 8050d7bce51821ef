package oauth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/caskade-dev/caskade/internal/db"
	"github.com/caskade-dev/caskade/internal/provider"
	"github.com/caskade-dev/caskade/internal/typ"
)

// Mode selects what credential shape a completed flow produces.
type Mode string

const (
	// ModeMax stores the OAuth triple; requests ride the subscription.
	ModeMax Mode = "max"
	// ModeConsole mints a long-lived API key from the fresh access token and
	// stores only that.
	ModeConsole Mode = "console"
)

// sessionTTL bounds how long a begun flow may wait for its code.
const sessionTTL = 10 * time.Minute

var (
	ErrSessionNotFound = errors.New("oauth session not found or expired")
	ErrUnknownMode     = errors.New("unknown oauth mode")
)

type session struct {
	pkce      PKCE
	name      string
	mode      Mode
	adapter   provider.OAuthAdapter
	providerN string
	createdAt time.Time
}

// Flow drives the interactive PKCE authorization for new accounts. Sessions
// live in memory only; a restart abandons any pending flow.
type Flow struct {
	accounts *db.AccountStore
	clientID string
	log      *logrus.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// NewFlow creates a flow helper over the account store.
func NewFlow(accounts *db.AccountStore, clientID string, log *logrus.Logger) *Flow {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Flow{
		accounts: accounts,
		clientID: clientID,
		log:      log,
		sessions: make(map[string]*session),
	}
}

// BeginResult is what the caller needs to continue a started flow.
type BeginResult struct {
	SessionID    string
	AuthorizeURL string
}

// Begin starts a PKCE flow for a new account. The name is reserved up front:
// a duplicate fails here rather than after the user has authorized.
func (f *Flow) Begin(name string, mode Mode, adapter provider.OAuthAdapter) (BeginResult, error) {
	if mode != ModeMax && mode != ModeConsole {
		return BeginResult{}, fmt.Errorf("%w: %s", ErrUnknownMode, mode)
	}
	if _, err := f.accounts.GetByName(name); err == nil {
		return BeginResult{}, fmt.Errorf("%w: %s", db.ErrDuplicateName, name)
	}

	pkce, err := GeneratePKCE()
	if err != nil {
		return BeginResult{}, err
	}

	id := uuid.NewString()
	f.mu.Lock()
	f.pruneLocked(time.Now())
	f.sessions[id] = &session{
		pkce:      pkce,
		name:      name,
		mode:      mode,
		adapter:   adapter,
		providerN: adapter.Descriptor().Name,
		createdAt: time.Now(),
	}
	f.mu.Unlock()

	return BeginResult{
		SessionID:    id,
		AuthorizeURL: adapter.AuthorizeURL(f.clientID, pkce.Challenge),
	}, nil
}

// Complete exchanges the pasted authorization code and persists the new
// account at the given tier (<= 0 means tier 1). The session is consumed
// whether or not the exchange succeeds so a retry starts from Begin.
func (f *Flow) Complete(ctx context.Context, sessionID, code string, tier int) (*typ.Account, error) {
	f.mu.Lock()
	sess, ok := f.sessions[sessionID]
	delete(f.sessions, sessionID)
	f.mu.Unlock()
	if !ok || time.Since(sess.createdAt) > sessionTTL {
		return nil, ErrSessionNotFound
	}

	tokens, err := sess.adapter.ExchangeCode(ctx, code, sess.pkce.Verifier, f.clientID)
	if err != nil {
		return nil, fmt.Errorf("code exchange failed: %w", err)
	}

	if tier <= 0 {
		tier = 1
	}
	acct := &typ.Account{
		Name:        sess.name,
		Provider:    sess.providerN,
		AccountTier: tier,
	}

	// Console mode always mints a key. So does an exchange that comes back
	// without a refresh token: the tokens cannot be kept alive, so a
	// long-lived key is the only usable credential shape.
	if sess.mode == ModeConsole || tokens.RefreshToken == "" {
		key, err := sess.adapter.CreateAPIKey(ctx, tokens.AccessToken)
		if err != nil {
			return nil, fmt.Errorf("api key creation failed: %w", err)
		}
		acct.APIKey = key
	} else {
		acct.RefreshToken = tokens.RefreshToken
		acct.AccessToken = tokens.AccessToken
		acct.ExpiresAt = tokens.ExpiresAtMs
	}

	if err := f.accounts.Insert(acct); err != nil {
		return nil, err
	}
	f.log.WithFields(logrus.Fields{
		"account":  acct.Name,
		"provider": acct.Provider,
		"mode":     string(sess.mode),
	}).Info("OAuth flow completed, account added")
	return acct, nil
}

// pruneLocked drops expired sessions; callers hold f.mu.
func (f *Flow) pruneLocked(now time.Time) {
	for id, s := range f.sessions {
		if now.Sub(s.createdAt) > sessionTTL {
			delete(f.sessions, id)
		}
	}
}
