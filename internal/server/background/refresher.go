package background

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caskade-dev/caskade/internal/db"
	"github.com/caskade-dev/caskade/internal/token"
	"github.com/caskade-dev/caskade/internal/typ"
)

// TokenRefresher proactively refreshes OAuth access tokens so requests rarely
// pay the refresh latency inline.
type TokenRefresher struct {
	accounts      *db.AccountStore
	manager       *token.Manager
	checkInterval time.Duration
	refreshBuffer time.Duration
	log           *logrus.Logger

	stopChan chan struct{}
	mu       sync.RWMutex
	running  bool
}

// NewTokenRefresher creates a refresher with the default cadence: check every
// 10 minutes, refresh tokens expiring within 30 minutes.
func NewTokenRefresher(accounts *db.AccountStore, manager *token.Manager, log *logrus.Logger) *TokenRefresher {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &TokenRefresher{
		accounts:      accounts,
		manager:       manager,
		checkInterval: 10 * time.Minute,
		refreshBuffer: 30 * time.Minute,
		log:           log,
		stopChan:      make(chan struct{}),
	}
}

// SetCheckInterval sets the check interval.
func (tr *TokenRefresher) SetCheckInterval(interval time.Duration) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.checkInterval = interval
}

// SetRefreshBuffer sets the expiry buffer.
func (tr *TokenRefresher) SetRefreshBuffer(buffer time.Duration) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.refreshBuffer = buffer
}

// Start begins the background refresh loop and blocks until the context is
// cancelled or Stop is called.
func (tr *TokenRefresher) Start(ctx context.Context) {
	tr.mu.Lock()
	if tr.running {
		tr.mu.Unlock()
		return
	}
	tr.running = true
	tr.mu.Unlock()

	defer func() {
		tr.mu.Lock()
		tr.running = false
		tr.mu.Unlock()
	}()

	ticker := time.NewTicker(tr.checkInterval)
	defer ticker.Stop()

	tr.CheckAndRefresh(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-tr.stopChan:
			return
		case <-ticker.C:
			tr.CheckAndRefresh(ctx)
		}
	}
}

// Stop stops the refresh loop.
func (tr *TokenRefresher) Stop() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.running {
		close(tr.stopChan)
		tr.stopChan = make(chan struct{})
	}
}

// Running reports whether the loop is active.
func (tr *TokenRefresher) Running() bool {
	tr.mu.RLock()
	defer tr.mu.RUnlock()
	return tr.running
}

// CheckAndRefresh walks all OAuth accounts and refreshes the ones expiring
// inside the buffer. Sequential on purpose; refresh storms hit provider rate
// limits.
func (tr *TokenRefresher) CheckAndRefresh(ctx context.Context) {
	accounts, err := tr.accounts.List()
	if err != nil {
		tr.log.WithError(err).Error("Refresher failed to list accounts")
		return
	}

	tr.mu.RLock()
	buffer := tr.refreshBuffer
	tr.mu.RUnlock()

	now := time.Now()
	refreshed := 0
	for i := range accounts {
		acct := &accounts[i]
		if !acct.IsOAuth() || acct.NeedsReauth() || acct.Paused {
			continue
		}
		if !acct.TokenExpired(now, buffer) {
			continue
		}
		if tr.refreshOne(ctx, acct) {
			refreshed++
		}
	}
	if refreshed > 0 {
		tr.log.WithFields(logrus.Fields{
			"checked":   len(accounts),
			"refreshed": refreshed,
		}).Info("Background token refresh complete")
	}
}

func (tr *TokenRefresher) refreshOne(ctx context.Context, acct *typ.Account) bool {
	if _, err := tr.manager.Refresh(ctx, acct); err != nil {
		tr.log.WithError(err).WithField("account", acct.Name).
			Warn("Background refresh failed")
		return false
	}
	return true
}
