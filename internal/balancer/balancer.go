package balancer

import (
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caskade-dev/caskade/internal/db"
	"github.com/caskade-dev/caskade/internal/provider"
	"github.com/caskade-dev/caskade/internal/typ"
)

// Balancer orders healthy accounts for the dispatcher's failover loop. It
// holds no state of its own; every selection reads a fresh account snapshot.
type Balancer struct {
	accounts      *db.AccountStore
	registry      *provider.Registry
	sessionWindow time.Duration
	log           *logrus.Logger
}

// New creates a balancer.
func New(accounts *db.AccountStore, registry *provider.Registry, sessionWindow time.Duration, log *logrus.Logger) *Balancer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Balancer{
		accounts:      accounts,
		registry:      registry,
		sessionWindow: sessionWindow,
		log:           log,
	}
}

// Candidates returns the accounts eligible for the request path, best first.
// Accounts flagged for re-auth come after every healthy account; paused and
// rate-limited accounts are excluded entirely.
func (b *Balancer) Candidates(path string, now time.Time) ([]typ.Account, error) {
	all, err := b.accounts.List()
	if err != nil {
		return nil, err
	}

	var healthy, reauth []typ.Account
	for _, acct := range all {
		adapter, ok := b.registry.ForName(acct.Provider)
		if !ok || !adapter.CanHandle(path) {
			continue
		}
		if acct.Paused || acct.IsRateLimited(now) {
			continue
		}
		if acct.APIKey == "" && acct.RefreshToken == "" {
			continue
		}
		if acct.NeedsReauth() {
			reauth = append(reauth, acct)
			continue
		}
		healthy = append(healthy, acct)
	}

	b.order(healthy, now)
	b.order(reauth, now)
	return append(healthy, reauth...), nil
}

// order sorts accounts by priority asc, tier desc, effective session request
// count asc, then last_used_at asc with never-used accounts first.
func (b *Balancer) order(accounts []typ.Account, now time.Time) {
	sort.SliceStable(accounts, func(i, j int) bool {
		a, c := &accounts[i], &accounts[j]
		if a.Priority != c.Priority {
			return a.Priority < c.Priority
		}
		if a.AccountTier != c.AccountTier {
			return a.AccountTier > c.AccountTier
		}
		sa, sc := b.effectiveSessionCount(a, now), b.effectiveSessionCount(c, now)
		if sa != sc {
			return sa < sc
		}
		if (a.LastUsedAt == 0) != (c.LastUsedAt == 0) {
			return a.LastUsedAt == 0
		}
		return a.LastUsedAt < c.LastUsedAt
	})
}

// effectiveSessionCount treats a lapsed session window as an empty session.
func (b *Balancer) effectiveSessionCount(a *typ.Account, now time.Time) int64 {
	if a.SessionExpired(now, b.sessionWindow) {
		return 0
	}
	return a.SessionRequestCount
}
