package db

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/caskade-dev/caskade/internal/typ"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrDuplicateName   = errors.New("account name already exists")
)

// AccountStore is the durable account repository. All writes are
// single-statement updates; readers see a row snapshot per operation.
type AccountStore struct {
	db *gorm.DB
}

// NewAccountStore creates a store over an opened database.
func NewAccountStore(gdb *gorm.DB) *AccountStore {
	return &AccountStore{db: gdb}
}

// List returns all accounts ordered by priority then name.
func (s *AccountStore) List() ([]typ.Account, error) {
	var accounts []typ.Account
	if err := s.db.Order("priority ASC, name ASC").Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

// GetByID returns a single account by id.
func (s *AccountStore) GetByID(id string) (*typ.Account, error) {
	var acct typ.Account
	err := s.db.Where("id = ?", id).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// GetByName returns a single account by its unique name.
func (s *AccountStore) GetByName(name string) (*typ.Account, error) {
	var acct typ.Account
	err := s.db.Where("name = ?", name).First(&acct).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return &acct, nil
}

// Insert validates and persists a new account. A missing id or created_at is
// filled in.
func (s *AccountStore) Insert(acct *typ.Account) error {
	if err := acct.Validate(); err != nil {
		return err
	}
	if acct.ID == "" {
		acct.ID = uuid.NewString()
	}
	if acct.CreatedAt == 0 {
		acct.CreatedAt = time.Now().UnixMilli()
	}
	if acct.AccountTier == 0 {
		acct.AccountTier = 1
	}
	if _, err := s.GetByName(acct.Name); err == nil {
		return fmt.Errorf("%w: %s", ErrDuplicateName, acct.Name)
	}
	return s.db.Create(acct).Error
}

// Delete removes an account by name.
func (s *AccountStore) Delete(name string) error {
	res := s.db.Where("name = ?", name).Delete(&typ.Account{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// MarkRateLimited records a rate-limit window end for the account.
// Re-applying the same (id, untilMs) is a no-op.
func (s *AccountStore) MarkRateLimited(id string, untilMs int64) error {
	return s.db.Model(&typ.Account{}).Where("id = ?", id).
		Update("rate_limited_until", untilMs).Error
}

// ClearRateLimit removes the rate-limit mark.
func (s *AccountStore) ClearRateLimit(id string) error {
	return s.db.Model(&typ.Account{}).Where("id = ?", id).
		Update("rate_limited_until", 0).Error
}

// Pause marks the account paused; paused accounts are never selected.
func (s *AccountStore) Pause(id string) error {
	return s.setPaused(id, true)
}

// Resume clears the paused flag.
func (s *AccountStore) Resume(id string) error {
	return s.setPaused(id, false)
}

func (s *AccountStore) setPaused(id string, paused bool) error {
	res := s.db.Model(&typ.Account{}).Where("id = ?", id).Update("paused", paused)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetPriority updates the scheduling priority, 0 (highest) to 100 (lowest).
func (s *AccountStore) SetPriority(id string, priority int) error {
	if priority < 0 || priority > 100 {
		return fmt.Errorf("priority %d out of range [0,100]", priority)
	}
	res := s.db.Model(&typ.Account{}).Where("id = ?", id).Update("priority", priority)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetTier records a provider-observed tier upgrade.
func (s *AccountStore) SetTier(id string, tier int) error {
	return s.db.Model(&typ.Account{}).Where("id = ?", id).
		Update("account_tier", tier).Error
}

// TouchUsage applies the per-commit counter updates in a single statement:
// lifetime and total counters increment, last_used_at moves forward, and the
// session counter either increments or restarts when the session window has
// lapsed.
func (s *AccountStore) TouchUsage(id string, now time.Time, sessionWindow time.Duration) error {
	nowMs := now.UnixMilli()
	windowMs := sessionWindow.Milliseconds()
	return s.db.Exec(`
		UPDATE accounts SET
			request_count = request_count + 1,
			total_requests = total_requests + 1,
			last_used_at = ?,
			session_request_count = CASE
				WHEN session_start IS NULL OR session_start = 0 OR ? - session_start >= ?
				THEN 1 ELSE session_request_count + 1 END,
			session_start = CASE
				WHEN session_start IS NULL OR session_start = 0 OR ? - session_start >= ?
				THEN ? ELSE session_start END
		WHERE id = ?
	`, nowMs, nowMs, windowMs, nowMs, windowMs, nowMs, id).Error
}

// UpdateTokens persists a refreshed OAuth token set. The refresh token only
// rotates when the provider returned a new one.
func (s *AccountStore) UpdateTokens(id, accessToken, refreshToken string, expiresAtMs int64) error {
	updates := map[string]interface{}{
		"access_token": accessToken,
		"expires_at":   expiresAtMs,
		"last_error":   "",
	}
	if refreshToken != "" {
		updates["refresh_token"] = refreshToken
	}
	return s.db.Model(&typ.Account{}).Where("id = ?", id).Updates(updates).Error
}

// SetLastError records the most recent account-level failure.
func (s *AccountStore) SetLastError(id, lastError string) error {
	return s.db.Model(&typ.Account{}).Where("id = ?", id).
		Update("last_error", lastError).Error
}

// MarkReauthRequired flags the account after a terminal refresh failure:
// the access token expiry is cleared so the account never serves a stale
// token again.
func (s *AccountStore) MarkReauthRequired(id string) error {
	return s.db.Model(&typ.Account{}).Where("id = ?", id).Updates(map[string]interface{}{
		"last_error": typ.LastErrorReauthRequired,
		"expires_at": 0,
	}).Error
}

// NeedsReauth returns the accounts whose refresh tokens were rejected.
func (s *AccountStore) NeedsReauth() ([]typ.Account, error) {
	var accounts []typ.Account
	err := s.db.Where("last_error = ?", typ.LastErrorReauthRequired).Find(&accounts).Error
	return accounts, err
}

// ResetStats zeroes the per-account usage counters.
func (s *AccountStore) ResetStats() error {
	return s.db.Model(&typ.Account{}).Where("1 = 1").Updates(map[string]interface{}{
		"request_count":         0,
		"total_requests":        0,
		"session_request_count": 0,
		"session_start":         0,
		"last_used_at":          0,
	}).Error
}
