package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caskade-dev/caskade/internal/db"
	"github.com/caskade-dev/caskade/internal/provider"
	"github.com/caskade-dev/caskade/internal/typ"
)

func newTestManager(t *testing.T, tokenEndpoint string) (*Manager, *db.AccountStore) {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	accounts := db.NewAccountStore(gdb)

	anthropic := provider.NewAnthropic(&http.Client{Timeout: 5 * time.Second})
	anthropic.TokenEndpoint = tokenEndpoint
	registry := provider.NewRegistry(anthropic)

	return NewManager(accounts, registry, "client-test", time.Minute, nil), accounts
}

func insertOAuth(t *testing.T, accounts *db.AccountStore, name string, expiresAt int64) *typ.Account {
	t.Helper()
	acct := &typ.Account{
		Name:         name,
		Provider:     "anthropic",
		RefreshToken: "rt-" + name,
		AccessToken:  "at-stale",
		ExpiresAt:    expiresAt,
	}
	require.NoError(t, accounts.Insert(acct))
	return acct
}

func TestAccessTokenForFreshTokenSkipsRefresh(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	m, accounts := newTestManager(t, srv.URL)
	acct := insertOAuth(t, accounts, "fresh", time.Now().Add(time.Hour).UnixMilli())

	tok, err := m.AccessTokenFor(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "at-stale", tok)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestAccessTokenForExpiredRefreshesAndPersists(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	m, accounts := newTestManager(t, srv.URL)
	acct := insertOAuth(t, accounts, "expired", time.Now().Add(-time.Hour).UnixMilli())

	tok, err := m.AccessTokenFor(context.Background(), acct)
	require.NoError(t, err)
	assert.Equal(t, "at-new", tok)

	got, err := accounts.GetByID(acct.ID)
	require.NoError(t, err)
	assert.Equal(t, "at-new", got.AccessToken)
	assert.Equal(t, "rt-new", got.RefreshToken)
	assert.Greater(t, got.ExpiresAt, time.Now().UnixMilli())
}

func TestRefreshSingleFlight(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "at-shared",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	m, accounts := newTestManager(t, srv.URL)
	acct := insertOAuth(t, accounts, "contended", time.Now().Add(-time.Hour).UnixMilli())

	const waiters = 8
	var wg sync.WaitGroup
	results := make([]string, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := m.AccessTokenFor(context.Background(), acct)
			require.NoError(t, err)
			results[i] = tok
		}(i)
	}

	// Let the goroutines pile onto the flight, then release the exchange.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	for _, tok := range results {
		assert.Equal(t, "at-shared", tok)
	}
}

func TestRefreshInvalidGrantMarksReauth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error": "invalid_grant"}`))
	}))
	defer srv.Close()

	m, accounts := newTestManager(t, srv.URL)
	acct := insertOAuth(t, accounts, "revoked", time.Now().Add(-time.Hour).UnixMilli())

	_, err := m.AccessTokenFor(context.Background(), acct)
	assert.ErrorIs(t, err, provider.ErrReauthRequired)

	got, err := accounts.GetByID(acct.ID)
	require.NoError(t, err)
	assert.True(t, got.NeedsReauth())
	assert.Zero(t, got.ExpiresAt)

	// Subsequent requests fail fast without touching the provider.
	_, err = m.AccessTokenFor(context.Background(), got)
	assert.ErrorIs(t, err, provider.ErrReauthRequired)
}

func TestRefreshTransientFailureKeepsCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	m, accounts := newTestManager(t, srv.URL)
	acct := insertOAuth(t, accounts, "flaky", time.Now().Add(-time.Hour).UnixMilli())

	_, err := m.AccessTokenFor(context.Background(), acct)
	require.Error(t, err)
	assert.NotErrorIs(t, err, provider.ErrReauthRequired)

	got, err := accounts.GetByID(acct.ID)
	require.NoError(t, err)
	assert.False(t, got.NeedsReauth())
	assert.Equal(t, "rt-flaky", got.RefreshToken)
	assert.NotEmpty(t, got.LastError)
}

func TestAccessTokenForAPIKeyAccount(t *testing.T) {
	m, accounts := newTestManager(t, "http://unused")
	acct := &typ.Account{Name: "keyed", Provider: "anthropic", APIKey: "sk"}
	require.NoError(t, accounts.Insert(acct))

	_, err := m.AccessTokenFor(context.Background(), acct)
	assert.ErrorIs(t, err, ErrNotOAuth)
}
