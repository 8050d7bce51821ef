package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/caskade-dev/caskade/internal/db"
	"github.com/caskade-dev/caskade/internal/oauth"
	"github.com/caskade-dev/caskade/internal/provider"
	"github.com/caskade-dev/caskade/internal/typ"
)

// accountView is the wire shape for account listings: credentials redacted,
// health derived.
type accountView struct {
	ID                  string `json:"id"`
	Name                string `json:"name"`
	Provider            string `json:"provider"`
	AuthKind            string `json:"auth_kind"`
	Priority            int    `json:"priority"`
	AccountTier         int    `json:"account_tier"`
	Paused              bool   `json:"paused"`
	Healthy             bool   `json:"healthy"`
	NeedsReauth         bool   `json:"needs_reauth"`
	RateLimitedUntil    int64  `json:"rate_limited_until,omitempty"`
	RequestCount        int64  `json:"request_count"`
	SessionRequestCount int64  `json:"session_request_count"`
	TotalRequests       int64  `json:"total_requests"`
	LastUsedAt          int64  `json:"last_used_at,omitempty"`
	LastError           string `json:"last_error,omitempty"`
	CustomEndpoint      string `json:"custom_endpoint,omitempty"`
	ModelMappings       string `json:"model_mappings,omitempty"`
}

func viewOf(a *typ.Account, now time.Time) accountView {
	authKind := "api_key"
	if a.IsOAuth() {
		authKind = "oauth"
	}
	return accountView{
		ID:                  a.ID,
		Name:                a.Name,
		Provider:            a.Provider,
		AuthKind:            authKind,
		Priority:            a.Priority,
		AccountTier:         a.AccountTier,
		Paused:              a.Paused,
		Healthy:             a.IsHealthy(now),
		NeedsReauth:         a.NeedsReauth(),
		RateLimitedUntil:    a.RateLimitedUntil,
		RequestCount:        a.RequestCount,
		SessionRequestCount: a.SessionRequestCount,
		TotalRequests:       a.TotalRequests,
		LastUsedAt:          a.LastUsedAt,
		LastError:           a.LastError,
		CustomEndpoint:      a.CustomEndpoint,
		ModelMappings:       a.ModelMappings,
	}
}

func (s *Server) handleListAccounts(c *gin.Context) {
	accounts, err := s.accounts.List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	now := time.Now()
	views := make([]accountView, 0, len(accounts))
	for i := range accounts {
		views = append(views, viewOf(&accounts[i], now))
	}
	c.JSON(http.StatusOK, gin.H{"accounts": views})
}

type addAccountRequest struct {
	Name           string `json:"name" binding:"required"`
	Provider       string `json:"provider" binding:"required"`
	APIKey         string `json:"api_key" binding:"required"`
	Priority       int    `json:"priority"`
	CustomEndpoint string `json:"custom_endpoint"`
	ModelMappings  string `json:"model_mappings"`
}

func (s *Server) handleAddAccount(c *gin.Context) {
	var req addAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if _, ok := s.registry.ForName(req.Provider); !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider: " + req.Provider})
		return
	}

	acct := &typ.Account{
		Name:           req.Name,
		Provider:       req.Provider,
		APIKey:         req.APIKey,
		Priority:       req.Priority,
		CustomEndpoint: req.CustomEndpoint,
		ModelMappings:  req.ModelMappings,
	}
	if err := s.accounts.Insert(acct); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, db.ErrDuplicateName) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, viewOf(acct, time.Now()))
}

func (s *Server) handleDeleteAccount(c *gin.Context) {
	if err := s.accounts.Delete(c.Param("name")); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, db.ErrAccountNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
}

func (s *Server) withAccountByName(c *gin.Context, fn func(acct *typ.Account) error) {
	acct, err := s.accounts.GetByName(c.Param("name"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, db.ErrAccountNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	if err := fn(acct); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	updated, err := s.accounts.GetByID(acct.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, viewOf(updated, time.Now()))
}

func (s *Server) handlePauseAccount(c *gin.Context) {
	s.withAccountByName(c, func(acct *typ.Account) error {
		return s.accounts.Pause(acct.ID)
	})
}

func (s *Server) handleResumeAccount(c *gin.Context) {
	s.withAccountByName(c, func(acct *typ.Account) error {
		return s.accounts.Resume(acct.ID)
	})
}

func (s *Server) handleSetPriority(c *gin.Context) {
	var req struct {
		Priority *int `json:"priority" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.withAccountByName(c, func(acct *typ.Account) error {
		return s.accounts.SetPriority(acct.ID, *req.Priority)
	})
}

func (s *Server) handleResetStats(c *gin.Context) {
	if err := s.accounts.ResetStats(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

type oauthBeginRequest struct {
	Name     string `json:"name" binding:"required"`
	Provider string `json:"provider"`
	Mode     string `json:"mode"`
}

func (s *Server) handleOAuthBegin(c *gin.Context) {
	var req oauthBeginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Provider == "" {
		req.Provider = "anthropic"
	}
	mode := oauth.Mode(req.Mode)
	if mode == "" {
		mode = oauth.ModeMax
	}

	adapter, ok := s.registry.ForName(req.Provider)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown provider: " + req.Provider})
		return
	}
	oa, ok := adapter.(provider.OAuthAdapter)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "provider does not support oauth: " + req.Provider})
		return
	}

	result, err := s.flow.Begin(req.Name, mode, oa)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, db.ErrDuplicateName) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":    result.SessionID,
		"authorize_url": result.AuthorizeURL,
	})
}

type oauthCompleteRequest struct {
	SessionID string `json:"session_id" binding:"required"`
	Code      string `json:"code" binding:"required"`
	Tier      int    `json:"tier"`
}

func (s *Server) handleOAuthComplete(c *gin.Context) {
	var req oauthCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	acct, err := s.flow.Complete(c.Request.Context(), req.SessionID, req.Code, req.Tier)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, oauth.ErrSessionNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, viewOf(acct, time.Now()))
}

func (s *Server) handleRecentUsage(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	records, err := s.requests.Recent(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requests": records})
}

func (s *Server) handleAnalyzeUsage(c *gin.Context) {
	groupBy := c.DefaultQuery("group_by", "model")
	var since time.Time
	if v := c.Query("since_hours"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since_hours"})
			return
		}
		since = time.Now().Add(-time.Duration(hours) * time.Hour)
	}
	summaries, err := s.requests.Analyze(groupBy, since)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"group_by": groupBy, "summaries": summaries})
}

func (s *Server) handleClearUsage(c *gin.Context) {
	if err := s.requests.ClearHistory(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}
