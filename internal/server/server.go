package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/caskade-dev/caskade/internal/balancer"
	"github.com/caskade-dev/caskade/internal/config"
	"github.com/caskade-dev/caskade/internal/db"
	"github.com/caskade-dev/caskade/internal/oauth"
	"github.com/caskade-dev/caskade/internal/provider"
	"github.com/caskade-dev/caskade/internal/proxy"
	"github.com/caskade-dev/caskade/internal/server/background"
	"github.com/caskade-dev/caskade/internal/server/middleware"
	"github.com/caskade-dev/caskade/internal/token"
)

// Server is the composition root: it owns the stores, the provider registry,
// the dispatcher, and the HTTP surface.
type Server struct {
	cfg      *config.AppConfig
	engine   *gin.Engine
	log      *logrus.Logger
	accounts *db.AccountStore
	requests *db.RequestStore
	registry *provider.Registry
	tokens   *token.Manager
	flow     *oauth.Flow
	pricing  *config.PricingStore

	dispatcher *proxy.Dispatcher
	refresher  *background.TokenRefresher
	authMW     *middleware.AuthMiddleware

	httpServer *http.Server
}

// New wires a server from configuration. The database is opened (and
// migrated) here.
func New(cfg *config.AppConfig, log *logrus.Logger) (*Server, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	gdb, err := db.Open(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	accounts := db.NewAccountStore(gdb)
	requests := db.NewRequestStore(gdb)
	registry := provider.DefaultRegistry(&http.Client{Timeout: 30 * time.Second})
	tokens := token.NewManager(accounts, registry, cfg.ClientID, cfg.RefreshLeeway(), log)
	bal := balancer.New(accounts, registry, cfg.SessionWindow(), log)
	flow := oauth.NewFlow(accounts, cfg.ClientID, log)

	pricing := config.NewPricingStore(cfg.Pricing)
	if err := pricing.Watch(cfg.BaseDir()); err != nil {
		log.WithError(err).Warn("Pricing hot-reload unavailable")
	}

	dispatcher := proxy.NewDispatcher(proxy.Options{
		Balancer:        bal,
		Registry:        registry,
		Tokens:          tokens,
		Accounts:        accounts,
		Requests:        requests,
		Pricing:         pricing,
		SessionWindow:   cfg.SessionWindow(),
		UpstreamTimeout: cfg.UpstreamTimeout(),
		IdleReadTimeout: cfg.IdleReadTimeout(),
		Log:             log,
	})

	s := &Server{
		cfg:        cfg,
		log:        log,
		accounts:   accounts,
		requests:   requests,
		registry:   registry,
		tokens:     tokens,
		flow:       flow,
		pricing:    pricing,
		dispatcher: dispatcher,
		refresher:  background.NewTokenRefresher(accounts, tokens, log),
		authMW:     middleware.NewAuthMiddleware(cfg.APISecret),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	manage := engine.Group("/manage/api", s.authMW.RequireAuth())
	{
		manage.GET("/accounts", s.handleListAccounts)
		manage.POST("/accounts", s.handleAddAccount)
		manage.DELETE("/accounts/:name", s.handleDeleteAccount)
		manage.POST("/accounts/:name/pause", s.handlePauseAccount)
		manage.POST("/accounts/:name/resume", s.handleResumeAccount)
		manage.PUT("/accounts/:name/priority", s.handleSetPriority)
		manage.POST("/accounts/reset-stats", s.handleResetStats)

		manage.POST("/oauth/begin", s.handleOAuthBegin)
		manage.POST("/oauth/complete", s.handleOAuthComplete)

		manage.GET("/usage/recent", s.handleRecentUsage)
		manage.GET("/usage/analyze", s.handleAnalyzeUsage)
		manage.POST("/usage/clear", s.handleClearUsage)
	}

	// Everything else is proxied.
	engine.NoRoute(func(c *gin.Context) {
		s.dispatcher.ServeHTTP(c.Writer, c.Request)
	})

	s.engine = engine
}

// Run starts the background refresher and serves until the context is
// cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	go s.refresher.Start(ctx)

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("Proxy listening")
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.pricing.Close()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}
