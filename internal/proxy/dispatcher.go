package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/caskade-dev/caskade/internal/balancer"
	"github.com/caskade-dev/caskade/internal/config"
	"github.com/caskade-dev/caskade/internal/db"
	"github.com/caskade-dev/caskade/internal/provider"
	"github.com/caskade-dev/caskade/internal/token"
	"github.com/caskade-dev/caskade/internal/typ"
)

const maxRequestBody = 32 << 20 // 32 MiB

// Dispatcher owns the request forwarding loop: candidate selection, failover
// across accounts, the single commit point, and response relay.
type Dispatcher struct {
	balancer *balancer.Balancer
	registry *provider.Registry
	tokens   *token.Manager
	accounts *db.AccountStore
	requests *db.RequestStore
	pricing  *config.PricingStore

	sessionWindow   time.Duration
	upstreamTimeout time.Duration
	idleReadTimeout time.Duration

	client *http.Client
	log    *logrus.Logger
}

// Options carries the dispatcher's collaborators and tuning.
type Options struct {
	Balancer *balancer.Balancer
	Registry *provider.Registry
	Tokens   *token.Manager
	Accounts *db.AccountStore
	Requests *db.RequestStore
	Pricing  *config.PricingStore

	SessionWindow   time.Duration
	UpstreamTimeout time.Duration
	IdleReadTimeout time.Duration

	// Client performs the upstream round trips; nil gets a timeout-free
	// default (the dispatcher applies its own deadlines per attempt).
	Client *http.Client
	Log    *logrus.Logger
}

// NewDispatcher wires a dispatcher from its options.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Client == nil {
		opts.Client = &http.Client{}
	}
	if opts.Log == nil {
		opts.Log = logrus.StandardLogger()
	}
	return &Dispatcher{
		balancer:        opts.Balancer,
		registry:        opts.Registry,
		tokens:          opts.Tokens,
		accounts:        opts.Accounts,
		requests:        opts.Requests,
		pricing:         opts.Pricing,
		sessionWindow:   opts.SessionWindow,
		upstreamTimeout: opts.UpstreamTimeout,
		idleReadTimeout: opts.IdleReadTimeout,
		client:          opts.Client,
		log:             opts.Log,
	}
}

// ServeHTTP forwards one client request through the best available account,
// failing over until a response is committed or candidates run out.
func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	started := time.Now()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		d.writeError(w, r, newError(KindValidation, fmt.Errorf("failed to read request body: %w", err)))
		return
	}

	candidates, err := d.balancer.Candidates(r.URL.Path, started)
	if err != nil {
		d.writeError(w, r, newError(KindFatal, err))
		return
	}
	if len(candidates) == 0 {
		d.log.WithField("path", r.URL.Path).Warn("No healthy account for request")
		d.writeError(w, r, newError(KindNoAccount, errors.New("no healthy account")))
		return
	}

	var lastErr *Error
	for i := range candidates {
		acct := &candidates[i]
		perr := d.attempt(w, r, acct, body, started)
		if perr == nil {
			return // committed
		}
		if perr.AccountID == "" {
			perr.AccountID = acct.ID
		}
		if !perr.Retryable() {
			if perr.Kind == KindClientAbort {
				d.log.WithField("account", acct.Name).Debug("Client disconnected before commit")
				return
			}
			d.writeError(w, r, perr)
			return
		}
		d.log.WithFields(logrus.Fields{
			"account": acct.Name,
			"kind":    string(perr.Kind),
			"error":   perr.Err,
		}).Warn("Attempt failed, trying next account")
		lastErr = perr
	}

	d.writeError(w, r, lastErr)
}

// attempt tries one account. A nil return means the response was committed
// and fully relayed; a non-nil return means nothing was written to the client
// and failover may continue.
func (d *Dispatcher) attempt(w http.ResponseWriter, r *http.Request, acct *typ.Account, body []byte, started time.Time) *Error {
	adapter, ok := d.registry.ForName(acct.Provider)
	if !ok {
		return newError(KindFatal, fmt.Errorf("unknown provider %q", acct.Provider))
	}

	var accessToken string
	if acct.IsOAuth() {
		tok, err := d.tokens.AccessTokenFor(r.Context(), acct)
		if err != nil {
			return classifyTokenError(err)
		}
		accessToken = tok
	}

	outBody := adapter.TransformRequestBody(body, acct)

	ctx, cancel := context.WithTimeout(r.Context(), d.upstreamTimeout)
	defer cancel()

	url := adapter.BuildURL(r.URL.Path, r.URL.RawQuery, acct)
	req, err := http.NewRequestWithContext(ctx, r.Method, url, bytes.NewReader(outBody))
	if err != nil {
		return newError(KindFatal, err)
	}
	req.Header = adapter.PrepareHeaders(r.Header, accessToken, acct.APIKey)
	req.ContentLength = int64(len(outBody))

	resp, err := d.client.Do(req)
	if err != nil {
		perr := classifyTransport(r.Context(), err)
		if perr.Kind == KindTransport {
			_ = d.accounts.SetLastError(acct.ID, err.Error())
		}
		return perr
	}

	rl := adapter.ParseRateLimit(resp)
	if rl.IsRateLimited {
		resp.Body.Close()
		d.log.WithFields(logrus.Fields{
			"account":  acct.Name,
			"reset_at": time.UnixMilli(rl.ResetAtMs).Format(time.RFC3339),
		}).Warn("Account rate limited")
		if err := d.accounts.MarkRateLimited(acct.ID, rl.ResetAtMs); err != nil {
			d.log.WithError(err).Error("Failed to persist rate-limit mark")
		}
		return &Error{Kind: KindRateLimit, StatusCode: resp.StatusCode, AccountID: acct.ID,
			Err: fmt.Errorf("rate limited until %s", time.UnixMilli(rl.ResetAtMs).Format(time.RFC3339))}
	}

	if perr := classifyStatus(resp.StatusCode); perr != nil {
		resp.Body.Close()
		perr.AccountID = acct.ID
		_ = d.accounts.SetLastError(acct.ID, perr.Error())
		return perr
	}

	// Commit point. From here the account is charged and the response is
	// relayed to the client; any later failure is terminal.
	d.commit(w, r, acct, adapter, resp, rl, started)
	return nil
}

// commit charges the account and relays the upstream response to the client.
func (d *Dispatcher) commit(w http.ResponseWriter, r *http.Request, acct *typ.Account, adapter provider.Adapter, resp *http.Response, rl provider.RateLimitInfo, started time.Time) {
	defer resp.Body.Close()

	now := time.Now()
	if err := d.accounts.TouchUsage(acct.ID, now, d.sessionWindow); err != nil {
		d.log.WithError(err).WithField("account", acct.Name).Error("Failed to update usage counters")
	}
	if rl.Remaining == 0 {
		// Quota spent on the last permitted request. Mark the account so the
		// balancer skips it until the reset; this response still commits.
		d.log.WithFields(logrus.Fields{
			"account":  acct.Name,
			"reset_at": time.UnixMilli(rl.ResetAtMs).Format(time.RFC3339),
		}).Info("Account quota exhausted, sitting out until reset")
		if err := d.accounts.MarkRateLimited(acct.ID, rl.ResetAtMs); err != nil {
			d.log.WithError(err).Error("Failed to persist rate-limit mark")
		}
	} else if acct.RateLimitedUntil != 0 {
		_ = d.accounts.ClearRateLimit(acct.ID)
	}
	if acct.LastError != "" && !acct.NeedsReauth() {
		_ = d.accounts.SetLastError(acct.ID, "")
	}
	if tier, upgraded := adapter.ProcessResponse(resp, acct); upgraded {
		d.log.WithFields(logrus.Fields{"account": acct.Name, "tier": tier}).Info("Account tier upgraded")
		if err := d.accounts.SetTier(acct.ID, tier); err != nil {
			d.log.WithError(err).Error("Failed to persist tier upgrade")
		}
	}

	recordID, err := d.requests.Create(r.Method, r.URL.Path, acct.ID)
	if err != nil {
		d.log.WithError(err).Error("Failed to create request record")
	}

	streaming := adapter.IsStreamingResponse(resp)
	collector := NewCollector(streaming, d.pricing.Table(), started)

	header := w.Header()
	for key, values := range resp.Header {
		header[key] = values
	}
	w.WriteHeader(resp.StatusCode)

	relayErr := d.relay(w, resp.Body, collector, streaming)

	usage := collector.Finish()
	errText := ""
	if relayErr != nil {
		if errors.Is(relayErr, context.Canceled) || r.Context().Err() != nil {
			errText = string(KindClientAbort)
			d.log.WithField("account", acct.Name).Debug("Client disconnected mid-response")
		} else {
			errText = relayErr.Error()
			d.log.WithError(relayErr).WithField("account", acct.Name).Warn("Upstream body relay failed")
		}
	}

	if recordID != "" {
		if err := d.requests.Finalize(recordID, resp.StatusCode, time.Since(started), errText, usage); err != nil {
			d.log.WithError(err).Error("Failed to finalize request record")
		}
	}
}

// relay copies the response body to the client through the usage collector.
// Streamed bodies are flushed per chunk and cut off when no bytes arrive
// within the idle read timeout.
func (d *Dispatcher) relay(w http.ResponseWriter, upstream io.ReadCloser, collector *Collector, streaming bool) error {
	flusher, _ := w.(http.Flusher)

	var idle *time.Timer
	if d.idleReadTimeout > 0 {
		idle = time.AfterFunc(d.idleReadTimeout, func() {
			upstream.Close()
		})
		defer idle.Stop()
	}

	buf := make([]byte, 32*1024)
	dst := io.MultiWriter(w, collector)
	for {
		n, err := upstream.Read(buf)
		if idle != nil {
			idle.Reset(d.idleReadTimeout)
		}
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return werr
			}
			if streaming && flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// writeError responds with the client-facing shape for a terminal failure and
// records the failed request. The row carries the last attempted account id;
// the "no-account" sentinel is reserved for requests with no candidate at all.
func (d *Dispatcher) writeError(w http.ResponseWriter, r *http.Request, perr *Error) {
	if perr == nil {
		perr = newError(KindFatal, errors.New("dispatch failed with no recorded error"))
	}
	status := perr.HTTPStatus()

	accountID := perr.AccountID
	if accountID == "" {
		accountID = typ.NoAccountID
	}
	if err := d.requests.RecordFailure(r.Method, r.URL.Path, accountID, status, perr.Error()); err != nil {
		d.log.WithError(err).Error("Failed to record failed request")
	}

	// The last upstream body was already closed during failover, so the
	// client gets a synthesized error envelope with the last observed status.
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	switch perr.Kind {
	case KindNoAccount:
		fmt.Fprint(w, `{"error": "no_healthy_account"}`)
	default:
		fmt.Fprintf(w, `{"error": %q}`, perr.Error())
	}
}
