package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/muvusoft/talkscribe-license/internal/errors"
	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// DefaultHTTPTimeout bounds every verify round trip.
const DefaultHTTPTimeout = 10 * time.Second

const maxDecisionSize = 64 * 1024

// FingerprintSource describes the host environment for the verify call.
type FingerprintSource func() licensing.Fingerprint

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	VerifyURL   string
	HTTPClient  *http.Client // defaults to one with Timeout
	Timeout     time.Duration
	Fingerprint FingerprintSource
	Verifier    *licensing.DecisionVerifier // nil accepts unsigned decisions
	Now         func() time.Time
}

// Resolver asks the ledger for the plan decision and caches the answer for
// the server-chosen TTL.
type Resolver struct {
	local       *LocalStore
	verifyURL   string
	client      *http.Client
	timeout     time.Duration
	fingerprint FingerprintSource
	verifier    *licensing.DecisionVerifier
	now         func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	loaded    bool
	cached    *licensing.Decision
	expiresAt time.Time

	pendingUsage atomic.Int64
}

// NewResolver creates a Resolver persisting into local.
func NewResolver(local *LocalStore, cfg ResolverConfig) *Resolver {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	fp := cfg.Fingerprint
	if fp == nil {
		fp = HostFingerprint
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Resolver{
		local:       local,
		verifyURL:   cfg.VerifyURL,
		client:      client,
		timeout:     timeout,
		fingerprint: fp,
		verifier:    cfg.Verifier,
		now:         now,
	}
}

// VerifyLicense returns the plan decision for deviceID. Unless force is set,
// an unexpired cached decision is returned without a network call. Any
// failure to obtain a fresh decision returns a nil decision and a connection
// error.
func (r *Resolver) VerifyLicense(ctx context.Context, deviceID string, force bool) (*licensing.Decision, error) {
	if !force {
		if d := r.fresh(ctx); d != nil {
			return d, nil
		}
	}

	key := deviceID
	if force {
		key += "|force"
	}
	ch := r.group.DoChan(key, func() (interface{}, error) {
		return r.fetch(context.WithoutCancel(ctx), deviceID)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		d := *res.Val.(*licensing.Decision)
		return &d, nil
	case <-ctx.Done():
		return nil, errs.WrapConnectionError("verify_license", ctx.Err())
	}
}

// ReportUsage adds seconds of consumed time to the next verify call and sends
// it now. Usage that fails to send stays queued for the following call.
func (r *Resolver) ReportUsage(ctx context.Context, deviceID string, seconds int64) error {
	if seconds <= 0 {
		return nil
	}
	r.pendingUsage.Add(seconds)
	_, err := r.VerifyLicense(ctx, deviceID, true)
	return err
}

// PendingUsage returns usage seconds not yet accepted by the server.
func (r *Resolver) PendingUsage() int64 {
	return r.pendingUsage.Load()
}

// LastDecision returns the most recent decision, fresh or not, restoring it
// from the local store on first use. It is nil when none was ever received.
func (r *Resolver) LastDecision(ctx context.Context) (*licensing.Decision, error) {
	if err := r.restore(ctx); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil {
		return nil, nil
	}
	d := *r.cached
	return &d, nil
}

// Invalidate drops the in-memory cache so the next call goes to the server.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.expiresAt = time.Time{}
	r.mu.Unlock()
}

func (r *Resolver) restore(ctx context.Context) error {
	r.mu.Lock()
	loaded := r.loaded
	r.mu.Unlock()
	if loaded {
		return nil
	}

	d, at, err := r.local.CachedResponse(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.loaded {
		return nil
	}
	r.loaded = true
	if d != nil && r.cached == nil {
		r.cached = d
		if !at.IsZero() {
			r.expiresAt = at.Add(d.CacheTTL())
		}
	}
	return nil
}

func (r *Resolver) fresh(ctx context.Context) *licensing.Decision {
	if err := r.restore(ctx); err != nil {
		log.Warn().Err(err).Msg("Could not restore cached license decision")
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached == nil || !r.now().Before(r.expiresAt) {
		return nil
	}
	d := *r.cached
	return &d
}

func (r *Resolver) fetch(ctx context.Context, deviceID string) (*licensing.Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	email, err := r.local.LinkedEmail(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not read linked email")
		email = ""
	}
	usage := r.pendingUsage.Swap(0)

	d, err := r.post(ctx, licensing.VerifyRequest{
		DeviceID:        deviceID,
		Fingerprint:     r.fingerprint(),
		Email:           email,
		AddUsageSeconds: usage,
	})
	if err != nil {
		if usage > 0 {
			r.pendingUsage.Add(usage)
		}
		log.Warn().Err(err).Str("device_id", deviceID).Msg("License verify failed")
		return nil, errs.WrapConnectionError("verify_license", err)
	}

	now := r.now()
	d.Normalize(now)

	r.mu.Lock()
	r.loaded = true
	r.cached = d
	r.expiresAt = now.Add(d.CacheTTL())
	r.mu.Unlock()

	if err := r.local.SaveResponse(ctx, d, now); err != nil {
		log.Warn().Err(err).Msg("Could not persist license decision")
	}

	log.Debug().
		Str("device_id", deviceID).
		Str("plan", string(d.Plan)).
		Int64("free_seconds_remaining", d.FreeDailySecondsRemaining).
		Msg("License verified")
	return d, nil
}

func (r *Resolver) post(ctx context.Context, req licensing.VerifyRequest) (*licensing.Decision, error) {
	if r.verifyURL == "" {
		return nil, fmt.Errorf("verify URL not configured")
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode verify request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.verifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxDecisionSize))
		return nil, fmt.Errorf("verify returned status %d", resp.StatusCode)
	}

	var d licensing.Decision
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxDecisionSize)).Decode(&d); err != nil {
		return nil, fmt.Errorf("decode verify response: %w", err)
	}
	if err := r.verifier.Verify(req.DeviceID, &d); err != nil {
		return nil, err
	}
	return &d, nil
}
