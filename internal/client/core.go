// Package client is the entitlement core of the TalkScribe extension agent:
// device identity, local trial and quota state, the cached server decision,
// the license gate and the usage timer, behind a message interface.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/rs/zerolog/log"
)

// Options configures a Core. Store and VerifyURL are required.
type Options struct {
	Store       Store
	VerifyURL   string
	CheckoutURL string // defaults to DefaultCheckoutURL
	PriceID     string // defaults to DefaultPriceID

	HTTPClient  *http.Client
	HTTPTimeout time.Duration
	Fingerprint FingerprintSource
	Verifier    *licensing.DecisionVerifier

	Notifier Notifier
	Opener   Opener // defaults to LogOpener
	Observer DecisionObserver
	Now      func() time.Time
}

// Core wires the client components together.
type Core struct {
	local    *LocalStore
	resolver *Resolver
	gate     *Gate
	timer    *UsageTimer
	opener   Opener

	checkoutURL string
	priceID     string

	closeOnce sync.Once
}

// New builds a Core. Call Init before handling messages.
func New(opts Options) (*Core, error) {
	if opts.Store == nil {
		return nil, errors.New("client store is required")
	}
	if opts.VerifyURL == "" {
		return nil, errors.New("verify URL is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	local := NewLocalStore(opts.Store, now)
	resolver := NewResolver(local, ResolverConfig{
		VerifyURL:   opts.VerifyURL,
		HTTPClient:  opts.HTTPClient,
		Timeout:     opts.HTTPTimeout,
		Fingerprint: opts.Fingerprint,
		Verifier:    opts.Verifier,
		Now:         now,
	})

	c := &Core{
		local:       local,
		resolver:    resolver,
		gate:        NewGate(local, resolver, now, opts.Observer),
		opener:      opts.Opener,
		checkoutURL: opts.CheckoutURL,
		priceID:     opts.PriceID,
	}
	c.timer = NewUsageTimer(local, opts.Notifier, c.reportUsage)
	if c.opener == nil {
		c.opener = LogOpener
	}
	if c.checkoutURL == "" {
		c.checkoutURL = DefaultCheckoutURL
	}
	if c.priceID == "" {
		c.priceID = DefaultPriceID
	}
	return c, nil
}

// Init prepares local state and returns the device id.
func (c *Core) Init(ctx context.Context) (string, error) {
	deviceID, err := c.local.InitializeIfNeeded(ctx)
	if err != nil {
		return "", err
	}
	log.Info().Str("device_id", deviceID).Msg("License core initialized")
	return deviceID, nil
}

// CheckLicense is the entitlement gate.
func (c *Core) CheckLicense(ctx context.Context) (bool, error) {
	return c.gate.CheckLicense(ctx)
}

// Status forces a server round trip and returns the status view.
func (c *Core) Status(ctx context.Context) (*licensing.LicenseStatus, error) {
	deviceID, err := c.local.DeviceID(ctx)
	if err != nil {
		return nil, err
	}
	d, err := c.resolver.VerifyLicense(ctx, deviceID, true)
	if err != nil {
		return nil, err
	}
	status := d.Status()
	return &status, nil
}

// Local exposes the local entitlement store.
func (c *Core) Local() *LocalStore { return c.local }

// Resolver exposes the server resolver.
func (c *Core) Resolver() *Resolver { return c.resolver }

// Timer exposes the usage timer.
func (c *Core) Timer() *UsageTimer { return c.timer }

// Close stops the usage timer.
func (c *Core) Close() error {
	c.closeOnce.Do(c.timer.Stop)
	return nil
}

func (c *Core) reportUsage(ctx context.Context, seconds int64) {
	deviceID, err := c.local.DeviceID(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Usage not reported")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultHTTPTimeout)
	defer cancel()
	if err := c.resolver.ReportUsage(ctx, deviceID, seconds); err != nil {
		log.Warn().Err(err).Int64("seconds", seconds).Msg("Usage report failed, will retry on next verify")
	}
}
