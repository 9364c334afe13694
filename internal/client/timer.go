package client

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// TickInterval is how often the usage timer charges the daily allotment.
const TickInterval = time.Second

// Notifier delivers broadcasts to every connected consumer.
type Notifier interface {
	Broadcast(msg Message)
}

// UsageReporter receives whole seconds of consumed time when a timer run ends.
type UsageReporter func(ctx context.Context, seconds int64)

// Ticker is the subset of time.Ticker the timer uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ *time.Ticker }

func (t realTicker) C() <-chan time.Time { return t.Ticker.C }

// newRealTicker returns a ticker that also stops when ctx ends.
func newRealTicker(ctx context.Context, d time.Duration) Ticker {
	t := time.NewTicker(d)
	context.AfterFunc(ctx, t.Stop)
	return realTicker{t}
}

// UsageTimer charges local usage once per tick while the privileged action
// runs. At most one loop is active; Start replaces a running loop.
type UsageTimer struct {
	local     *LocalStore
	notifier  Notifier
	reporter  UsageReporter
	interval  time.Duration
	newTicker func(context.Context, time.Duration) Ticker

	// lifecycle serializes Start and Stop
	lifecycle sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	carryMs int64
}

// NewUsageTimer creates a timer. notifier and reporter may be nil.
func NewUsageTimer(local *LocalStore, notifier Notifier, reporter UsageReporter) *UsageTimer {
	return &UsageTimer{
		local:     local,
		notifier:  notifier,
		reporter:  reporter,
		interval:  TickInterval,
		newTicker: newRealTicker,
	}
}

// Start begins charging usage, cancelling any loop already running. The loop
// outlives ctx; only Stop or exhaustion ends it.
func (t *UsageTimer) Start(ctx context.Context) error {
	if _, err := t.local.InitializeIfNeeded(ctx); err != nil {
		return err
	}

	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	t.stopLocked()

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	ticker := t.newTicker(loopCtx, t.interval)

	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.run(loopCtx, ticker, done)
	log.Info().Msg("Usage timer started")
	return nil
}

// Stop ends the running loop and waits for it to exit. It is safe to call
// when nothing is running.
func (t *UsageTimer) Stop() {
	t.lifecycle.Lock()
	defer t.lifecycle.Unlock()
	t.stopLocked()
}

// Running reports whether a loop is active.
func (t *UsageTimer) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done != nil
}

func (t *UsageTimer) stopLocked() {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	log.Info().Msg("Usage timer stopped")
}

func (t *UsageTimer) run(ctx context.Context, ticker Ticker, done chan struct{}) {
	var consumedMs int64
	defer func() {
		ticker.Stop()
		t.mu.Lock()
		if t.done == done {
			t.cancel()
			t.cancel = nil
			t.done = nil
		}
		total := t.carryMs + consumedMs
		t.carryMs = total % 1000
		t.mu.Unlock()
		close(done)

		if secs := total / 1000; secs > 0 && t.reporter != nil {
			go t.reporter(context.WithoutCancel(ctx), secs)
		}
	}()

	// A received tick is always charged in full, even if Stop races it.
	storeCtx := context.WithoutCancel(ctx)
	tickMs := t.interval.Milliseconds()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		remaining, err := t.local.RemainingMs(storeCtx)
		if err != nil {
			log.Error().Err(err).Msg("Usage timer could not read remaining allotment")
			continue
		}
		charged := tickMs
		if remaining < charged {
			charged = remaining
		}
		if charged < 0 {
			charged = 0
		}
		remaining -= charged
		if err := t.local.SetRemainingMs(storeCtx, remaining); err != nil {
			log.Error().Err(err).Msg("Usage timer could not persist remaining allotment")
			continue
		}
		consumedMs += charged

		if remaining <= 0 {
			log.Info().Msg("Daily allotment exhausted")
			if t.notifier != nil {
				t.notifier.Broadcast(Message{Type: MsgStopUsage})
			}
			return
		}
	}
}
