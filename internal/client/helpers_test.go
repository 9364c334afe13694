package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/muvusoft/talkscribe-license/pkg/licensing"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errDiskGone = errors.New("disk gone")

// brokenStore fails every operation.
type brokenStore struct{}

func (brokenStore) Get(context.Context, string) (json.RawMessage, bool, error) {
	return nil, false, errDiskGone
}
func (brokenStore) Set(context.Context, string, json.RawMessage) error { return errDiskGone }
func (brokenStore) Delete(context.Context, string) error               { return errDiskGone }

// verifyServer is a scripted verify endpoint.
type verifyServer struct {
	*httptest.Server

	calls    atomic.Int32
	mu       sync.Mutex
	status   int
	decision licensing.Decision
	requests []licensing.VerifyRequest
	block    chan struct{}
}

func newVerifyServer(t *testing.T, d licensing.Decision) *verifyServer {
	t.Helper()
	vs := &verifyServer{status: http.StatusOK, decision: d}
	vs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		vs.calls.Add(1)
		var req licensing.VerifyRequest
		_ = json.NewDecoder(r.Body).Decode(&req)

		vs.mu.Lock()
		vs.requests = append(vs.requests, req)
		status, decision, block := vs.status, vs.decision, vs.block
		vs.mu.Unlock()

		if block != nil {
			<-block
		}
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(decision)
	}))
	t.Cleanup(vs.Close)
	return vs
}

func (vs *verifyServer) set(status int, d licensing.Decision) {
	vs.mu.Lock()
	vs.status = status
	vs.decision = d
	vs.mu.Unlock()
}

func (vs *verifyServer) lastRequest(t *testing.T) licensing.VerifyRequest {
	t.Helper()
	vs.mu.Lock()
	defer vs.mu.Unlock()
	require.NotEmpty(t, vs.requests)
	return vs.requests[len(vs.requests)-1]
}

func testFingerprint() licensing.Fingerprint {
	return licensing.Fingerprint{UA: "UA", Platform: "linux", TZ: "UTC", Lang: "en-US"}
}

// recordingNotifier collects broadcasts.
type recordingNotifier struct {
	mu   sync.Mutex
	msgs []Message
}

func (n *recordingNotifier) Broadcast(msg Message) {
	n.mu.Lock()
	n.msgs = append(n.msgs, msg)
	n.mu.Unlock()
}

func (n *recordingNotifier) messages() []Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Message(nil), n.msgs...)
}

// manualTicker fires only when the test sends on ch.
type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
	ctx     context.Context
}

func newManualTicker() *manualTicker { return &manualTicker{ch: make(chan time.Time)} }

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Store(true) }

// tick blocks until the timer loop has received the tick.
func (m *manualTicker) tick() { m.ch <- time.Now() }
