package server

import (
	"net/http"
	"time"

	"github.com/muvusoft/talkscribe-license/internal/email"
	"github.com/muvusoft/talkscribe-license/internal/logging"
	"github.com/muvusoft/talkscribe-license/internal/webhook"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config      *Config
	Ledger      LedgerService
	Activator   webhook.Activator
	WebhookKeys *webhook.KeyStore
	EmailSender email.Sender
	Version     string
	Now         func() time.Time
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKeyHash, next)
	}
	limiter := NewRateLimiter(deps.Config.RateLimit, time.Minute)

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Ledger))

	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Verify (device-id keyed, rate limited). The .php path is kept for
	// extension builds that still call the legacy endpoint.
	verify := limiter.Middleware("verify", HandleVerify(deps.Ledger))
	mux.Handle("/verify", verify)
	mux.Handle("/serv_chr_talks/verify.php", verify)

	// Payment webhook (signature-authenticated)
	webhookHandler := webhook.NewHandler(deps.Activator, deps.WebhookKeys, webhook.Options{
		Tolerance: deps.Config.WebhookTolerance,
		Mailer:    deps.EmailSender,
		EmailFrom: deps.Config.EmailFrom,
	})
	hook := limiter.Middleware("webhook", webhookHandler)
	mux.Handle("/webhook", hook)
	mux.Handle("/serv_chr_talks/webhook.php", hook)

	mux.HandleFunc("GET /status/{deviceId}", HandleStatus(deps.Ledger))

	// Admin API (key-authenticated)
	mux.Handle("/admin/accounts/grant", adminAuth(HandleGrantPro(deps.Ledger, now)))
}

// NewHandler builds the full server handler with request logging.
func NewHandler(deps *Deps) http.Handler {
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	return logging.Middleware(mux)
}
