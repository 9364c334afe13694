// Package bridge exposes the client core to the UI layer over loopback HTTP
// and WebSocket.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/muvusoft/talkscribe-license/internal/client"
	"github.com/muvusoft/talkscribe-license/internal/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const maxRequestSize = 16 * 1024

// Server serves POST /message and GET /ws.
type Server struct {
	hub     *Hub
	handler Handler
}

// NewServer creates a bridge for handler, broadcasting through hub.
func NewServer(handler Handler, hub *Hub) *Server {
	return &Server{hub: hub, handler: handler}
}

// OpenURLBroadcaster asks connected UI consumers to open a URL.
func OpenURLBroadcaster(hub *Hub) client.Opener {
	return client.OpenerFunc(func(_ context.Context, u string) error {
		if hub.ClientCount() == 0 {
			return errors.New("no UI connected to open the checkout page")
		}
		hub.Broadcast(client.Message{Type: client.MsgOpenURL, URL: u})
		return nil
	})
}

// Handler returns the bridge routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /message", s.handleMessage)
	mux.HandleFunc("GET /ws", s.hub.HandleWebSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "clients": s.hub.ClientCount()})
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return logging.Middleware(mux)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if !allowedOrigin(r) {
		writeJSON(w, http.StatusForbidden, client.Response{"error": "origin not allowed"})
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestSize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, client.Response{"error": "request too large"})
		return
	}
	var msg client.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeJSON(w, http.StatusBadRequest, client.Response{"error": "invalid JSON"})
		return
	}
	writeJSON(w, http.StatusOK, s.handler.Handle(r.Context(), msg))
}

// ListenAndServe runs the hub and the HTTP listener on addr until ctx is
// cancelled. addr must be a loopback address.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("parse bridge address: %w", err)
	}
	if ip := net.ParseIP(host); host != "localhost" && (ip == nil || !ip.IsLoopback()) {
		return fmt.Errorf("bridge address %q is not a loopback address", addr)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go s.hub.Run(ctx)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", ln.Addr().String()).Msg("Bridge listening")
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("bridge serve: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Bridge shutdown error")
	}
	log.Info().Msg("Bridge stopped")
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write bridge response")
	}
}
