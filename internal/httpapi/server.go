// Package httpapi is the JSON control surface the frontend talks to: the
// interactive auth flow, bot lifecycle, dialogs, test sends, and history.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"fleetbot/internal/auth"
	"fleetbot/internal/config"
	"fleetbot/internal/engine"
	"fleetbot/internal/history"
	logx "fleetbot/pkg/logx"
)

type Server struct {
	auth    *auth.Manager
	engine  *engine.Engine
	history *history.Store // nil when disabled
	log     logx.Logger

	srv *http.Server
}

func New(cfg config.APIConfig, am *auth.Manager, eng *engine.Engine, hist *history.Store, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{auth: am, engine: eng, history: hist, log: log}

	addr := cfg.Addr
	if addr == "" {
		addr = "127.0.0.1:8000"
	}
	// Timeouts were validated at config load.
	s.srv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  config.DurationOr("api.read_timeout", cfg.ReadTimeout, 15*time.Second),
		WriteTimeout: config.DurationOr("api.write_timeout", cfg.WriteTimeout, 30*time.Second),
		IdleTimeout:  config.DurationOr("api.idle_timeout", cfg.IdleTimeout, time.Minute),
	}
	return s
}

// Handler builds the route table. Exposed for httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	mux.HandleFunc("POST /api/auth/send-code", s.handleSendCode)
	mux.HandleFunc("POST /api/auth/verify-code", s.handleVerifyCode)
	mux.HandleFunc("POST /api/auth/verify-password", s.handleVerifyPassword)
	mux.HandleFunc("POST /api/auth/qr", s.handleIssueQR)
	mux.HandleFunc("GET /api/auth/qr/{account}", s.handlePollQR)
	mux.HandleFunc("POST /api/auth/qr/{account}/refresh", s.handleRefreshQR)
	mux.HandleFunc("POST /api/auth/validate", s.handleValidateSession)
	mux.HandleFunc("DELETE /api/auth/{account}", s.handleAbandon)

	mux.HandleFunc("GET /api/bots", s.handleListBots)
	mux.HandleFunc("POST /api/bots/{id}/start", s.handleStartBot)
	mux.HandleFunc("POST /api/bots/{id}/stop", s.handleStopBot)
	mux.HandleFunc("GET /api/bots/{id}/status", s.handleBotStatus)
	mux.HandleFunc("GET /api/bots/{id}/history", s.handleBotHistory)

	mux.HandleFunc("POST /api/groups", s.handleListDialogs)
	mux.HandleFunc("POST /api/test-send", s.handleTestSend)

	return s.logRequests(mux)
}

// Run serves until ctx is done, then drains with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", logx.String("addr", s.srv.Addr))
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutCtx); err != nil {
		_ = s.srv.Close()
	}
	<-errCh
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Trace("request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Duration("took", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"bots":   len(s.engine.List()),
	})
}

var errHistoryDisabled = errors.New("history is disabled")
