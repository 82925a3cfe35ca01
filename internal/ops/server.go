// Package ops serves the operational HTTP surface: health, Prometheus
// metrics, and a websocket feed that streams health snapshots.
package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/adred-codev/chatmirror/internal/health"
	"github.com/adred-codev/chatmirror/internal/monitoring"
)

const statsPushInterval = 5 * time.Second

// Server is the ops endpoint. It is not the admin surface; everything
// served here is read-only.
type Server struct {
	addr    string
	monitor *health.Monitor
	logger  zerolog.Logger

	httpSrv      *http.Server
	shuttingDown atomic.Bool
	wsClients    atomic.Int64
}

// New creates the ops server.
func New(addr string, monitor *health.Monitor, logger zerolog.Logger) *Server {
	return &Server{
		addr:    addr,
		monitor: monitor,
		logger:  logger.With().Str("component", "ops").Logger(),
	}
}

// Start serves in the background. Returns once the listener goroutine
// is launched.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", s.handleStatsFeed)

	s.httpSrv = &http.Server{
		Addr:         s.addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info().Str("addr", s.addr).Msg("Ops server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Ops server failed")
		}
	}()
}

// Shutdown stops accepting connections and closes the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// handleHealth serves the latest snapshot. Critical status maps to 503
// so load-balancer checks fail over.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.monitor.Snapshot()
	code := http.StatusOK
	if snap.Status == "critical" {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(snap)
}

// handleStatsFeed upgrades to websocket and pushes health snapshots on
// an interval until the client goes away.
func (s *Server) handleStatsFeed(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}
	s.wsClients.Add(1)
	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("Stats feed client connected")

	closed := make(chan struct{})

	// Reader goroutine exists only to notice the peer closing; the feed
	// ignores inbound frames.
	go func() {
		defer close(closed)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	go func() {
		defer monitoring.RecoverPanic(s.logger, "stats-feed", nil)
		defer func() {
			conn.Close()
			s.wsClients.Add(-1)
		}()

		ticker := time.NewTicker(statsPushInterval)
		defer ticker.Stop()

		for {
			payload, err := json.Marshal(s.monitor.Snapshot())
			if err != nil {
				return
			}
			if err := wsutil.WriteServerMessage(conn, ws.OpText, payload); err != nil {
				return
			}
			select {
			case <-closed:
				return
			case <-ticker.C:
			}
		}
	}()
}
