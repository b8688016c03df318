// Package api exposes scan progress over HTTP: recent runs, a live
// websocket stream of results and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"pulseworm/pkg/proto"
	"pulseworm/pkg/report"
)

const (
	DefaultKeep = 500

	writeWait    = 10 * time.Second
	pingInterval = 30 * time.Second
)

type Options struct {
	// JWTSecret enables bearer auth on /runs and /ws.
	JWTSecret string
	Gatherer  prometheus.Gatherer
	Keep      int
	Log       logrus.FieldLogger
}

// Server is both the HTTP status API and a report.Sink feeding it.
type Server struct {
	router   *mux.Router
	hub      *Hub
	upgrader websocket.Upgrader
	secret   []byte
	log      logrus.FieldLogger

	mu   sync.RWMutex
	runs []report.FuzzingRunResult
	keep int
}

func NewServer(opts Options) *Server {
	s := &Server{
		router: mux.NewRouter(),
		hub:    NewHub(),
		secret: []byte(opts.JWTSecret),
		log:    opts.Log,
		keep:   opts.Keep,
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.keep <= 0 {
		s.keep = DefaultKeep
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	authed := s.router.PathPrefix("/").Subrouter()
	authed.Use(s.requireToken)
	authed.HandleFunc("/runs", s.handleRuns).Methods(http.MethodGet)
	authed.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Record stores res and pushes it to websocket subscribers.
func (s *Server) Record(_ context.Context, res report.FuzzingRunResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.runs = append(s.runs, res)
	if len(s.runs) > s.keep {
		s.runs = s.runs[len(s.runs)-s.keep:]
	}
	s.mu.Unlock()

	s.hub.Broadcast(data)
	return nil
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("Starting API server")
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Error("API server shutdown failed")
		return err
	}
	s.log.Info("API server stopped")
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"subscribers": s.hub.Len(),
	})
}

// handleRuns lists recent runs, newest last. Filters: protocol, findings,
// limit.
func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var protocol proto.Protocol
	if v := q.Get("protocol"); v != "" {
		protocol = proto.Parse(v)
	}
	findingsOnly := q.Get("findings") == "true"
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}

	s.mu.RLock()
	out := make([]report.FuzzingRunResult, 0, len(s.runs))
	for _, run := range s.runs {
		if protocol != "" && run.Protocol != protocol {
			continue
		}
		if findingsOnly && !run.Findings() {
			continue
		}
		out = append(out, run)
	}
	s.mu.RUnlock()

	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	s.hub.add(c)
	go s.writePump(c)

	// Reads only detect the peer going away.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.remove(c)
			return
		}
	}
}

func (s *Server) writePump(c *client) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
