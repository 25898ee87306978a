package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"archeirelay/internal/config"
	"archeirelay/internal/relay"
	"archeirelay/internal/wshub"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	healthBody       = "ARCHEI realtime WS OK"
	statsPingTimeout = 2 * time.Second
)

// Pinger reports whether the persistence store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Config   config.Config
	Hub      *wshub.Hub
	Router   *relay.Router
	Gatherer prometheus.Gatherer
	// Store is nil when running without persistence.
	Store Pinger
	log   *slog.Logger

	conns     sync.WaitGroup
	closing   chan struct{}
	closeOnce sync.Once
}

func NewServer(cfg config.Config, h *wshub.Hub, r *relay.Router, g prometheus.Gatherer) *Server {
	return &Server{
		Config:   cfg,
		Hub:      h,
		Router:   r,
		Gatherer: g,
		log:      slog.Default().With("component", "server"),
		closing:  make(chan struct{}),
	}
}

// Handler accepts websocket upgrades on any path. Other requests get the
// metrics, stats or health responses.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.upgradeAnyPath)

	r.Get("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/stats", s.handleStats)
	r.HandleFunc("/", s.handleHealth)
	r.HandleFunc("/*", s.handleHealth)
	return r
}

func (s *Server) upgradeAnyPath(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isUpgrade(r) {
			s.handleWS(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CloseConnections sends a going-away close frame to every open websocket and
// waits until their sessions are torn down or ctx expires.
func (s *Server) CloseConnections(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.closing) })

	done := make(chan struct{})
	go func() {
		s.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func isUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(healthBody))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	rooms, conns := s.Hub.Stats()
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"rooms":       rooms,
		"connections": conns,
		"database":    s.databaseStatus(r.Context()),
	})
}

func (s *Server) databaseStatus(ctx context.Context) string {
	if s.Store == nil {
		return "disabled"
	}
	ctx, cancel := context.WithTimeout(ctx, statsPingTimeout)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		s.log.Warn("database ping failed", "error", err)
		return "unavailable"
	}
	return "ok"
}

// handleWS runs one connection: a write pump goroutine and a reader loop that
// routes each frame to completion before reading the next.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.log.Warn("upgrade error", "error", err)
		return
	}
	conn.SetReadLimit(s.Config.ReadLimit)
	s.conns.Add(1)
	defer s.conns.Done()

	room := r.URL.Query().Get("room")
	if room == "" {
		room = s.Config.DefaultRoom
	}

	c := wshub.NewClient(conn, room, s.Config.SendBuffer)
	session := s.Router.Connect(c)
	log := s.log.With("connId", session.ID)
	log.Info("connection opened", "ip", r.RemoteAddr, "room", room)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		defer cancel()
		if err := c.WritePump(ctx, s.Config.WriteTimeout); err != nil && ctx.Err() == nil {
			log.Debug("write pump stopped", "error", err)
		}
	}()

	go func() {
		select {
		case <-s.closing:
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				if ctx.Err() == nil {
					log.Debug("read error", "error", err)
				}
			}
			break
		}
		s.Router.Handle(session.ID, data)
	}

	s.Router.Disconnect(session.ID)
	_ = conn.Close(websocket.StatusNormalClosure, "")
	log.Info("connection closed")
}
