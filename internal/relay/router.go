// Package relay routes inbound envelopes to the registry, the snapshot cache
// and room broadcasts.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"archeirelay/internal/envelope"
	"archeirelay/internal/metrics"
	"archeirelay/internal/snapshots"
	"archeirelay/internal/wshub"
)

type Router struct {
	// displayMu orders snapshot writes with their broadcasts and with
	// replays, so the cached value is always the last one a room saw.
	displayMu sync.Mutex

	hub     *wshub.Hub
	cache   *snapshots.Cache
	metrics *metrics.Metrics
	now     func() time.Time
	log     *slog.Logger
}

func NewRouter(h *wshub.Hub, c *snapshots.Cache, m *metrics.Metrics) *Router {
	return &Router{
		hub:     h,
		cache:   c,
		metrics: m,
		now:     time.Now,
		log:     slog.Default().With("component", "relay"),
	}
}

// Connect registers c with its default session.
func (r *Router) Connect(c *wshub.Client) wshub.Session {
	s := r.hub.Register(c)
	r.log.Debug("session registered", "connId", s.ID, "room", s.Room)
	return s
}

// Handle processes one inbound frame from connection id to completion.
// Nothing is ever reported back to the sender on failure.
func (r *Router) Handle(id string, data []byte) {
	session, ok := r.hub.Session(id)
	if !ok {
		return
	}

	env, err := envelope.Decode(data)
	if err != nil {
		r.metrics.Envelope(metrics.KindMalformed)
		r.log.Debug("dropping envelope", "connId", id, "error", err)
		return
	}

	switch env := env.(type) {
	case envelope.Join:
		r.metrics.Envelope(metrics.KindJoin)
		r.join(session, env)

	case envelope.Display:
		r.metrics.Envelope(metrics.KindDisplay)
		r.display(destination(env.Room, session), env)

	case envelope.Chat:
		r.metrics.Envelope(metrics.KindChat)
		payload, err := env.Payload(r.now())
		if err != nil {
			r.log.Warn("stamping chat message", "connId", id, "error", err)
			return
		}
		r.hub.Broadcast(destination(env.Room, session), payload)

	case envelope.Unrecognized:
		r.metrics.Envelope(metrics.KindUnrecognized)
		r.log.Debug("dropping unrecognized envelope", "connId", id, "tag", env.Tag)
	}
}

func (r *Router) display(room string, d envelope.Display) {
	r.displayMu.Lock()
	defer r.displayMu.Unlock()
	r.cache.Record(room, d.Tag, d.Raw)
	r.hub.Broadcast(room, d.Raw)
}

func (r *Router) join(prev wshub.Session, j envelope.Join) {
	s, ok := r.hub.UpdateSession(prev.ID, j.Room, j.Nick, j.Role)
	if !ok {
		return
	}

	joined, err := json.Marshal(envelope.NewJoined(s.Room, s.Nick, s.Role))
	if err != nil {
		r.log.Error("marshal error", "connId", s.ID, "error", err)
		return
	}
	r.hub.SendTo(s.ID, joined)

	if prev.Room != s.Room {
		r.hub.PublishPresence(prev.Room)
	}
	r.hub.PublishPresence(s.Room)

	r.displayMu.Lock()
	n := r.cache.Replay(s.Room, func(p []byte) bool { return r.hub.SendTo(s.ID, p) })
	r.displayMu.Unlock()
	r.log.Info("joined", "connId", s.ID, "room", s.Room, "nick", s.Nick, "role", s.Role, "replayed", n)
}

// Disconnect removes the session of id and refreshes presence for its last room.
func (r *Router) Disconnect(id string) {
	s, ok := r.hub.Unregister(id)
	if !ok {
		return
	}
	r.hub.PublishPresence(s.Room)
	r.log.Debug("session removed", "connId", id, "room", s.Room)
}

func destination(room string, s wshub.Session) string {
	if room != "" {
		return room
	}
	return s.Room
}
