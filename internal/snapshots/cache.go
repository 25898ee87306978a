// Package snapshots keeps the latest display-state envelope per room and kind
// so late joiners can be brought up to date.
package snapshots

import (
	"log/slog"
	"sync"

	"archeirelay/internal/envelope"
	"archeirelay/internal/metrics"

	"github.com/samber/lo"
)

// Kinds lists the tracked tags in replay order.
var Kinds = []string{envelope.TagSceneState, envelope.TagCountdown}

func Tracked(tag string) bool {
	return lo.Contains(Kinds, tag)
}

// Entry is one retained snapshot.
type Entry struct {
	Room    string
	Kind    string
	Payload []byte
}

type key struct {
	room string
	kind string
}

// Cache holds at most one payload per (room, kind). Entries are never evicted.
type Cache struct {
	mu      sync.RWMutex
	slots   map[key][]byte
	persist chan<- Entry
	metrics *metrics.Metrics
	log     *slog.Logger
}

func NewCache(m *metrics.Metrics) *Cache {
	return &Cache{
		slots:   make(map[key][]byte),
		metrics: m,
		log:     slog.Default().With("component", "snapshots"),
	}
}

// PersistTo makes Record queue every stored entry on ch. Sends never block;
// entries that do not fit are dropped.
func (c *Cache) PersistTo(ch chan<- Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persist = ch
}

// Record stores payload as the latest value for (room, tag) when tag is a
// tracked kind. It reports whether anything was stored.
func (c *Cache) Record(room, tag string, payload []byte) bool {
	if !Tracked(tag) {
		return false
	}
	c.mu.Lock()
	c.slots[key{room, tag}] = payload
	// Queued under the lock so the store sees writes in the same order.
	if c.persist != nil {
		select {
		case c.persist <- Entry{Room: room, Kind: tag, Payload: payload}:
		default:
			c.log.Warn("persist buffer full, dropping snapshot", "room", room, "kind", tag)
		}
	}
	c.mu.Unlock()

	c.metrics.SnapshotRecorded(tag)
	return true
}

func (c *Cache) get(room, kind string) ([]byte, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.slots[key{room, kind}]
	return p, ok
}

// Replay hands every stored snapshot of room to send, in Kinds order.
// Kinds without a snapshot are skipped. It returns the number of snapshots sent.
func (c *Cache) Replay(room string, send func([]byte) bool) int {
	c.mu.RLock()
	payloads := lo.FilterMap(Kinds, func(kind string, _ int) ([]byte, bool) {
		p, ok := c.slots[key{room, kind}]
		return p, ok
	})
	c.mu.RUnlock()

	n := 0
	for _, p := range payloads {
		if send(p) {
			n++
		}
	}
	return n
}

// Restore loads previously persisted entries. Untracked kinds are ignored and
// existing slots are not overwritten.
func (c *Cache) Restore(entries []Entry) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range entries {
		if !Tracked(e.Kind) {
			continue
		}
		k := key{e.Room, e.Kind}
		if _, ok := c.slots[k]; ok {
			continue
		}
		c.slots[k] = e.Payload
		n++
	}
	return n
}
