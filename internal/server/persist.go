package server

import (
	"context"
	"log/slog"
	"time"

	"archeirelay/internal/db"
	"archeirelay/internal/snapshots"

	"github.com/samber/lo"
)

const maxPersistBatch = 50

type snapshotStore interface {
	SaveSnapshots(batch []db.Snapshot) error
}

type slotKey struct {
	room string
	kind string
}

// snapshotBatchWriter coalesces queued snapshots per (room, kind) and writes
// them every interval, or sooner once maxPersistBatch slots are pending.
// Whatever is still queued when ctx is done is flushed before returning.
func snapshotBatchWriter(ctx context.Context, store snapshotStore, buffer <-chan snapshots.Entry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log := slog.Default().With("component", "db")
	pending := make(map[slotKey]db.Snapshot)

	add := func(e snapshots.Entry) {
		pending[slotKey{e.Room, e.Kind}] = db.Snapshot{Room: e.Room, Kind: e.Kind, Payload: e.Payload}
	}
	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := store.SaveSnapshots(lo.Values(pending)); err != nil {
			log.Error("SaveSnapshots error", "error", err, "slots", len(pending))
		}
		clear(pending)
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-buffer:
					add(e)
				default:
					flush()
					return
				}
			}
		case e := <-buffer:
			add(e)
			if len(pending) >= maxPersistBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func toEntries(stored []db.Snapshot) []snapshots.Entry {
	return lo.Map(stored, func(s db.Snapshot, _ int) snapshots.Entry {
		return snapshots.Entry{Room: s.Room, Kind: s.Kind, Payload: s.Payload}
	})
}
