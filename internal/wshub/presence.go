package wshub

import (
	"archeirelay/internal/envelope"

	"github.com/samber/lo"
)

// PublishPresence broadcasts the display names of everyone in room to room.
// Duplicate names are kept.
func (h *Hub) PublishPresence(room string) int {
	nicks := lo.Map(h.SessionsInRoom(room), func(s Session, _ int) string {
		return s.Nick
	})
	return h.BroadcastJSON(room, envelope.NewPresence(room, nicks))
}
