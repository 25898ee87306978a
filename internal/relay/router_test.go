package relay

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"archeirelay/internal/envelope"
	"archeirelay/internal/snapshots"
	"archeirelay/internal/wshub"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRouter() (*Router, *wshub.Hub) {
	h := wshub.NewHub(nil)
	r := NewRouter(h, snapshots.NewCache(nil), nil)
	r.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return r, h
}

func connect(r *Router, room string) *wshub.Client {
	c := wshub.NewClient(nil, room, 32)
	r.Connect(c)
	return c
}

// drain returns every frame queued for c so far.
func drain(c *wshub.Client) [][]byte {
	var out [][]byte
	for {
		select {
		case data := <-c.Send:
			out = append(out, data)
		default:
			return out
		}
	}
}

func tags(t *testing.T, frames [][]byte) []string {
	t.Helper()
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		var m struct {
			T string `json:"t"`
		}
		require.NoError(t, json.Unmarshal(f, &m), "frame %s", f)
		out = append(out, m.T)
	}
	return out
}

func join(r *Router, c *wshub.Client, msg string) {
	r.Handle(c.ID(), []byte(msg))
}

func TestJoin_ConfirmsAndAnnounces(t *testing.T) {
	r, _ := newTestRouter()
	a := connect(r, "lobby")

	join(r, a, `{"t":"join","room":"demo","nick":"Alice","role":"gm"}`)

	frames := drain(a)
	require.Equal(t, []string{"joined", "chat:presence"}, tags(t, frames))
	assert.JSONEq(t, `{"t":"joined","room":"demo","nick":"Alice","role":"gm"}`, string(frames[0]))
	assert.JSONEq(t, `{"t":"chat:presence","room":"demo","nicks":["Alice"]}`, string(frames[1]))
}

func TestJoin_DefaultsAndRetainedFields(t *testing.T) {
	r, h := newTestRouter()
	a := connect(r, "lobby")

	join(r, a, `{"t":"join"}`)
	s, _ := h.Session(a.ID())
	assert.Equal(t, wshub.Session{ID: a.ID(), Room: "lobby", Nick: "anon", Role: envelope.RolePlayer}, s)

	join(r, a, `{"t":"join","room":"demo","nick":"Alice","role":"gm"}`)
	join(r, a, `{"t":"join","nick":"Al"}`)
	join(r, a, `{"t":"join","role":"wizard"}`)

	s, _ = h.Session(a.ID())
	assert.Equal(t, "demo", s.Room)
	assert.Equal(t, "Al", s.Nick)
	assert.Equal(t, envelope.RoleGM, s.Role)
}

func TestExampleScenario(t *testing.T) {
	r, _ := newTestRouter()
	a := connect(r, "demo")
	b := connect(r, "demo")
	join(r, a, `{"t":"join","room":"demo","nick":"A"}`)
	join(r, b, `{"t":"join","room":"demo","nick":"B"}`)
	drain(a)
	drain(b)

	scene := `{"t":"DISPLAY_SCENE_STATE","room":"demo","title":"Cave"}`
	r.Handle(a.ID(), []byte(scene))

	got := drain(b)
	require.Len(t, got, 1)
	assert.Equal(t, scene, string(got[0]))
	drain(a)

	c := connect(r, "demo")
	join(r, c, `{"t":"join","room":"demo","nick":"C"}`)

	frames := drain(c)
	require.Equal(t, []string{"joined", "chat:presence", "DISPLAY_SCENE_STATE"}, tags(t, frames))
	assert.Equal(t, scene, string(frames[2]))

	var presence envelope.Presence
	require.NoError(t, json.Unmarshal(frames[1], &presence))
	assert.ElementsMatch(t, []string{"A", "B", "C"}, presence.Nicks)

	for _, other := range []*wshub.Client{a, b} {
		frames := drain(other)
		require.Equal(t, []string{"chat:presence"}, tags(t, frames))
	}
}

func TestReplay_LatestSnapshotsOnly(t *testing.T) {
	r, _ := newTestRouter()
	gm := connect(r, "demo")

	r.Handle(gm.ID(), []byte(`{"t":"DISPLAY_SCENE_STATE","title":"old"}`))
	r.Handle(gm.ID(), []byte(`{"t":"DISPLAY_COUNTDOWN","items":[1]}`))
	r.Handle(gm.ID(), []byte(`{"t":"DISPLAY_SCENE_STATE","title":"new"}`))
	r.Handle(gm.ID(), []byte(`{"t":"DISPLAY_BANNER","text":"hi"}`))

	late := connect(r, "demo")
	join(r, late, `{"t":"join","nick":"late"}`)

	frames := drain(late)
	require.Equal(t, []string{"joined", "chat:presence", "DISPLAY_SCENE_STATE", "DISPLAY_COUNTDOWN"}, tags(t, frames))
	assert.Equal(t, `{"t":"DISPLAY_SCENE_STATE","title":"new"}`, string(frames[2]))
	assert.Equal(t, `{"t":"DISPLAY_COUNTDOWN","items":[1]}`, string(frames[3]))
}

func TestReplay_NothingForUnbroadcastKinds(t *testing.T) {
	r, _ := newTestRouter()
	gm := connect(r, "demo")
	r.Handle(gm.ID(), []byte(`{"t":"DISPLAY_COUNTDOWN","room":"other"}`))

	late := connect(r, "demo")
	join(r, late, `{"t":"join"}`)
	assert.Equal(t, []string{"joined", "chat:presence"}, tags(t, drain(late)))
}

func TestDisplay_ExplicitRoomIsolation(t *testing.T) {
	r, _ := newTestRouter()
	sender := connect(r, "demo")
	same := connect(r, "demo")
	target := connect(r, "cave")

	r.Handle(sender.ID(), []byte(`{"t":"DISPLAY_SCENE_STATE","room":"cave"}`))

	assert.Empty(t, drain(sender))
	assert.Empty(t, drain(same))
	assert.Len(t, drain(target), 1)
}

func TestChat_StampsMissingTimestamp(t *testing.T) {
	r, _ := newTestRouter()
	a := connect(r, "demo")
	b := connect(r, "demo")

	r.Handle(a.ID(), []byte(`{"t":"chat:msg","nick":"A","text":"hi"}`))

	got := drain(b)
	require.Len(t, got, 1)
	assert.JSONEq(t, `{"t":"chat:msg","nick":"A","text":"hi","ts":1700000000000}`, string(got[0]))
	assert.Len(t, drain(a), 1, "sender in the room receives its own message")
}

func TestChat_ExistingTimestampUnchanged(t *testing.T) {
	r, _ := newTestRouter()
	a := connect(r, "demo")
	msg := `{"t":"chat:msg","text":"hi","ts":5}`

	r.Handle(a.ID(), []byte(msg))

	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, msg, string(got[0]))
}

func TestChat_OtherKindsBroadcast(t *testing.T) {
	r, _ := newTestRouter()
	a := connect(r, "demo")
	msg := `{"t":"chat:join","nick":"A"}`

	r.Handle(a.ID(), []byte(msg))

	got := drain(a)
	require.Len(t, got, 1)
	assert.Equal(t, msg, string(got[0]))
}

func TestMalformedAndUnrecognizedAreDropped(t *testing.T) {
	r, h := newTestRouter()
	a := connect(r, "demo")
	b := connect(r, "demo")
	join(r, a, `{"t":"join","nick":"A","role":"gm"}`)
	drain(a)
	drain(b)
	before, _ := h.Session(a.ID())

	for _, in := range []string{`{"t":`, `[1,2]`, `null`, `{"t":"ping"}`, `{"room":"demo"}`, `{"t":7}`} {
		r.Handle(a.ID(), []byte(in))
	}

	assert.Empty(t, drain(a))
	assert.Empty(t, drain(b))
	after, _ := h.Session(a.ID())
	assert.Equal(t, before, after)
}

func TestHandle_UnknownConnectionIsNoop(t *testing.T) {
	r, _ := newTestRouter()
	a := connect(r, "demo")

	r.Handle("gone", []byte(`{"t":"chat:msg","text":"hi"}`))
	r.Handle("gone", []byte(`{"t":"join","room":"demo"}`))

	assert.Empty(t, drain(a))
}

func TestDisconnect_RefreshesPresence(t *testing.T) {
	r, h := newTestRouter()
	a := connect(r, "demo")
	b := connect(r, "demo")
	join(r, a, `{"t":"join","nick":"A"}`)
	join(r, b, `{"t":"join","nick":"B"}`)
	drain(b)

	r.Disconnect(a.ID())
	r.Disconnect(a.ID())

	frames := drain(b)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"t":"chat:presence","room":"demo","nicks":["B"]}`, string(frames[0]))
	_, ok := h.Session(a.ID())
	assert.False(t, ok)
}

func TestJoin_RoomChangeRefreshesPreviousRoom(t *testing.T) {
	r, _ := newTestRouter()
	a := connect(r, "demo")
	b := connect(r, "demo")
	join(r, a, `{"t":"join","nick":"A"}`)
	join(r, b, `{"t":"join","nick":"B"}`)
	drain(b)

	join(r, a, `{"t":"join","room":"cave"}`)

	frames := drain(b)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"t":"chat:presence","room":"demo","nicks":["B"]}`, string(frames[0]))
}

func TestDisplay_ConcurrentSendersKeepCacheInStep(t *testing.T) {
	r, _ := newTestRouter()
	persisted := make(chan snapshots.Entry, 1024)
	r.cache.PersistTo(persisted)

	const senders, rounds = 8, 50
	observer := wshub.NewClient(nil, "demo", senders*rounds+8)
	r.Connect(observer)
	ids := make([]string, senders)
	for i := range ids {
		ids[i] = connect(r, "demo").ID()
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for n := 0; n < rounds; n++ {
				r.Handle(id, []byte(fmt.Sprintf(`{"t":"DISPLAY_SCENE_STATE","from":%d,"n":%d}`, i, n)))
			}
		}()
	}
	close(start)
	wg.Wait()

	var lastSeen []byte
	for _, f := range drain(observer) {
		lastSeen = f
	}
	require.NotNil(t, lastSeen)

	var cached []byte
	r.cache.Replay("demo", func(p []byte) bool { cached = p; return true })
	assert.Equal(t, string(lastSeen), string(cached))

	var lastPersisted snapshots.Entry
	for len(persisted) > 0 {
		lastPersisted = <-persisted
	}
	assert.Equal(t, string(cached), string(lastPersisted.Payload))
}
