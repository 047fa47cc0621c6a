package hub

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/duelgrid/relay-server/internal/cache"
	"github.com/duelgrid/relay-server/internal/session"
	"github.com/duelgrid/relay-server/pkg/types"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	tracker := session.New(filepath.Join(t.TempDir(), "sessions.json"), 0, nil)
	return New(ctx, cache.New(4), tracker, nil)
}

// connect opens a fake connection and drains the welcome message.
func connect(t *testing.T, h *Hub) (chan []byte, ConnectInfo) {
	t.Helper()
	outbox := make(chan []byte, 16)
	reply := make(chan ConnectInfo, 1)
	h.Inbox() <- Connect{Outbox: outbox, Reply: reply}
	info := <-reply

	welcome := recvMsg(t, outbox, 200*time.Millisecond)
	if welcome.Type != types.TypeWelcome {
		t.Fatalf("want welcome first, got %q", welcome.Type)
	}
	if welcome.Token != info.Token || welcome.ClientID != info.ClientID {
		t.Fatalf("welcome does not match connect reply: %+v vs %+v", welcome, info)
	}
	return outbox, info
}

func recvMsg(t *testing.T, ch <-chan []byte, within time.Duration) types.ServerMessage {
	t.Helper()
	select {
	case data, ok := <-ch:
		if !ok {
			t.Fatalf("outbox closed unexpectedly")
		}
		var msg types.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("bad server message %s: %v", data, err)
		}
		return msg
	case <-time.After(within):
		t.Fatalf("timed out waiting for message")
		return types.ServerMessage{} // unreachable
	}
}

func recvNoMsg(t *testing.T, ch <-chan []byte, within time.Duration) {
	t.Helper()
	select {
	case data, ok := <-ch:
		if !ok {
			return // closed channel: no further messages possible
		}
		t.Fatalf("expected no message within %v, got: %s", within, data)
	case <-time.After(within):
	}
}

func sendJSON(t *testing.T, h *Hub, clientID string, m types.ClientMessage) {
	t.Helper()
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal client message: %v", err)
	}
	h.Inbox() <- Inbound{ClientID: clientID, Data: data}
}

// inspect round-trips through the actor loop, which also guarantees all
// previously queued messages were processed.
func inspect(t *testing.T, h *Hub) View {
	t.Helper()
	reply := make(chan View, 1)
	h.Inbox() <- Inspect{Reply: reply}
	select {
	case v := <-reply:
		return v
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for view")
		return View{} // unreachable
	}
}

func subscribe(t *testing.T, h *Hub, info ConnectInfo, channel string) {
	t.Helper()
	sendJSON(t, h, info.ClientID, types.ClientMessage{
		Type: types.TypeSubscribe, Channel: channel, Token: info.Token,
	})
}

func publish(t *testing.T, h *Hub, info ConnectInfo, channel, event string) {
	t.Helper()
	sendJSON(t, h, info.ClientID, types.ClientMessage{
		Type: types.TypePublish, Channel: channel, Event: event, Token: info.Token,
	})
}

func TestFanOutIsolation(t *testing.T) {
	h := newTestHub(t)

	outA, a := connect(t, h)
	outB, b := connect(t, h)
	outC, c := connect(t, h)
	outD, d := connect(t, h)
	pub, p := connect(t, h)

	subscribe(t, h, a, "X")
	subscribe(t, h, b, "X")
	subscribe(t, h, c, "X")
	subscribe(t, h, d, "Y")

	publish(t, h, p, "X", "telemetry")

	for _, out := range []chan []byte{outA, outB, outC} {
		msg := recvMsg(t, out, 200*time.Millisecond)
		if msg.Channel != "X" {
			t.Fatalf("want channel X, got %q", msg.Channel)
		}
	}
	recvNoMsg(t, outD, 100*time.Millisecond)
	recvNoMsg(t, pub, 100*time.Millisecond)

	// One subscriber disconnects mid-session; a later publish reaches
	// exactly the remaining two.
	h.Inbox() <- Disconnect{ClientID: b.ClientID}

	publish(t, h, p, "X", "telemetry")
	recvMsg(t, outA, 200*time.Millisecond)
	recvMsg(t, outC, 200*time.Millisecond)
	recvNoMsg(t, outB, 100*time.Millisecond)
}

func TestPublishOrderPreservedPerSubscriber(t *testing.T) {
	h := newTestHub(t)

	out, sub := connect(t, h)
	_, p := connect(t, h)
	subscribe(t, h, sub, "X")

	for i := 0; i < 5; i++ {
		sendJSON(t, h, p.ClientID, types.ClientMessage{
			Type: types.TypePublish, Channel: "X", Event: "tick",
			Token: p.Token, RequestID: string(rune('0' + i)),
		})
	}
	for i := 0; i < 5; i++ {
		msg := recvMsg(t, out, 200*time.Millisecond)
		if msg.RequestID != string(rune('0'+i)) {
			t.Fatalf("out of order: want seq %d, got %q", i, msg.RequestID)
		}
	}
}

func TestPublishTokenGated(t *testing.T) {
	h := newTestHub(t)

	out, sub := connect(t, h)
	_, p := connect(t, h)
	subscribe(t, h, sub, "X")

	sendJSON(t, h, p.ClientID, types.ClientMessage{
		Type: types.TypePublish, Channel: "X", Event: "tick", Token: "bogus",
	})
	recvNoMsg(t, out, 100*time.Millisecond)

	// The connection itself is untouched: a correctly tokened publish
	// still goes through.
	publish(t, h, p, "X", "tick")
	recvMsg(t, out, 200*time.Millisecond)
}

func TestHeartbeat(t *testing.T) {
	h := newTestHub(t)
	out, info := connect(t, h)

	sendJSON(t, h, info.ClientID, types.ClientMessage{Type: types.TypeHeartbeat, Token: "stale"})
	recvNoMsg(t, out, 100*time.Millisecond)

	sendJSON(t, h, info.ClientID, types.ClientMessage{Type: types.TypeHeartbeat, Token: info.Token})
	ack := recvMsg(t, out, 200*time.Millisecond)
	if ack.Type != types.TypeHeartbeatAck {
		t.Fatalf("want heartbeat-ack, got %q", ack.Type)
	}
}

func TestSubscribeIdempotentAndCleanedUpOnDisconnect(t *testing.T) {
	h := newTestHub(t)
	_, info := connect(t, h)

	subscribe(t, h, info, "X")
	subscribe(t, h, info, "X")

	v := inspect(t, h)
	if len(v.Subscribers["X"]) != 1 {
		t.Fatalf("duplicate subscribe must not duplicate membership: %v", v.Subscribers)
	}

	h.Inbox() <- Disconnect{ClientID: info.ClientID}

	v = inspect(t, h)
	if v.NumConns != 0 {
		t.Fatalf("want 0 conns after disconnect, got %d", v.NumConns)
	}
	if _, ok := v.Subscribers["X"]; ok {
		t.Fatalf("empty channel set must be garbage-collected")
	}
}

func TestRoomChangedRelayedToProducers(t *testing.T) {
	h := newTestHub(t)

	prodOut, prod := connect(t, h)
	_, cons := connect(t, h)

	sendJSON(t, h, prod.ClientID, types.ClientMessage{
		Type: types.TypeRegister, ClientType: types.RoleProducer, Token: prod.Token,
	})
	subscribe(t, h, cons, "room:r42")

	msg := recvMsg(t, prodOut, 200*time.Millisecond)
	if msg.Type != types.TypeRoomChanged || msg.Action != "subscribe" || msg.RoomID != "r42" {
		t.Fatalf("unexpected room-changed: %+v", msg)
	}

	sendJSON(t, h, cons.ClientID, types.ClientMessage{
		Type: types.TypeUnsubscribe, Channel: "room:r42", Token: cons.Token,
	})
	msg = recvMsg(t, prodOut, 200*time.Millisecond)
	if msg.Action != "unsubscribe" {
		t.Fatalf("want unsubscribe notification, got %+v", msg)
	}
}

func TestRoomUpdateCachesAndGetRoomServes(t *testing.T) {
	h := newTestHub(t)
	out, info := connect(t, h)

	sendJSON(t, h, info.ClientID, types.ClientMessage{
		Type: types.TypePublish, Event: types.EventRoomUpdate, Token: info.Token,
		RoomID:   "r1",
		Snapshot: json.RawMessage(`{"status":"live","players":2}`),
		Raw:      json.RawMessage(`{"seed":7}`),
	})

	sendJSON(t, h, info.ClientID, types.ClientMessage{
		Type: types.TypeGetRoom, RoomID: "r1", RequestID: "q1",
	})
	reply := recvMsg(t, out, 200*time.Millisecond)
	if reply.Type != types.TypeRoomData || reply.RequestID != "q1" {
		t.Fatalf("unexpected reply: %+v", reply)
	}
	if reply.Found == nil || !*reply.Found {
		t.Fatalf("want found room, got %+v", reply)
	}
	var snap map[string]any
	if err := json.Unmarshal(reply.Snapshot, &snap); err != nil || snap["status"] != "live" {
		t.Fatalf("bad snapshot %s: %v", reply.Snapshot, err)
	}
	if string(reply.Raw) != `{"seed":7}` {
		t.Fatalf("raw not served: %s", reply.Raw)
	}

	sendJSON(t, h, info.ClientID, types.ClientMessage{
		Type: types.TypeGetRoom, RoomID: "nope", RequestID: "q2",
	})
	reply = recvMsg(t, out, 200*time.Millisecond)
	if reply.Found == nil || *reply.Found {
		t.Fatalf("want found=false for unknown room, got %+v", reply)
	}
}

func TestRoomPatchMerges(t *testing.T) {
	h := newTestHub(t)
	out, info := connect(t, h)

	sendJSON(t, h, info.ClientID, types.ClientMessage{
		Type: types.TypePublish, Event: types.EventRoomUpdate, Token: info.Token,
		RoomID: "r1", Snapshot: json.RawMessage(`{"status":"live","round":1}`),
	})
	sendJSON(t, h, info.ClientID, types.ClientMessage{
		Type: types.TypePublish, Event: types.EventRoomPatch, Token: info.Token,
		RoomID: "r1", Partial: json.RawMessage(`{"round":2}`),
	})

	sendJSON(t, h, info.ClientID, types.ClientMessage{
		Type: types.TypeGetRoom, RoomID: "r1",
	})
	reply := recvMsg(t, out, 200*time.Millisecond)
	var snap map[string]any
	if err := json.Unmarshal(reply.Snapshot, &snap); err != nil {
		t.Fatalf("bad snapshot: %v", err)
	}
	if snap["status"] != "live" || snap["round"] != float64(2) {
		t.Fatalf("patch not merged: %v", snap)
	}
}

func TestRatingUpdateEmitsSessionGame(t *testing.T) {
	h := newTestHub(t)
	h.tracker.Start("u", nil, nil)

	out, watcher := connect(t, h)
	_, prod := connect(t, h)
	subscribe(t, h, watcher, "player:u")

	meta := &types.RoomMeta{RoomID: "r1", Player1ID: "u", Player2ID: "v", WinnerID: "u"}

	rating := 1000
	sendJSON(t, h, prod.ClientID, types.ClientMessage{
		Type: types.TypePublish, Event: types.EventRatingUpdate, Token: prod.Token,
		UserID: "u", Rating: &rating, RoomMeta: meta,
	})
	// Seeding observation: no derived game.
	recvNoMsg(t, out, 100*time.Millisecond)

	rating2 := 1015
	sendJSON(t, h, prod.ClientID, types.ClientMessage{
		Type: types.TypePublish, Event: types.EventRatingUpdate, Token: prod.Token,
		UserID: "u", Rating: &rating2, RoomMeta: meta,
	})

	msg := recvMsg(t, out, 200*time.Millisecond)
	if msg.Type != types.TypeSessionGame || msg.UserID != "u" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if msg.Game == nil || msg.Game.Delta != 15 || msg.Game.Result != string(session.ResultWin) {
		t.Fatalf("unexpected derived game: %+v", msg.Game)
	}
	if msg.Game.RatingAfter == nil || *msg.Game.RatingAfter != 1015 || msg.Game.OpponentID != "v" {
		t.Fatalf("derived game lost fields on the wire: %+v", msg.Game)
	}
}

func TestMatchEndedFeedsMetaFallback(t *testing.T) {
	h := newTestHub(t)
	h.tracker.Start("u", nil, nil)

	_, prod := connect(t, h)

	sendJSON(t, h, prod.ClientID, types.ClientMessage{
		Type: types.TypePublish, Event: types.EventMatchEnded, Token: prod.Token,
		RoomID: "r7", Status: "finished", WinnerID: "v", Player1ID: "u", Player2ID: "v",
	})

	rating := 900
	sendJSON(t, h, prod.ClientID, types.ClientMessage{
		Type: types.TypePublish, Event: types.EventRatingUpdate, Token: prod.Token,
		UserID: "u", Rating: &rating,
	})
	rating2 := 884
	sendJSON(t, h, prod.ClientID, types.ClientMessage{
		Type: types.TypePublish, Event: types.EventRatingUpdate, Token: prod.Token,
		UserID: "u", Rating: &rating2,
	})
	inspect(t, h) // drain the loop

	pub, ok := h.tracker.Public("u")
	if !ok || len(pub.Games) != 1 {
		t.Fatalf("want one recorded game via meta fallback, got %+v", pub)
	}
	g := pub.Games[0]
	if g.Delta != -16 || g.Result != session.ResultLoss || g.RoomID != "r7" {
		t.Fatalf("unexpected game: %+v", g)
	}
}

func TestGetContextServedFromMemory(t *testing.T) {
	h := newTestHub(t)
	out, info := connect(t, h)

	sendJSON(t, h, info.ClientID, types.ClientMessage{
		Type: types.TypePublish, Event: types.EventContextUpdate, Token: info.Token,
		UpdateType: types.UpdateProfile, Payload: json.RawMessage(`{"name":"ace"}`),
	})
	subscribe(t, h, info, "room:r1")

	sendJSON(t, h, info.ClientID, types.ClientMessage{Type: types.TypeGetContext})
	msg := recvMsg(t, out, 200*time.Millisecond)
	if msg.Type != types.TypeContextUpdate {
		t.Fatalf("want context-update, got %q", msg.Type)
	}
	var view types.ContextView
	if err := json.Unmarshal(msg.Payload, &view); err != nil {
		t.Fatalf("bad context payload: %v", err)
	}
	if string(view.Profile) != `{"name":"ace"}` {
		t.Fatalf("profile not retained: %s", view.Profile)
	}
	if len(view.Subscriptions) != 1 || view.Subscriptions[0] != "room:r1" {
		t.Fatalf("subscriptions not reflected: %v", view.Subscriptions)
	}
}

func TestMalformedAndUnknownMessagesAreHarmless(t *testing.T) {
	h := newTestHub(t)
	out, info := connect(t, h)

	h.Inbox() <- Inbound{ClientID: info.ClientID, Data: []byte("{broken")}
	sendJSON(t, h, info.ClientID, types.ClientMessage{Type: "never-heard-of-it"})

	// The connection still works afterwards.
	sendJSON(t, h, info.ClientID, types.ClientMessage{Type: types.TypeHeartbeat, Token: info.Token})
	ack := recvMsg(t, out, 200*time.Millisecond)
	if ack.Type != types.TypeHeartbeatAck {
		t.Fatalf("hub did not survive malformed input: %+v", ack)
	}
}

func TestSlowSubscriberDroppedSilently(t *testing.T) {
	h := newTestHub(t)

	slow := make(chan []byte) // unbuffered and never read
	reply := make(chan ConnectInfo, 1)
	h.Inbox() <- Connect{Outbox: slow, Reply: reply}
	info := <-reply
	// Welcome was already dropped: the outbox is full by construction.

	subscribe(t, h, info, "X")
	out, other := connect(t, h)
	subscribe(t, h, other, "X")
	_, p := connect(t, h)

	publish(t, h, p, "X", "tick")

	// The healthy subscriber still receives despite the stuck one.
	msg := recvMsg(t, out, 200*time.Millisecond)
	if msg.Channel != "X" {
		t.Fatalf("unexpected message: %+v", msg)
	}
	v := inspect(t, h)
	if v.NumConns != 3 {
		t.Fatalf("slow subscriber must not be evicted by a full outbox, conns=%d", v.NumConns)
	}
}

func TestStats(t *testing.T) {
	h := newTestHub(t)

	_, a := connect(t, h)
	subscribe(t, h, a, "X")
	sendJSON(t, h, a.ClientID, types.ClientMessage{
		Type: types.TypePublish, Event: types.EventRoomUpdate, Token: a.Token,
		RoomID: "r1", Snapshot: json.RawMessage(`{}`),
	})

	reply := make(chan StatsView, 1)
	h.Inbox() <- GetStats{Reply: reply}
	select {
	case s := <-reply:
		if s.Connections != 1 || s.Channels != 1 || s.Rooms != 1 {
			t.Fatalf("unexpected stats: %+v", s)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for stats")
	}
}
