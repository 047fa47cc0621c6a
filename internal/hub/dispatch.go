package hub

import (
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/duelgrid/relay-server/internal/session"
	"github.com/duelgrid/relay-server/pkg/types"
)

// roomChannelPrefix scopes channels carrying one room's events.
const roomChannelPrefix = "room:"

// playerChannelPrefix scopes channels carrying one user's derived session
// events.
const playerChannelPrefix = "player:"

// handleInbound parses and dispatches one raw wire message. Malformed
// payloads are logged and dropped; unknown types ignored. Nothing here may
// take the loop down.
func (h *Hub) handleInbound(clientID string, data []byte) {
	c, ok := h.conns[clientID]
	if !ok {
		// Connection already torn down; late frames are dropped.
		return
	}

	var m types.ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		h.log.Warn("malformed payload", zap.String("clientId", clientID), zap.Error(err))
		return
	}

	switch m.Type {
	case types.TypeRegister:
		h.handleRegister(c, m)
	case types.TypeSubscribe:
		h.handleSubscribe(c, m.Channel)
	case types.TypeUnsubscribe:
		h.handleUnsubscribe(c, m.Channel)
	case types.TypeHeartbeat:
		h.handleHeartbeat(c, m.Token)
	case types.TypeGetContext:
		h.handleGetContext(c)
	case types.TypeGetRoom:
		h.handleGetRoom(c, m)
	case types.TypePublish:
		h.handlePublish(c, m, data)
	default:
		h.log.Debug("ignoring unknown message type",
			zap.String("clientId", clientID), zap.String("type", m.Type))
	}
}

// handleRegister tags the connection's role. Diagnostics and targeting
// only, not access control.
func (h *Hub) handleRegister(c *conn, m types.ClientMessage) {
	switch m.ClientType {
	case types.RoleProducer, types.RoleConsumer:
		c.role = m.ClientType
	default:
		c.role = types.RoleUnknown
	}
	h.log.Info("connection registered",
		zap.String("clientId", c.id),
		zap.String("role", c.role),
		zap.String("origin", m.Origin))
}

func (h *Hub) handleSubscribe(c *conn, channel string) {
	if channel == "" {
		h.log.Warn("subscribe without channel", zap.String("clientId", c.id))
		return
	}
	if _, ok := c.channels[channel]; ok {
		return // idempotent
	}
	c.channels[channel] = struct{}{}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[string]struct{})
		h.channels[channel] = subs
	}
	subs[c.id] = struct{}{}

	h.log.Debug("subscribed", zap.String("clientId", c.id), zap.String("channel", channel))
	h.notifyRoomChanged("subscribe", channel)
}

func (h *Hub) handleUnsubscribe(c *conn, channel string) {
	if channel == "" {
		return
	}
	if _, ok := c.channels[channel]; !ok {
		return // idempotent
	}
	delete(c.channels, channel)
	h.dropSubscriber(channel, c.id)

	h.log.Debug("unsubscribed", zap.String("clientId", c.id), zap.String("channel", channel))
	h.notifyRoomChanged("unsubscribe", channel)
}

// notifyRoomChanged tells producers a room channel gained or lost a
// watcher, so the interceptor can start or stop pushing that room.
func (h *Hub) notifyRoomChanged(action, channel string) {
	roomID, ok := strings.CutPrefix(channel, roomChannelPrefix)
	if !ok {
		return
	}
	h.toProducers(types.ServerMessage{Type: types.TypeRoomChanged, Action: action, RoomID: roomID})
}

// handleHeartbeat refreshes liveness. A stale token means the connection
// was already replaced; the ping is silently ignored.
func (h *Hub) handleHeartbeat(c *conn, token string) {
	if token != c.token {
		h.log.Debug("heartbeat with stale token", zap.String("clientId", c.id))
		return
	}
	c.lastSeen = h.now()
	h.send(c, types.ServerMessage{Type: types.TypeHeartbeatAck})
}

// handleGetContext answers from in-memory state, never blocking on the
// network.
func (h *Hub) handleGetContext(c *conn) {
	view := types.ContextView{
		Game:          h.state.game,
		Entities:      h.state.entities,
		Season:        h.state.season,
		Profile:       h.state.profile,
		Subscriptions: h.activeChannels(),
	}
	payload, err := json.Marshal(view)
	if err != nil {
		h.log.Error("marshal context view", zap.Error(err))
		return
	}
	h.send(c, types.ServerMessage{Type: types.TypeContextUpdate, Payload: payload})
}

func (h *Hub) activeChannels() []string {
	out := make([]string, 0, len(h.channels))
	for ch := range h.channels {
		out = append(out, ch)
	}
	return out
}

// handleGetRoom is the pull half of the room-data path: the cache is
// consulted first so late or duplicate fetches never re-derive a room.
func (h *Hub) handleGetRoom(c *conn, m types.ClientMessage) {
	if m.RoomID == "" {
		h.log.Warn("get-room without roomId", zap.String("clientId", c.id))
		return
	}
	snapshot, found := h.cache.GetRoom(m.RoomID)
	reply := types.ServerMessage{
		Type:      types.TypeRoomData,
		RoomID:    m.RoomID,
		RequestID: m.RequestID,
		Found:     &found,
	}
	if found {
		data, err := json.Marshal(snapshot)
		if err != nil {
			h.log.Error("marshal room snapshot", zap.String("roomId", m.RoomID), zap.Error(err))
			return
		}
		reply.Snapshot = data
		raw, _ := h.cache.GetRoomRaw(m.RoomID)
		reply.Raw = raw
	}
	h.send(c, reply)
}

// handlePublish applies any relay-side effect of the event, then forwards
// the payload unmodified to every subscriber. Token-gated: a mismatched
// token silently drops the whole message.
func (h *Hub) handlePublish(c *conn, m types.ClientMessage, data []byte) {
	if m.Token != c.token {
		h.log.Debug("publish with invalid token", zap.String("clientId", c.id))
		return
	}
	if !h.applyEvent(c, m) {
		return
	}
	if m.Channel != "" {
		h.fanOut(m.Channel, data)
	}
}

// applyEvent runs the side effect for reserved event names. It reports
// whether the message should still be fanned out; a malformed body stops
// the message entirely.
func (h *Hub) applyEvent(c *conn, m types.ClientMessage) bool {
	switch m.Event {
	case types.EventContextUpdate:
		return h.applyContextUpdate(c, m)

	case types.EventRoomUpdate:
		if m.RoomID == "" {
			h.log.Warn("room-update without roomId", zap.String("clientId", c.id))
			return false
		}
		snapshot := make(map[string]any)
		if len(m.Snapshot) > 0 {
			if err := json.Unmarshal(m.Snapshot, &snapshot); err != nil {
				h.log.Warn("malformed room snapshot",
					zap.String("clientId", c.id), zap.String("roomId", m.RoomID), zap.Error(err))
				return false
			}
		}
		h.cache.SetRoom(m.RoomID, snapshot, m.Raw)
		return true

	case types.EventRoomPatch:
		if m.RoomID == "" {
			h.log.Warn("room-patch without roomId", zap.String("clientId", c.id))
			return false
		}
		partial := make(map[string]any)
		if err := json.Unmarshal(m.Partial, &partial); err != nil {
			h.log.Warn("malformed room patch",
				zap.String("clientId", c.id), zap.String("roomId", m.RoomID), zap.Error(err))
			return false
		}
		h.cache.UpdateRoom(m.RoomID, partial)
		return true

	case types.EventRoomDataAvailable:
		// Notification only: the relay never fetches the room itself,
		// consumers pull it via get-room.
		return m.RoomID != ""

	case types.EventMatchEnded:
		meta := session.RoomMeta{
			RoomID:    m.RoomID,
			Player1ID: m.Player1ID,
			Player2ID: m.Player2ID,
			WinnerID:  m.WinnerID,
		}
		h.tracker.RecordMatchMeta(m.Player1ID, meta)
		h.tracker.RecordMatchMeta(m.Player2ID, meta)
		return true

	case types.EventRatingUpdate:
		if m.UserID == "" || m.Rating == nil {
			h.log.Warn("malformed rating-update", zap.String("clientId", c.id))
			return false
		}
		game := h.tracker.ApplyRatingChange(m.UserID, *m.Rating, m.Rank, sessionMeta(m.RoomMeta))
		h.emitSessionGame(m.UserID, game)
		return true

	case types.EventRatingDelta:
		if m.UserID == "" || m.Delta == nil {
			h.log.Warn("malformed rating-delta", zap.String("clientId", c.id))
			return false
		}
		game := h.tracker.ApplyRatingDelta(m.UserID, *m.Delta, m.Rank, session.Result(m.Result), sessionMeta(m.RoomMeta))
		h.emitSessionGame(m.UserID, game)
		return true

	default:
		// Plain passthrough event.
		return true
	}
}

// applyContextUpdate stores the producer's context blob by updateType; an
// untagged update is a full snapshot replacing each part it carries.
func (h *Hub) applyContextUpdate(c *conn, m types.ClientMessage) bool {
	switch m.UpdateType {
	case types.UpdateGame:
		h.state.game = m.Payload
	case types.UpdateEntities:
		h.state.entities = m.Payload
	case types.UpdateSeason:
		h.state.season = m.Payload
	case types.UpdateProfile:
		h.state.profile = m.Payload
	case "":
		var full types.ContextView
		if err := json.Unmarshal(m.Payload, &full); err != nil {
			h.log.Warn("malformed full context update", zap.String("clientId", c.id), zap.Error(err))
			return false
		}
		if full.Game != nil {
			h.state.game = full.Game
		}
		if full.Entities != nil {
			h.state.entities = full.Entities
		}
		if full.Season != nil {
			h.state.season = full.Season
		}
		if full.Profile != nil {
			h.state.profile = full.Profile
		}
	default:
		h.log.Debug("ignoring unknown context updateType",
			zap.String("clientId", c.id), zap.String("updateType", m.UpdateType))
	}
	return true
}

// sessionMeta converts the wire match metadata into the tracker's type.
// The wire envelope stays free of internal imports so external clients
// can depend on pkg/types.
func sessionMeta(m *types.RoomMeta) *session.RoomMeta {
	if m == nil {
		return nil
	}
	return &session.RoomMeta{
		RoomID:    m.RoomID,
		Player1ID: m.Player1ID,
		Player2ID: m.Player2ID,
		WinnerID:  m.WinnerID,
	}
}

func wireGame(g *session.Game) *types.Game {
	if g == nil {
		return nil
	}
	return &types.Game{
		Timestamp:   g.Timestamp,
		Delta:       g.Delta,
		RatingAfter: g.RatingAfter,
		Rank:        g.Rank,
		Result:      string(g.Result),
		RoomID:      g.RoomID,
		OpponentID:  g.OpponentID,
		WinnerID:    g.WinnerID,
	}
}

// emitSessionGame publishes a freshly derived history entry on the user's
// player channel so overlays render it without re-deriving.
func (h *Hub) emitSessionGame(userID string, game *session.Game) {
	if game == nil {
		return
	}
	msg := types.ServerMessage{Type: types.TypeSessionGame, UserID: userID, Game: wireGame(game)}
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal session game", zap.String("userId", userID), zap.Error(err))
		return
	}
	h.fanOut(playerChannelPrefix+userID, data)
}
