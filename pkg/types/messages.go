package types

import (
	"encoding/json"
	"time"
)

// Message type discriminators. Client→server types arrive in
// ClientMessage.Type; server→client types go out in ServerMessage.Type.
const (
	// Client → server.
	TypeRegister    = "register"
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypePublish     = "publish"
	TypeHeartbeat   = "heartbeat"
	TypeGetContext  = "get-context"
	TypeGetRoom     = "get-room"

	// Server → client.
	TypeWelcome       = "welcome"
	TypeHeartbeatAck  = "heartbeat-ack"
	TypeContextUpdate = "context-update"
	TypeRoomData      = "room-data"
	TypeRoomChanged   = "room-changed"
	TypeSessionGame   = "session-game"
)

// Reserved publish event names the relay acts on before fanning out.
const (
	EventContextUpdate     = "context-update"
	EventRoomUpdate        = "room-update"
	EventRoomPatch         = "room-patch"
	EventRoomDataAvailable = "room-data-available"
	EventMatchEnded        = "match-ended"
	EventRatingUpdate      = "rating-update"
	EventRatingDelta       = "rating-delta"
)

// Context update discriminators; empty means a full snapshot.
const (
	UpdateGame     = "game"
	UpdateEntities = "entities"
	UpdateSeason   = "season"
	UpdateProfile  = "profile"
)

// Roles a connection can declare via register.
const (
	RoleProducer = "producer"
	RoleConsumer = "consumer"
	RoleUnknown  = "unknown"
)

// RoomMeta identifies the participants and winner of a match on the wire.
type RoomMeta struct {
	RoomID    string `json:"room_id,omitempty"`
	Player1ID string `json:"player1_id,omitempty"`
	Player2ID string `json:"player2_id,omitempty"`
	WinnerID  string `json:"winner_id,omitempty"`
}

// Game is a derived session history entry as sent to overlays.
type Game struct {
	Timestamp   time.Time `json:"timestamp"`
	Delta       int       `json:"delta"`
	RatingAfter *int      `json:"ratingAfter"`
	Rank        *int      `json:"rank,omitempty"`
	Result      string    `json:"result"`
	RoomID      string    `json:"roomId,omitempty"`
	OpponentID  string    `json:"opponentId,omitempty"`
	WinnerID    string    `json:"winnerId,omitempty"`
}

// ClientMessage is the inbound wire envelope. Type discriminates the
// variant; only that variant's fields are populated. Unknown types are
// ignored by the hub.
type ClientMessage struct {
	Type       string `json:"type"`
	Token      string `json:"token,omitempty"`
	Origin     string `json:"origin,omitempty"`
	ClientType string `json:"clientType,omitempty"`
	Channel    string `json:"channel,omitempty"`
	Event      string `json:"event,omitempty"`
	UpdateType string `json:"updateType,omitempty"`
	RequestID  string `json:"requestId,omitempty"`

	RoomID   string          `json:"roomId,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`
	Partial  json.RawMessage `json:"partial,omitempty"`

	UserID   string    `json:"userId,omitempty"`
	Rating   *int      `json:"rating,omitempty"`
	Rank     *int      `json:"rank,omitempty"`
	Delta    *int      `json:"delta,omitempty"`
	Result   string    `json:"result,omitempty"`
	RoomMeta *RoomMeta `json:"roomMeta,omitempty"`

	Status    string          `json:"status,omitempty"`
	WinnerID  string          `json:"winnerId,omitempty"`
	Player1ID string          `json:"player1Id,omitempty"`
	Player2ID string          `json:"player2Id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is the outbound wire envelope.
type ServerMessage struct {
	Type       string `json:"type"`
	ClientID   string `json:"clientId,omitempty"`
	Token      string `json:"token,omitempty"`
	Channel    string `json:"channel,omitempty"`
	UpdateType string `json:"updateType,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	Action     string `json:"action,omitempty"`

	RoomID   string          `json:"roomId,omitempty"`
	Found    *bool           `json:"found,omitempty"`
	Snapshot json.RawMessage `json:"snapshot,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`

	UserID  string          `json:"userId,omitempty"`
	Game    *Game           `json:"game,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ContextView is the full in-memory state snapshot served for get-context.
type ContextView struct {
	Game          json.RawMessage `json:"game,omitempty"`
	Entities      json.RawMessage `json:"entities,omitempty"`
	Season        json.RawMessage `json:"season,omitempty"`
	Profile       json.RawMessage `json:"profile,omitempty"`
	Subscriptions []string        `json:"subscriptions"`
}
