// Package hub is the connection/channel/fan-out service at the center of
// the relay. One goroutine owns every registry; inbound work arrives as
// typed messages on the inbox, so handlers never interleave and the cache
// and tracker each keep a single writer path.
package hub

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/duelgrid/relay-server/internal/cache"
	"github.com/duelgrid/relay-server/internal/session"
	"github.com/duelgrid/relay-server/pkg/types"
)

type Msg interface{ isHubMsg() }

// Connect admits a new connection. The hub mints an id and token, queues
// the welcome message on Outbox, and answers Reply.
type Connect struct {
	Outbox chan []byte
	Reply  chan ConnectInfo
}

// Disconnect tears a connection down: every channel membership is removed
// and the outbox closed within one actor step, so a dead connection is
// never a fan-out target.
type Disconnect struct {
	ClientID string
}

// Inbound carries one raw wire message from a connection.
type Inbound struct {
	ClientID string
	Data     []byte
}

// GetStats asks for connection/channel/room counts.
type GetStats struct {
	Reply chan StatsView
}

// Inspect reflects internal state without data races; used by tests and
// diagnostics only.
type Inspect struct {
	Reply chan View
}

type Shutdown struct{}

func (Connect) isHubMsg()    {}
func (Disconnect) isHubMsg() {}
func (Inbound) isHubMsg()    {}
func (GetStats) isHubMsg()   {}
func (Inspect) isHubMsg()    {}
func (Shutdown) isHubMsg()   {}

type ConnectInfo struct {
	ClientID string
	Token    string
}

type StatsView struct {
	Connections int `json:"connections"`
	Channels    int `json:"channels"`
	Rooms       int `json:"rooms"`
}

type View struct {
	NumConns    int
	Roles       map[string]string
	Subscribers map[string][]string
}

type conn struct {
	id       string
	role     string
	token    string
	outbox   chan []byte
	channels map[string]struct{}
	lastSeen time.Time
}

type contextState struct {
	game     json.RawMessage
	entities json.RawMessage
	season   json.RawMessage
	profile  json.RawMessage
}

type Hub struct {
	inbox    chan Msg
	conns    map[string]*conn
	channels map[string]map[string]struct{}
	state    contextState
	cache    *cache.RoomCache
	tracker  *session.Tracker
	log      *zap.Logger
	ctx      context.Context
	cancel   context.CancelFunc
	now      func() time.Time
}

func New(parent context.Context, c *cache.RoomCache, t *session.Tracker, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:    make(chan Msg, 64),
		conns:    make(map[string]*conn),
		channels: make(map[string]map[string]struct{}),
		cache:    c,
		tracker:  t,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Connect:
				msg.Reply <- h.handleConnect(msg.Outbox)

			case Disconnect:
				h.handleDisconnect(msg.ClientID)

			case Inbound:
				h.handleInbound(msg.ClientID, msg.Data)

			case GetStats:
				msg.Reply <- StatsView{
					Connections: len(h.conns),
					Channels:    len(h.channels),
					Rooms:       h.cache.Len(),
				}

			case Inspect:
				msg.Reply <- h.view()

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) handleConnect(outbox chan []byte) ConnectInfo {
	c := &conn{
		id:       uuid.NewString(),
		role:     types.RoleUnknown,
		token:    uuid.NewString(),
		outbox:   outbox,
		channels: make(map[string]struct{}),
		lastSeen: h.now(),
	}
	h.conns[c.id] = c

	h.send(c, types.ServerMessage{Type: types.TypeWelcome, ClientID: c.id, Token: c.token})
	h.log.Info("connection opened", zap.String("clientId", c.id), zap.Int("connections", len(h.conns)))
	return ConnectInfo{ClientID: c.id, Token: c.token}
}

func (h *Hub) handleDisconnect(clientID string) {
	c, ok := h.conns[clientID]
	if !ok {
		return
	}
	for ch := range c.channels {
		h.dropSubscriber(ch, clientID)
	}
	delete(h.conns, clientID)
	close(c.outbox)
	h.log.Info("connection closed", zap.String("clientId", clientID), zap.Int("connections", len(h.conns)))
}

// dropSubscriber removes clientID from the channel's subscriber set and
// garbage-collects the set once empty.
func (h *Hub) dropSubscriber(channel, clientID string) {
	subs, ok := h.channels[channel]
	if !ok {
		return
	}
	delete(subs, clientID)
	if len(subs) == 0 {
		delete(h.channels, channel)
	}
}

// send queues a server message on one connection's outbound path.
// Best-effort: a full outbox drops this one copy.
func (h *Hub) send(c *conn, msg types.ServerMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal server message", zap.String("type", msg.Type), zap.Error(err))
		return false
	}
	return h.sendRaw(c, data)
}

func (h *Hub) sendRaw(c *conn, data []byte) bool {
	select {
	case c.outbox <- data:
		return true
	default:
		return false
	}
}

// fanOut delivers data to every subscriber of channel. Each send attempt
// yields its own result; a dropped recipient never affects the rest.
func (h *Hub) fanOut(channel string, data []byte) {
	for id := range h.channels[channel] {
		c, ok := h.conns[id]
		if !ok {
			continue
		}
		if !h.sendRaw(c, data) {
			h.log.Debug("dropped message for slow subscriber",
				zap.String("clientId", id), zap.String("channel", channel))
		}
	}
}

// toProducers sends a server message to every registered producer.
func (h *Hub) toProducers(msg types.ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("marshal server message", zap.String("type", msg.Type), zap.Error(err))
		return
	}
	for _, c := range h.conns {
		if c.role != types.RoleProducer {
			continue
		}
		h.sendRaw(c, data)
	}
}

func (h *Hub) view() View {
	v := View{
		NumConns:    len(h.conns),
		Roles:       make(map[string]string, len(h.conns)),
		Subscribers: make(map[string][]string, len(h.channels)),
	}
	for id, c := range h.conns {
		v.Roles[id] = c.role
	}
	for ch, subs := range h.channels {
		ids := make([]string, 0, len(subs))
		for id := range subs {
			ids = append(ids, id)
		}
		v.Subscribers[ch] = ids
	}
	return v
}

func (h *Hub) shutdown() {
	for id, c := range h.conns {
		close(c.outbox)
		delete(h.conns, id)
	}
	clear(h.channels)
	h.cancel()
}
