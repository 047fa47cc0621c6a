// Package ws bridges websocket connections onto the hub: one reader loop
// feeding the hub inbox and one writer goroutine draining the connection's
// outbox. All protocol logic lives in the hub; this layer only moves bytes.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/duelgrid/relay-server/internal/hub"
)

const (
	outboxSize   = 256
	writeTimeout = 10 * time.Second
)

// Handler upgrades requests on behalf of the hub. Only origins matching
// one of the host patterns may connect; same-origin requests always pass.
func Handler(h *hub.Hub, origins []string, log *zap.Logger) http.HandlerFunc {
	if log == nil {
		log = zap.NewNop()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			// Producers run in a page context and consumers in the
			// overlay shell; both connect from app-local origins.
			OriginPatterns: origins,
		})
		if err != nil {
			log.Warn("websocket accept failed", zap.Error(err))
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		outbox := make(chan []byte, outboxSize)
		reply := make(chan hub.ConnectInfo, 1)
		h.Inbox() <- hub.Connect{Outbox: outbox, Reply: reply}
		info := <-reply

		// Channel memberships are removed atomically with the close;
		// the hub also closes the outbox, which stops the writer.
		defer func() { h.Inbox() <- hub.Disconnect{ClientID: info.ClientID} }()

		writeCtx, writeCancel := context.WithCancel(context.Background())
		defer writeCancel()
		go func() {
			for data := range outbox {
				ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					cancel()
					return
				}
				cancel()
			}
		}()

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
					return
				}
				log.Debug("websocket read ended",
					zap.String("clientId", info.ClientID), zap.Error(err))
				return
			}
			h.Inbox() <- hub.Inbound{ClientID: info.ClientID, Data: data}
		}
	}
}
