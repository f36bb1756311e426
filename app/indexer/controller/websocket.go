package controller

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/canopy-network/ledgerx/pkg/indexer/pipeline"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval = 30 * time.Second
	readTimeout  = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ClientMessage is sent by websocket clients.
type ClientMessage struct {
	Action   string `json:"action"`   // "subscribe" or "unsubscribe"
	Pipeline string `json:"pipeline"` // pipeline name or "*"
}

// ServerMessage is sent to websocket clients.
type ServerMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// HandleWebSocket streams watermark advances of the pipelines a client
// subscribes to.
//
//	-> {"action": "subscribe", "pipeline": "checkpoints"}
//	<- {"type": "subscribed", "payload": {"pipeline": "checkpoints"}}
//	<- {"type": "watermark.advanced", "payload": {...}}
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if c.Hub == nil {
		writeError(w, http.StatusServiceUnavailable, "watermark stream not available")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.Logger.Error("Failed to upgrade websocket connection", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	client := c.Hub.register()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.sendPings(ctx, conn)
	}()
	go func() {
		defer wg.Done()
		c.writeMessages(conn, client.send)
		cancel()
		_ = conn.Close()
	}()

	c.readClientMessages(ctx, conn, client)
	c.Hub.unregister(client)
	cancel()
	wg.Wait()
	c.Logger.Debug("Websocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (c *Controller) writeMessages(conn *websocket.Conn, send <-chan ServerMessage) {
	for msg := range send {
		if err := conn.WriteJSON(msg); err != nil {
			c.Logger.Debug("Failed to write websocket message", zap.Error(err))
			return
		}
	}
}

func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, client *hubClient) {
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	reply := func(msg ServerMessage) bool {
		select {
		case client.send <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.Logger.Debug("Websocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		if msg.Pipeline != "*" {
			if _, err := pipeline.ByName(msg.Pipeline); err != nil {
				if !reply(ServerMessage{Type: "error", Payload: map[string]string{"message": err.Error()}}) {
					return
				}
				continue
			}
		}
		var out ServerMessage
		switch msg.Action {
		case "subscribe":
			client.subs.add(msg.Pipeline)
			out = ServerMessage{Type: "subscribed", Payload: map[string]string{"pipeline": msg.Pipeline}}
		case "unsubscribe":
			client.subs.remove(msg.Pipeline)
			out = ServerMessage{Type: "unsubscribed", Payload: map[string]string{"pipeline": msg.Pipeline}}
		default:
			out = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}
		if !reply(out) {
			return
		}
	}
}
