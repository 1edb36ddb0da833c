package events

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ssd-technologies/prism/internal/ratelimit"
)

// WSMessage is a message sent by a websocket client.
type WSMessage struct {
	Type    string          `json:"type"` // "ping"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WSResponse is a message sent to a websocket client.
type WSResponse struct {
	Type    string `json:"type"` // "event", "pong", "error"
	Payload any    `json:"payload"`
}

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWebSocket upgrades the connection and streams events to the client.
// The optional "claim" query parameter restricts the stream to one claim.
func (h *Hub) HandleWebSocket() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Warn("websocket upgrade", zap.Error(err))
			return
		}
		defer conn.Close()

		events, unsubscribe := h.Subscribe(r.URL.Query().Get("claim"))
		defer unsubscribe()

		replies := make(chan WSResponse, 8)
		done := make(chan struct{})
		go h.readLoop(conn, replies, done)

		for {
			var resp WSResponse
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case ev, ok := <-events:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(writeWait))
					return
				}
				resp = WSResponse{Type: "event", Payload: ev}
			case resp = <-replies:
			}

			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(resp); err != nil {
				h.log.Debug("websocket write", zap.Error(err))
				return
			}
		}
	}
}

// readLoop handles client messages until the connection fails. Replies go
// through the writer loop, the only goroutine writing to conn.
func (h *Hub) readLoop(conn *websocket.Conn, replies chan<- WSResponse, done chan<- struct{}) {
	defer close(done)
	limiter := ratelimit.New(60, time.Minute)

	reply := func(resp WSResponse) {
		select {
		case replies <- resp:
		default:
		}
	}

	for {
		var msg WSMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Debug("websocket read", zap.Error(err))
			}
			return
		}

		if !limiter.Allow() {
			reply(errorResponse("rate limit exceeded"))
			continue
		}

		switch msg.Type {
		case "ping":
			reply(WSResponse{Type: "pong", Payload: map[string]int{"subscribers": h.Subscribers()}})
		default:
			reply(errorResponse("unknown message type: " + msg.Type))
		}
	}
}

func errorResponse(message string) WSResponse {
	return WSResponse{Type: "error", Payload: map[string]string{"error": message}}
}
