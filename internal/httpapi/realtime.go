package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"qms/dispatch-service/internal/hub"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

const (
	sendBuffer     = 16
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
)

// reply is sent back to a session after each subscription message.
type reply struct {
	Type         string `json:"type"`
	DepartmentID string `json:"department_id,omitempty"`
	DisplayID    string `json:"display_id,omitempty"`
	Message      string `json:"message,omitempty"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Displays are served from kiosk hosts on other origins.
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *Handler) sockJSHandler() http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, h.serveSockJS)
}

func (h *Handler) serveSockJS(session sockjs.Session) {
	client := &hub.Client{ID: uuid.NewString(), Transport: "sockjs", Send: make(chan []byte, sendBuffer)}
	h.hub.Register(client)
	defer h.hub.Unregister(client)

	go func() {
		for msg := range client.Send {
			if err := session.Send(string(msg)); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := session.Recv()
		if err != nil {
			return
		}
		h.handleRealtimeMessage(client, []byte(msg))
	}
}

func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	client := &hub.Client{ID: uuid.NewString(), Transport: "websocket", Send: make(chan []byte, sendBuffer)}
	h.hub.Register(client)

	go writePump(conn, client.Send)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket closed", zap.String("client_id", client.ID), zap.Error(err))
			}
			break
		}
		h.handleRealtimeMessage(client, msg)
	}
	// Closing Send stops the write pump, which closes the connection.
	h.hub.Unregister(client)
}

func writePump(conn *websocket.Conn, send <-chan []byte) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case message, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleRealtimeMessage(client *hub.Client, data []byte) {
	msg, ok := hub.ParseSubscribe(data)
	if !ok {
		h.sendReply(client, reply{Type: "error", Message: "expected subscribe with exactly one of department_id or display_id, or unsubscribe"})
		return
	}
	if err := h.hub.Subscribe(client, msg); err != nil {
		message := "subscribe failed"
		if errors.Is(err, hub.ErrUnknownDisplay) {
			message = err.Error()
		}
		h.sendReply(client, reply{Type: "error", Message: message})
		return
	}
	if msg.Action == "unsubscribe" {
		h.sendReply(client, reply{Type: "unsubscribed"})
		return
	}
	h.sendReply(client, reply{Type: "subscribed", DepartmentID: msg.DepartmentID, DisplayID: msg.DisplayID})
}

func (h *Handler) sendReply(client *hub.Client, r reply) {
	payload, err := json.Marshal(r)
	if err != nil {
		return
	}
	select {
	case client.Send <- payload:
	default:
	}
}
