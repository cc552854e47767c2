package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"qms/dispatch-service/internal/fanout"
	"qms/dispatch-service/internal/metrics"

	"go.uber.org/zap"
)

// DisplayResolver maps a display id onto the departments it shows.
type DisplayResolver interface {
	Departments(displayID string) ([]string, bool)
}

type Subscription struct {
	DepartmentID string
	DisplayID    string
	departments  map[string]bool
}

type Client struct {
	ID           string
	Transport    string
	Send         chan []byte
	Subscription Subscription
}

// Hub delivers change events to connected sessions. Delivery never blocks: a session
// whose buffer is full misses the event and re-pulls on the next one.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	displays DisplayResolver
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

type SubscribeMessage struct {
	Action       string `json:"action"`
	DepartmentID string `json:"department_id"`
	DisplayID    string `json:"display_id"`
}

var ErrUnknownDisplay = errors.New("unknown display")

func New(displays DisplayResolver, logger *zap.Logger, m *metrics.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		displays: displays,
		logger:   logger,
		metrics:  m,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
	h.metrics.SessionOpened(client.Transport)
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
	h.metrics.SessionClosed(client.Transport)
}

// Subscribe applies a parsed subscribe or unsubscribe message to client.
func (h *Hub) Subscribe(client *Client, msg SubscribeMessage) error {
	if msg.Action == "unsubscribe" {
		h.setSubscription(client, Subscription{})
		return nil
	}
	sub := Subscription{DepartmentID: msg.DepartmentID, DisplayID: msg.DisplayID}
	if msg.DisplayID != "" {
		if h.displays == nil {
			return fmt.Errorf("%w: %s", ErrUnknownDisplay, msg.DisplayID)
		}
		depts, ok := h.displays.Departments(msg.DisplayID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownDisplay, msg.DisplayID)
		}
		sub.departments = toSet(depts)
	} else {
		sub.departments = toSet([]string{msg.DepartmentID})
	}
	h.setSubscription(client, sub)
	return nil
}

func (h *Hub) setSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

func (h *Hub) Publish(_ context.Context, event fanout.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.Broadcast(payload, event.Departments)
	return nil
}

func (h *Hub) Broadcast(payload []byte, departments []string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, departments) {
			continue
		}
		select {
		case client.Send <- payload:
			h.metrics.FanoutDelivered()
		default:
			h.metrics.FanoutDropped()
			h.logger.Warn("drop message for client", zap.String("client_id", client.ID))
		}
	}
}

func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func match(sub Subscription, departments []string) bool {
	for _, dept := range departments {
		if sub.departments[dept] {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	switch msg.Action {
	case "unsubscribe":
		return msg, true
	case "subscribe":
		if (msg.DepartmentID == "") == (msg.DisplayID == "") {
			return SubscribeMessage{}, false
		}
		return msg, true
	default:
		return SubscribeMessage{}, false
	}
}

var _ fanout.Publisher = (*Hub)(nil)
