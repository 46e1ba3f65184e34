package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/phuslu/log"

	"github.com/pdfcompare/api/internal/model"
	"github.com/pdfcompare/api/pkg/response"
)

// Client represents a WebSocket subscriber of one session.
// Send is never closed; the hub disconnects a client by closing done.
type Client struct {
	SessionID string
	Conn      *websocket.Conn
	Send      chan []byte

	done     chan struct{}
	doneOnce sync.Once
}

// NewClient creates a subscriber with the given send buffer size
func NewClient(sessionID string, conn *websocket.Conn, buffer int) *Client {
	return &Client{
		SessionID: sessionID,
		Conn:      conn,
		Send:      make(chan []byte, buffer),
		done:      make(chan struct{}),
	}
}

// Done is closed once the hub has dropped the client
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// trySend queues data without blocking and reports whether it was queued.
// It never queues for a dropped client.
func (c *Client) trySend(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) drop() {
	c.doneOnce.Do(func() { close(c.done) })
}

// SnapshotSource provides the current state of a session for new subscribers
type SnapshotSource interface {
	Snapshot(sessionID string) (model.SessionSnapshot, bool)
}

// Hub maintains active WebSocket connections
type Hub struct {
	// Clients grouped by session ID, owned by Run
	clients map[string]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	quit       chan struct{}
}

// BroadcastMessage represents a message to broadcast
type BroadcastMessage struct {
	SessionID string
	Message   []byte
}

// NewHub creates a new Hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *BroadcastMessage, 256),
		quit:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			if h.clients[client.SessionID] == nil {
				h.clients[client.SessionID] = make(map[*Client]bool)
			}
			h.clients[client.SessionID][client] = true
			log.Debug().Str("session_id", client.SessionID).Msg("websocket client registered")

		case client := <-h.unregister:
			h.remove(client)
			log.Debug().Str("session_id", client.SessionID).Msg("websocket client unregistered")

		case msg := <-h.broadcast:
			for client := range h.clients[msg.SessionID] {
				if !client.trySend(msg.Message) {
					log.Warn().Str("session_id", client.SessionID).Msg("dropping slow websocket client")
					h.remove(client)
				}
			}

		case <-h.quit:
			for _, clients := range h.clients {
				for client := range clients {
					client.drop()
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	client.drop()
	clients, ok := h.clients[client.SessionID]
	if !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(h.clients, client.SessionID)
	}
}

// Stop ends the main loop and disconnects all clients
func (h *Hub) Stop() {
	close(h.quit)
}

// Register adds a new client. It reports false once the hub has stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.quit:
		client.drop()
		return false
	}
}

// Unregister removes a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Publish sends the message matching a session event to its subscribers
func (h *Hub) Publish(event model.SessionEvent, snap model.SessionSnapshot) {
	data, err := json.Marshal(messageFor(event, snap))
	if err != nil {
		log.Error().Err(err).Str("session_id", snap.SessionID).Msg("failed to marshal websocket message")
		return
	}
	h.send(snap.SessionID, data)
}

func (h *Hub) send(sessionID string, data []byte) {
	select {
	case h.broadcast <- &BroadcastMessage{SessionID: sessionID, Message: data}:
	case <-h.quit:
	}
}

// messageFor picks the wire message for an event. Only EventComplete carries
// the result and changes; selection and lifecycle events send a snapshot.
func messageFor(event model.SessionEvent, snap model.SessionSnapshot) interface{} {
	switch event {
	case model.EventProgress:
		return model.WSProgressMessage{
			Type:      model.WSMessageTypeProgress,
			SessionID: snap.SessionID,
			JobID:     snap.JobID,
			State:     snap.State,
			Progress:  snap.Progress,
		}
	case model.EventComplete:
		return model.WSCompleteMessage{
			Type:      model.WSMessageTypeComplete,
			SessionID: snap.SessionID,
			JobID:     snap.JobID,
			Result:    snap.Result,
			Changes:   snap.Changes,
		}
	case model.EventFailed:
		msg := ""
		if snap.Error != nil {
			msg = *snap.Error
		}
		return model.WSErrorMessage{
			Type:      model.WSMessageTypeError,
			SessionID: snap.SessionID,
			JobID:     snap.JobID,
			Error: model.WSError{
				Code:    response.CodeJobFailed,
				Message: msg,
			},
		}
	}
	return snapshotMessage(snap)
}

func snapshotMessage(snap model.SessionSnapshot) model.WSSnapshotMessage {
	return model.WSSnapshotMessage{
		Type:      model.WSMessageTypeSnapshot,
		SessionID: snap.SessionID,
		Snapshot:  snap,
	}
}

// HandleConnection serves one subscriber until it disconnects. The current
// snapshot, if any, is sent first.
func (h *Hub) HandleConnection(c *websocket.Conn, sessionID string, source SnapshotSource) {
	client := NewClient(sessionID, c, 256)

	// Queued before registering so it precedes any broadcast
	if source != nil {
		if snap, ok := source.Snapshot(sessionID); ok {
			if data, err := json.Marshal(snapshotMessage(snap)); err == nil {
				client.trySend(data)
			}
		}
	}

	if !h.Register(client) {
		c.WriteMessage(websocket.CloseMessage, []byte{})
		return
	}
	defer h.Unregister(client)

	// Writer goroutine
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case message := <-client.Send:
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}

			case <-client.done:
				c.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Warn().Err(err).Str("session_id", sessionID).Msg("websocket error")
			}
			break
		}

		var msg model.WSMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		if msg.Type == model.WSMessageTypePing {
			pong := model.WSMessage{Type: model.WSMessageTypePong}
			data, _ := json.Marshal(pong)
			client.trySend(data)
		}
	}
}
