package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"localphotos/internal/models"
)

// Message types
const (
	MsgPhotoAdded   = "photo.added"
	MsgPhotoDeleted = "photo.deleted"
)

// RoomShared receives events about shared photos.
const RoomShared = "shared"

// Room returns the room that receives events about photos of scope and owner.
func Room(scope models.Scope, owner string) string {
	if scope == models.ScopePersonal {
		return "personal:" + owner
	}
	return RoomShared
}

// Message is one event pushed to subscribers
type Message struct {
	Type      string             `json:"type"`
	Room      string             `json:"-"`
	Photo     *models.BlockPhoto `json:"photo,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}

// Hub maintains subscribed clients per room and fans out photo events
type Hub struct {
	log *zap.Logger

	clients    map[string]map[*Client]bool // room -> clients
	broadcast  chan *Message
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub
func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		log:        log,
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan *Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Subscribers returns the number of clients in room.
func (h *Hub) Subscribers(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[room])
}

// Publish queues msg for delivery. It never blocks; when the queue is full
// the message is dropped.
func (h *Hub) Publish(msg *Message) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	default:
		h.log.Warn("live feed queue full, dropping event", zap.String("type", msg.Type))
	}
}

// PhotoAdded publishes a photo.added event to the photo's room.
func (h *Hub) PhotoAdded(p *models.Photo) { h.publishPhoto(MsgPhotoAdded, p) }

// PhotoDeleted publishes a photo.deleted event to the photo's room.
func (h *Hub) PhotoDeleted(p *models.Photo) { h.publishPhoto(MsgPhotoDeleted, p) }

func (h *Hub) publishPhoto(typ string, p *models.Photo) {
	h.Publish(&Message{
		Type: typ,
		Room: Room(p.Scope, p.Owner),
		Photo: &models.BlockPhoto{
			ID:        p.ID,
			Owner:     p.Owner,
			Scope:     p.Scope,
			ThumbURL:  p.ThumbURL(),
			FullURL:   p.FullURL(),
			OrigName:  p.OrigFilename,
			CreatedAt: p.CreatedAt,
		},
		Timestamp: time.Now(),
	})
}

// Run processes registrations and broadcasts until ctx is done. All clients
// are disconnected when it returns.
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		h.mu.Lock()
		for room, clients := range h.clients {
			for client := range clients {
				close(client.send)
			}
			delete(h.clients, room)
		}
		h.mu.Unlock()
		close(h.done)
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.room] == nil {
				h.clients[client.room] = make(map[*Client]bool)
			}
			h.clients[client.room][client] = true
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.room]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.send)
					if len(clients) == 0 {
						delete(h.clients, client.room)
					}
				}
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			data := mustMarshal(h.log, message)

			h.mu.Lock()
			clients := h.clients[message.Room]
			for client := range clients {
				select {
				case client.send <- data:
				default:
					close(client.send)
					delete(clients, client)
				}
			}
			if len(clients) == 0 {
				delete(h.clients, message.Room)
			}
			h.mu.Unlock()
		}
	}
}

func mustMarshal(log *zap.Logger, v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error("failed to marshal message", zap.Error(err))
		return []byte("{}")
	}
	return b
}

// Serve subscribes conn to room and pumps events to it until either side
// goes away.
func (h *Hub) Serve(conn *websocket.Conn, room string) {
	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 16),
		room: room,
	}

	select {
	case h.register <- client:
	case <-h.done:
		_ = conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}
