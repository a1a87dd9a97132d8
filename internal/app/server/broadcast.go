package server

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/skillforge/arena/internal/cache"
	"github.com/skillforge/arena/pkg/logging"
)

type message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// client is one authenticated websocket connection.
type client struct {
	conn   *websocket.Conn
	userId string

	mu sync.Mutex // serializes writes on the conn
}

func (c *client) send(msg message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		logging.Warn("failed to write message",
			zap.String("user_id", c.userId),
			zap.Error(err),
		)
	}
}

func (c *client) sendError(kind, text string) {
	c.send(message{Type: "error", Data: errorResponse{Type: kind, Error: text}})
}

// broadcaster fans room events out to locally connected clients and mirrors
// them onto a Redis channel for other nodes.
type broadcaster struct {
	cache *cache.Client

	mu    sync.RWMutex
	rooms map[string]map[*client]struct{}
}

func newBroadcaster(cacheClient *cache.Client) *broadcaster {
	return &broadcaster{
		cache: cacheClient,
		rooms: map[string]map[*client]struct{}{},
	}
}

func (b *broadcaster) subscribe(roomId string, c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room := b.rooms[roomId]
	if room == nil {
		room = map[*client]struct{}{}
		b.rooms[roomId] = room
	}
	room[c] = struct{}{}
}

func (b *broadcaster) unsubscribe(c *client) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for roomId, room := range b.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(b.rooms, roomId)
		}
	}
}

func (b *broadcaster) Broadcast(roomId, event string, payload interface{}) {
	msg := message{Type: event, Data: payload}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.rooms[roomId]))
	for c := range b.rooms[roomId] {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		c.send(msg)
	}

	if b.cache != nil {
		raw, err := json.Marshal(msg)
		if err != nil {
			return
		}
		if err := b.cache.Publish(context.Background(), "room-events:"+roomId, string(raw)); err != nil {
			logging.Warn("failed to publish room event",
				zap.String("room_id", roomId),
				zap.String("event", event),
				zap.Error(err),
			)
		}
	}
}
