package fakebackend

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cankoe/bls-console/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// RejectPush makes /ws refuse upgrades while reject is true.
func (b *Backend) RejectPush(reject bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rejectWS = reject
}

func (b *Backend) serveWS(c *gin.Context) {
	b.mu.Lock()
	reject := b.rejectWS
	b.mu.Unlock()
	if reject {
		c.AbortWithStatus(http.StatusServiceUnavailable)
		return
	}

	conn, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Debug().Err(err).Msg("Push upgrade failed")
		return
	}

	b.mu.Lock()
	b.conns[conn] = struct{}{}
	b.mu.Unlock()
	select {
	case b.connected <- struct{}{}:
	default:
	}

	defer func() {
		b.mu.Lock()
		delete(b.conns, conn)
		b.mu.Unlock()
		conn.Close()
	}()

	// Clients may send {"type":"ping"}; everything else is ignored.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) == nil && msg.Type == "ping" {
			b.mu.Lock()
			err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
			b.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// WaitConnected blocks until a push client connects or timeout passes.
func (b *Backend) WaitConnected(timeout time.Duration) bool {
	select {
	case <-b.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// PushClients is the number of open push connections.
func (b *Backend) PushClients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Broadcast sends {type, data} to every push client.
func (b *Backend) Broadcast(t models.EventType, data any) {
	b.broadcast(t, data)
}

// BroadcastRaw sends frame verbatim, for malformed-input tests.
func (b *Backend) BroadcastRaw(frame string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
			log.Debug().Err(err).Msg("Push write failed")
		}
	}
}

func (b *Backend) broadcast(t models.EventType, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("Failed to encode push payload")
		return
	}
	frame, err := json.Marshal(models.Event{Type: t, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("type", string(t)).Msg("Failed to encode push event")
		return
	}
	b.BroadcastRaw(string(frame))
}

// DropPush closes every push connection without a close frame.
func (b *Backend) DropPush() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.Close()
	}
}
