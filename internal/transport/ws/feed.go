// Package ws streams live usage events to portal clients. Each connection is
// scoped to the authenticated identifier; quota and reward events for other
// users are never delivered to it.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"wifi-reward-gateway/internal/domain/eventbus"
	"wifi-reward-gateway/internal/platform/logging"
)

// FeedEvent is the frame pushed to connected clients.
type FeedEvent struct {
	Topic string    `json:"topic"`
	At    time.Time `json:"at"`
	Data  any       `json:"data"`
}

// Feed fans eventbus traffic out to websocket subscribers.
type Feed struct {
	logger   *logging.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]map[string]*Connection // identifier -> conn id -> conn

	subscribed bool
	closeOnce  sync.Once
}

// NewFeed builds the usage feed and subscribes it to the quota and reward
// topics.
func NewFeed(logger *logging.Logger) (*Feed, error) {
	f := &Feed{
		logger:  logger,
		clients: make(map[string]map[string]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	topics := map[string]func(any) (string, any){
		eventbus.EventQuotaGranted:   quotaEvent,
		eventbus.EventQuotaDebited:   quotaEvent,
		eventbus.EventQuotaExhausted: quotaEvent,
		eventbus.EventRewardAccepted:  rewardEvent,
		eventbus.EventRewardMilestone: rewardEvent,
	}
	for topic, extract := range topics {
		topic := topic
		extract := extract
		err := eventbus.SubscribeAsync(topic, func(payload any) {
			identifier, data := extract(payload)
			if identifier == "" {
				return
			}
			f.push(identifier, FeedEvent{Topic: topic, At: time.Now(), Data: data})
		})
		if err != nil {
			return nil, err
		}
	}
	f.subscribed = true
	return f, nil
}

func quotaEvent(v any) (string, any) {
	if data, ok := v.(eventbus.QuotaEventData); ok {
		return data.Identifier, data
	}
	return "", nil
}

func rewardEvent(v any) (string, any) {
	if data, ok := v.(eventbus.RewardEventData); ok {
		return data.Identifier, data
	}
	return "", nil
}

// Handler upgrades an authenticated request. The identifier comes from the
// surrounding auth middleware, not from the client.
func (f *Feed) Handler(identifierFrom func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		identifier := identifierFrom(c)
		if identifier == "" {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		socket, err := f.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			f.logger.WarnTag("WS", "upgrade failed for %s: %v", identifier, err)
			return
		}
		conn := NewConnection(uuid.NewString(), identifier, socket)
		f.register(conn)
		f.logger.DebugTag("WS", "usage feed opened for %s", identifier)

		// Reads only service control frames; the feed is push-only.
		go func() {
			defer f.unregister(conn)
			for {
				if _, _, err := socket.ReadMessage(); err != nil {
					return
				}
			}
		}()
	}
}

func (f *Feed) register(conn *Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conns := f.clients[conn.Identifier()]
	if conns == nil {
		conns = make(map[string]*Connection)
		f.clients[conn.Identifier()] = conns
	}
	conns[conn.ID()] = conn
}

func (f *Feed) unregister(conn *Connection) {
	f.mu.Lock()
	if conns := f.clients[conn.Identifier()]; conns != nil {
		delete(conns, conn.ID())
		if len(conns) == 0 {
			delete(f.clients, conn.Identifier())
		}
	}
	f.mu.Unlock()
	_ = conn.Close()
}

func (f *Feed) push(identifier string, event FeedEvent) {
	f.mu.RLock()
	conns := make([]*Connection, 0, len(f.clients[identifier]))
	for _, conn := range f.clients[identifier] {
		conns = append(conns, conn)
	}
	f.mu.RUnlock()

	for _, conn := range conns {
		if err := conn.WriteJSON(event); err != nil {
			f.unregister(conn)
		}
	}
}

// Counts exposes the number of connected clients, for the admin surface.
func (f *Feed) Counts() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	total := 0
	for _, conns := range f.clients {
		total += len(conns)
	}
	return total
}

// Close terminates every connection.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, conns := range f.clients {
			for _, conn := range conns {
				_ = conn.Close()
			}
		}
		f.clients = make(map[string]map[string]*Connection)
	})
}
