package devserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/empire/go/internal/models"
	"github.com/mcdev12/empire/go/internal/realtime"
	"github.com/rs/zerolog/log"
)

// HubConfig holds configuration for push websocket connections
type HubConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultHubConfig returns default websocket configuration
func DefaultHubConfig() HubConfig {
	return HubConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// dev server, any origin
			return true
		},
	}
}

// Hub holds push connections per user and implements Publisher
type Hub struct {
	userConnections map[uuid.UUID]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   HubConfig
}

// Connection is one client push channel
type Connection struct {
	ID     string
	UserID uuid.UUID
	Conn   *websocket.Conn
	Codec  realtime.Codec
	Send   chan []byte
	hub    *Hub

	ConnectedAt time.Time
}

// NewHub creates a hub
func NewHub(config HubConfig) *Hub {
	return &Hub{
		userConnections: make(map[uuid.UUID]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// ServeHTTP upgrades /realtime?user_id=&codec= requests
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}
	codec, err := realtime.CodecByName(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := h.UpgradeConnection(w, r, userID, codec); err != nil {
		log.Error().Err(err).Str("user_id", userID.String()).Msg("push connection failed")
	}
}

// UpgradeConnection upgrades an HTTP connection to a push websocket
func (h *Hub) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID uuid.UUID, codec realtime.Codec) error {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Conn:        conn,
		Codec:       codec,
		Send:        make(chan []byte, 256),
		hub:         h,
		ConnectedAt: time.Now(),
	}

	h.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID.String()).
		Str("codec", codec.Name()).
		Msg("push connection established")
	return nil
}

func (h *Hub) registerConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.userConnections[conn.UserID] == nil {
		h.userConnections[conn.UserID] = make(map[*Connection]bool)
	}
	h.userConnections[conn.UserID][conn] = true
}

func (h *Hub) unregisterConnection(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	connections, exists := h.userConnections[conn.UserID]
	if !exists {
		return
	}
	if _, exists := connections[conn]; !exists {
		return
	}
	delete(connections, conn)
	close(conn.Send)
	if len(connections) == 0 {
		delete(h.userConnections, conn.UserID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID.String()).
		Msg("push connection unregistered")
}

// Publish sends ev to every connection of its user. Sends happen under the read
// lock so a concurrent unregister cannot close a channel mid-send.
func (h *Hub) Publish(ctx context.Context, ev models.ChangeEvent) error {
	frame := realtime.Frame{Type: realtime.FrameChange, Event: &ev}
	encoded := make(map[string][]byte, 2)

	var slow []*Connection
	h.mu.RLock()
	for conn := range h.userConnections[ev.UserID] {
		data, ok := encoded[conn.Codec.Name()]
		if !ok {
			var err error
			data, err = conn.Codec.Marshal(frame)
			if err != nil {
				h.mu.RUnlock()
				return fmt.Errorf("marshal %s frame: %w", conn.Codec.Name(), err)
			}
			encoded[conn.Codec.Name()] = data
		}

		select {
		case conn.Send <- data:
		default:
			slow = append(slow, conn)
		}
	}
	h.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID.String()).
			Msg("connection send buffer full, closing connection")
		h.unregisterConnection(conn)
		conn.Conn.Close()
	}
	return nil
}

// Disconnect closes every connection of userID. Tests use it to simulate drops.
func (h *Hub) Disconnect(userID uuid.UUID) {
	h.mu.RLock()
	var targets []*Connection
	for conn := range h.userConnections[userID] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	for _, conn := range targets {
		conn.Conn.Close()
	}
}

// Connections returns the number of open connections of userID
func (h *Hub) Connections(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.userConnections[userID])
}

// GetConnectionStats returns statistics about active connections
func (h *Hub) GetConnectionStats() map[string]interface{} {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, connections := range h.userConnections {
		total += len(connections)
	}
	return map[string]interface{}{
		"total_connections": total,
		"active_users":      len(h.userConnections),
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.hub.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.hub.unregisterConnection(c)
	}()

	msgType := websocket.TextMessage
	if c.Codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(msgType, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write push frame")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.hub.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to send ping")
				return
			}
		}
	}
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.hub.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
		return nil
	})

	for {
		if _, _, err := c.Conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected push close error")
			}
			return
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.hub.config.ReadTimeout))
	}
}
