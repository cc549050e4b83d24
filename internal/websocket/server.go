// Package websocket is the push side of the API: a hub that fans decoded
// aircraft updates out to connected browser/consumer clients.
package websocket

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mlipin/skytrack/pkg/logger"
)

// Message types pushed by the tracker.
const (
	MessageTypeAircraftAdded   = "aircraft_added"
	MessageTypeAircraftUpdate  = "aircraft_update"
	MessageTypeAircraftRemoved = "aircraft_removed"
	MessageTypeConflict        = "conflict"
	MessageTypeSourceEvent     = "source_event"
	MessageTypeStats           = "stats"
	MessageTypeFilterUpdate    = "filter_update" // client -> server
)

// Message is one WebSocket payload.
type Message struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// ClientFilters restricts which aircraft messages a client receives.
type ClientFilters struct {
	ShowAirborne bool   `json:"show_airborne"`
	ShowSurface  bool   `json:"show_surface"`
	SelectedICAO string `json:"selected_icao"`
}

// Client is one connected consumer.
type Client struct {
	conn    *websocket.Conn
	send    chan *Message
	server  *Server
	mu      sync.Mutex
	closed  bool
	filters *ClientFilters
}

// Server is the broadcast hub.
type Server struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan *Message
	upgrader   websocket.Upgrader
	logger     *logger.Logger
	mu         sync.RWMutex
}

// NewServer creates a hub. Run must be called before HandleConnection.
func NewServer(log *logger.Logger) *Server {
	return &Server{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan *Message, 64),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: log.Named("web-socket"),
	}
}

// Run is the hub loop: client registration and fan-out.
func (s *Server) Run() {
	s.logger.Info("Starting WebSocket hub")

	for {
		select {
		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			count := len(s.clients)
			s.mu.Unlock()
			s.logger.Debug("Client registered", logger.Int("client_count", count))

		case client := <-s.unregister:
			s.dropClient(client)

		case message := <-s.broadcast:
			s.mu.RLock()
			var stale []*Client
			for client := range s.clients {
				if !client.wantsMessage(message) {
					continue
				}
				select {
				case client.send <- message:
				default:
					// Send buffer full; the client is too slow to keep.
					stale = append(stale, client)
				}
			}
			s.mu.RUnlock()

			for _, client := range stale {
				s.dropClient(client)
			}
		}
	}
}

func (s *Server) dropClient(client *Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	client.mu.Lock()
	if !client.closed {
		client.closed = true
		close(client.send)
	}
	client.mu.Unlock()
	s.logger.Debug("Client unregistered", logger.Int("client_count", len(s.clients)))
}

// HandleConnection upgrades an HTTP request and registers the client.
func (s *Server) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("Failed to upgrade connection",
			logger.Error(err),
			logger.String("remote_addr", r.RemoteAddr))
		return
	}

	client := &Client{
		conn:   conn,
		send:   make(chan *Message, 256),
		server: s,
	}
	s.register <- client

	go client.readPump()
	go client.writePump()
}

// Broadcast queues a message for every connected client.
func (s *Server) Broadcast(message *Message) {
	select {
	case s.broadcast <- message:
	default:
		s.logger.Warn("Broadcast queue full, dropping message",
			logger.String("type", message.Type))
	}
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// wantsMessage applies the client's filters. Non-aircraft messages always
// pass; the selected aircraft always passes.
func (c *Client) wantsMessage(message *Message) bool {
	switch message.Type {
	case MessageTypeAircraftAdded, MessageTypeAircraftUpdate, MessageTypeAircraftRemoved:
	default:
		return true
	}

	c.mu.Lock()
	filters := c.filters
	c.mu.Unlock()
	if filters == nil {
		return true
	}

	icao, _ := message.Data["icao"].(string)
	if filters.SelectedICAO != "" && icao == filters.SelectedICAO {
		return true
	}

	surface, _ := message.Data["surface"].(bool)
	if surface && !filters.ShowSurface {
		return false
	}
	if !surface && !filters.ShowAirborne {
		return false
	}
	return true
}

func (c *Client) readPump() {
	defer func() {
		c.server.unregister <- c
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.server.logger.Error("WebSocket read error", logger.Error(err))
			}
			return
		}

		var message Message
		if err := json.Unmarshal(raw, &message); err != nil {
			c.server.logger.Warn("Unparseable client message", logger.Error(err))
			continue
		}

		if message.Type == MessageTypeFilterUpdate {
			c.applyFilterUpdate(message.Data)
		}
	}
}

func (c *Client) applyFilterUpdate(data map[string]any) {
	filters := &ClientFilters{ShowAirborne: true, ShowSurface: true}
	if v, ok := data["show_airborne"].(bool); ok {
		filters.ShowAirborne = v
	}
	if v, ok := data["show_surface"].(bool); ok {
		filters.ShowSurface = v
	}
	if v, ok := data["selected_icao"].(string); ok {
		filters.SelectedICAO = v
	}
	c.mu.Lock()
	c.filters = filters
	c.mu.Unlock()
}

func (c *Client) writePump() {
	defer c.conn.Close()

	for message := range c.send {
		data, err := json.Marshal(message)
		if err != nil {
			c.server.logger.Error("Failed to marshal message", logger.Error(err))
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, []byte{})
}
