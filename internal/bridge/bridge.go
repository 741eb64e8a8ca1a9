// Package bridge provides the messaging channel between the background sync
// context and foreground UI contexts.
//
// Sync progress, completion and error events are broadcast to connected
// WebSocket clients so a foreground can refresh its pending count and error
// display without polling the store.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/fieldsync/fieldsync/internal/engine"
)

// MessageType defines the type of bridge message.
type MessageType string

const (
	// MessageTypeProgress carries one per-report sync progress event.
	MessageTypeProgress MessageType = "incident-sync-progress"

	// MessageTypeComplete marks a finished sync pass.
	MessageTypeComplete MessageType = "incident-sync-complete"

	// MessageTypeError carries a sync failure for operator visibility.
	MessageTypeError MessageType = "incident-sync-error"

	// MessageTypePendingCount carries the recomputed pending-report count.
	MessageTypePendingCount MessageType = "incident-pending-count"
)

// Message is one bridge broadcast.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// ProgressPayload mirrors one engine progress event.
type ProgressPayload struct {
	ReportID  string `json:"report_id"`
	Outcome   string `json:"outcome"`
	Error     string `json:"error,omitempty"`
	Attempted int    `json:"attempted"`
	Total     int    `json:"total"`
}

// CompletePayload summarizes a finished pass.
type CompletePayload struct {
	Attempted    int `json:"attempted"`
	Completed    int `json:"completed"`
	TotalPending int `json:"total_pending"`
}

// PendingCountPayload carries the current unsynced count.
type PendingCountPayload struct {
	Pending int `json:"pending"`
}

// Server broadcasts bridge messages to connected WebSocket clients.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan Message

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8471).
	Port int

	// Logger for server activity (default: log.Default()).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:   8471,
		Logger: log.Default(),
	}
}

// NewServer creates a bridge WebSocket server.
func NewServer(config *Config) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf(":%d", config.Port),
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan Message, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    config.Logger,
	}
}

// Start begins the HTTP server and WebSocket handler.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Bridge server listening on %s", s.addr)
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Bridge server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "Server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("bridge shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Broadcast sends a message to all connected clients. Non-blocking; when the
// channel is full the message is dropped rather than stalling the sender.
func (s *Server) Broadcast(msg Message) {
	select {
	case s.broadcast <- msg:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: bridge channel full, dropping message")
	}
}

// BroadcastProgress forwards one engine progress event.
func (s *Server) BroadcastProgress(p engine.Progress) {
	payload := ProgressPayload{
		ReportID:  p.ReportID,
		Outcome:   string(p.Outcome),
		Attempted: p.Attempted,
		Total:     p.Total,
	}
	if p.Err != nil {
		payload.Error = p.Err.Error()
	}
	s.broadcastJSON(MessageTypeProgress, payload, "")
}

// BroadcastComplete forwards a pass result, or an error message when the
// pass failed outright.
func (s *Server) BroadcastComplete(res engine.Result, err error) {
	if err != nil {
		s.broadcastJSON(MessageTypeError, nil, err.Error())
		return
	}
	s.broadcastJSON(MessageTypeComplete, CompletePayload{
		Attempted:    res.Attempted,
		Completed:    res.Completed,
		TotalPending: res.TotalPending,
	}, "")
}

// BroadcastPendingCount pushes the recomputed unsynced count.
func (s *Server) BroadcastPendingCount(pending int) {
	s.broadcastJSON(MessageTypePendingCount, PendingCountPayload{Pending: pending}, "")
}

func (s *Server) broadcastJSON(typ MessageType, payload interface{}, errMsg string) {
	msg := Message{Type: typ, Timestamp: time.Now(), Error: errMsg}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Printf("Failed to marshal %s payload: %v", typ, err)
			return
		}
		msg.Payload = data
	}
	s.Broadcast(msg)
}

func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				s.logger.Printf("Failed to marshal message: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				clients = append(clients, conn)
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	clientCount := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Bridge client connected (total: %d)", clientCount)

	go s.readLoop(conn)
}

// readLoop keeps the connection alive and detects client disconnects.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, _, err := conn.Read(s.ctx)
		if err != nil {
			return
		}
	}
}

func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		clientCount := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Bridge client disconnected (total: %d)", clientCount)
	} else {
		s.clientsMu.Unlock()
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	clientCount := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": clientCount,
	})
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
