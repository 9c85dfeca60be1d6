package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/daysync/daysync/internal/metrics"
)

// maxMessageBytes bounds a single relayed message. Day records with inline
// attachments can exceed the websocket default of 32 KiB.
const maxMessageBytes = 4 << 20

// HubConfig holds relay server configuration.
type HubConfig struct {
	// Addr to listen on (default: 127.0.0.1:7717)
	Addr string

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultHubConfig returns sensible defaults.
func DefaultHubConfig() *HubConfig {
	return &HubConfig{
		Addr:   "127.0.0.1:7717",
		Logger: log.New(os.Stderr, "[hub] ", log.LstdFlags),
	}
}

type relay struct {
	from *websocket.Conn
	data []byte
}

// Hub is a websocket relay. Every message a client sends is forwarded to
// every other connected client.
type Hub struct {
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	relays chan relay

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewHub creates a relay server. A nil config uses DefaultHubConfig.
func NewHub(config *HubConfig) *Hub {
	if config == nil {
		config = DefaultHubConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[hub] ", log.LstdFlags)
	}
	if config.Addr == "" {
		config.Addr = DefaultHubConfig().Addr
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		addr:    config.Addr,
		clients: make(map[*websocket.Conn]bool),
		relays:  make(chan relay, 100),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Handler returns the hub's routes: /ws, /health and /metrics.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.handleWebSocket)
	mux.HandleFunc("/health", h.handleHealth)
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start listens and serves in the background.
func (h *Hub) Start() error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.listener = ln

	h.server = &http.Server{
		Handler:     h.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	h.wg.Add(1)
	go h.relayLoop()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.logger.Printf("Broadcast hub listening on %s", ln.Addr())
		if err := h.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every client and shuts the server down.
func (h *Hub) Stop() error {
	h.logger.Println("Stopping broadcast hub")
	h.cancel()

	h.clientsMu.Lock()
	for conn := range h.clients {
		_ = conn.Close(websocket.StatusGoingAway, "hub shutting down")
		delete(h.clients, conn)
	}
	h.clientsMu.Unlock()
	metrics.BroadcastClients.Set(0)

	if h.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	h.wg.Wait()
	h.logger.Println("Broadcast hub stopped")
	return nil
}

// Addr returns the listening address.
func (h *Hub) Addr() string {
	if h.listener != nil {
		return h.listener.Addr().String()
	}
	return h.addr
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) relayLoop() {
	defer h.wg.Done()

	for {
		select {
		case <-h.ctx.Done():
			return

		case r := <-h.relays:
			h.clientsMu.RLock()
			targets := make([]*websocket.Conn, 0, len(h.clients))
			for conn := range h.clients {
				if conn != r.from {
					targets = append(targets, conn)
				}
			}
			h.clientsMu.RUnlock()

			for _, conn := range targets {
				ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, r.data)
				cancel()

				if err != nil {
					h.logger.Printf("Failed to relay to client: %v", err)
					h.removeClient(conn)
					continue
				}
				metrics.BroadcastMessages.WithLabelValues("hub", "relayed").Inc()
			}
		}
	}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	h.clientsMu.Lock()
	h.clients[conn] = true
	count := len(h.clients)
	h.clientsMu.Unlock()
	metrics.BroadcastClients.Set(float64(count))

	h.logger.Printf("Client connected (total: %d)", count)
	h.readLoop(conn)
}

// readLoop forwards every valid message from conn to the relay loop.
func (h *Hub) readLoop(conn *websocket.Conn) {
	defer h.removeClient(conn)

	for {
		_, data, err := conn.Read(h.ctx)
		if err != nil {
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil || msg.Topic == "" {
			h.logger.Printf("Dropping malformed message (%d bytes)", len(data))
			continue
		}
		metrics.BroadcastMessages.WithLabelValues("hub", "received").Inc()

		select {
		case h.relays <- relay{from: conn, data: data}:
		case <-h.ctx.Done():
			return
		default:
			h.logger.Println("Warning: relay channel full, dropping message")
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	h.clientsMu.Lock()
	if _, exists := h.clients[conn]; exists {
		delete(h.clients, conn)
		count := len(h.clients)
		h.clientsMu.Unlock()

		metrics.BroadcastClients.Set(float64(count))
		_ = conn.Close(websocket.StatusNormalClosure, "")
		h.logger.Printf("Client disconnected (total: %d)", count)
	} else {
		h.clientsMu.Unlock()
	}
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"clients": h.ClientCount(),
	})
}
