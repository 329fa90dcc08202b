package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/R3E-Network/mixer_core/pkg/logger"
)

const (
	hubQueueSize  = 256
	writeDeadline = 5 * time.Second
)

// Hub fans event-stream frames out to the connected websocket
// clients. A slow client is dropped rather than allowed to stall the
// broadcast loop.
type Hub struct {
	log *logger.Logger

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	queue   chan []byte
	done    chan struct{}
	once    sync.Once
}

func newHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("api")
	}
	return &Hub{
		log:     log.WithField("component", "stream"),
		clients: make(map[*websocket.Conn]bool),
		queue:   make(chan []byte, hubQueueSize),
		done:    make(chan struct{}),
	}
}

// Run starts the broadcast loop.
func (h *Hub) Run() {
	go func() {
		for {
			select {
			case <-h.done:
				return
			case msg := <-h.queue:
				h.mu.Lock()
				for conn := range h.clients {
					_ = conn.SetWriteDeadline(time.Now().Add(writeDeadline))
					if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
						conn.Close()
						delete(h.clients, conn)
					}
				}
				h.mu.Unlock()
			}
		}
	}()
}

// Broadcast queues one frame. Frames are dropped when the queue is
// full; the stream is a live view, not a durable feed.
func (h *Hub) Broadcast(data []byte) {
	select {
	case h.queue <- data:
	default:
	}
}

// Stop closes every client and halts the loop.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })
	h.mu.Lock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *Hub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.log.Debug("stream client connected", "clients", n)
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	n := len(h.clients)
	h.mu.Unlock()
	conn.Close()
	h.log.Debug("stream client disconnected", "clients", n)
}

// handleStream upgrades GET /api/v1/stream to a websocket pushing the
// live event feed. The origin check defers to the configured CORS
// allowlist.
func (s *Server) handleStream(c *gin.Context) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || s.cfg.AllowedOrigins == "" {
				return true
			}
			return originAllowed(splitOrigins(s.cfg.AllowedOrigins), origin)
		},
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.hub.add(conn)

	// Reads are drained only to observe the close.
	go func() {
		defer s.hub.remove(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
