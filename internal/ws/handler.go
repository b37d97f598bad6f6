package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/nucleonos/nucleon/internal/infrastructure/logging"
	"github.com/nucleonos/nucleon/internal/infrastructure/monitoring"
	"github.com/nucleonos/nucleon/internal/kernel"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in dev
	},
}

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	clientBacklog  = 64
	maxMessageSize = 1024
)

// Hub fans kernel events out to websocket subscribers. It implements
// kernel.EventSink; Publish never blocks, slow subscribers drop events.
type Hub struct {
	log     *logging.Logger
	metrics *monitoring.Metrics

	mu      sync.RWMutex
	clients map[string]chan kernel.Event
}

// NewHub creates the event hub.
func NewHub(log *logging.Logger, metrics *monitoring.Metrics) *Hub {
	return &Hub{
		log:     log,
		metrics: metrics,
		clients: make(map[string]chan kernel.Event),
	}
}

// Publish delivers one kernel event to every subscriber.
func (h *Hub) Publish(ev kernel.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- ev:
		default:
			// Subscriber backlog full; the event stream is advisory.
		}
	}
}

// HandleConnection upgrades the request and streams events until the peer
// goes away.
func (h *Hub) HandleConnection(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	ch := make(chan kernel.Event, clientBacklog)
	h.mu.Lock()
	h.clients[id] = ch
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.IncWSConnections()
	}
	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		if h.metrics != nil {
			h.metrics.DecWSConnections()
		}
	}()

	h.send(conn, map[string]interface{}{
		"type":       "system",
		"message":    "subscribed to kernel events",
		"subscriber": id,
	})

	conn.SetReadLimit(maxMessageSize)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			// Subscribers only listen; reads just detect disconnect.
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case ev := <-ch:
			if err := h.sendEvent(conn, ev); err != nil {
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (h *Hub) sendEvent(conn *websocket.Conn, ev kernel.Event) error {
	if h.metrics != nil {
		h.metrics.RecordWSMessage("out", string(ev.Kind))
	}
	return h.send(conn, ev)
}

func (h *Hub) send(conn *websocket.Conn, data interface{}) error {
	payload, err := sonic.Marshal(data)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}
