package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/anicoll/metersim/internal/pkg/metrics"
)

const (
	// Time allowed to write a message to a client.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from a client.
	pongWait = 60 * time.Second

	// Send pings with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum inbound message size; control frames are tiny.
	maxMessageSize = 512

	// Per-client outbound buffer. The hub is best-effort: a client that
	// cannot keep up loses frames rather than blocking the fan-out.
	sendBuffer = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// frame is the envelope pushed to every live viewer.
type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

// controlFrame is what viewers send back.
type controlFrame struct {
	Action string `json:"action"`
}

// Hub is the live-broadcast sink: it fans emitted events out to all
// connected WebSocket viewers and feeds their control frames to onAction.
type Hub struct {
	onAction func(action string)
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*hubClient]struct{}
}

type hubClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(onAction func(action string)) *Hub {
	return &Hub{
		onAction: onAction,
		logger:   zap.L(),
		clients:  make(map[*hubClient]struct{}),
	}
}

// Emit broadcasts an event to every connected viewer. Best-effort by
// contract: marshalling errors and slow clients are logged and swallowed.
func (h *Hub) Emit(event string, payload any) {
	data, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		h.logger.Error("failed to encode broadcast frame", zap.String("event", event), zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			h.logger.Debug("dropping frame for slow client", zap.String("event", event))
		}
	}
}

// ServeWS upgrades the request and runs the client's read/write pumps.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &hubClient{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
	metrics.BroadcastClients.Inc()
	h.logger.Info("broadcast client connected", zap.String("remote", conn.RemoteAddr().String()))

	go h.writePump(client)
	go h.readPump(client)
}

func (h *Hub) readPump(client *hubClient) {
	defer h.drop(client)

	client.conn.SetReadLimit(maxMessageSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ctrl controlFrame
		if err := client.conn.ReadJSON(&ctrl); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Warn("broadcast client read error", zap.Error(err))
			}
			return
		}
		if ctrl.Action == "" || h.onAction == nil {
			continue
		}
		h.onAction(ctrl.Action)
	}
}

func (h *Hub) writePump(client *hubClient) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer h.drop(client)

	for {
		select {
		case data, ok := <-client.send:
			if !ok {
				return
			}
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.logger.Debug("broadcast write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) drop(client *hubClient) {
	h.mu.Lock()
	_, known := h.clients[client]
	delete(h.clients, client)
	h.mu.Unlock()

	if known {
		metrics.BroadcastClients.Dec()
		close(client.send)
		h.logger.Info("broadcast client disconnected")
	}
	_ = client.conn.Close()
}
