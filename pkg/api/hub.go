package api

import (
	"sync"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/margined/perp/pkg/events"
)

// wsMessage is the envelope pushed to websocket subscribers.
type wsMessage struct {
	Channel string `json:"channel"` // position, liquidation, funding
	Data    any    `json:"data"`
}

// Hub fans engine events out to websocket subscribers. It satisfies
// events.Publisher so it slots next to the NATS publisher. Slow clients are
// dropped rather than back-pressuring the engine.
type Hub struct {
	mu      sync.Mutex
	log     log.Logger
	clients map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

const clientBuffer = 64

func NewHub(logger log.Logger) *Hub {
	return &Hub{log: logger, clients: make(map[*client]struct{})}
}

func (h *Hub) add(conn *websocket.Conn) *client {
	c := &client{conn: conn, send: make(chan []byte, clientBuffer)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	go c.writeLoop()
	return c
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (c *client) writeLoop() {
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.conn.Close()
}

func (h *Hub) broadcast(channel string, data any) {
	raw, err := json.Marshal(wsMessage{Channel: channel, Data: data})
	if err != nil {
		h.log.Warn("encode ws event", "channel", channel, "err", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- raw:
		default:
			// stalled client
			delete(h.clients, c)
			close(c.send)
		}
	}
}

func (h *Hub) PositionChanged(e events.PositionEvent)  { h.broadcast("position", e) }
func (h *Hub) Liquidated(e events.LiquidationEvent)    { h.broadcast("liquidation", e) }
func (h *Hub) FundingPaid(e events.FundingEvent)       { h.broadcast("funding", e) }

func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	return nil
}
