package gateway

import (
	"encoding/json"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futures-enginev1/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second
)

// Client represents a single websocket peer.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu      sync.RWMutex
	symbols []string // empty means all
	kinds   []string
}

// clientMsg is an inbound control message.
//
//	{"type":"subscribe","symbols":["BTCUSDT"],"kinds":["signal"]}
//	{"type":"ping","ping":1718000000000}
type clientMsg struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
	Kinds   []string `json:"kinds"`
	Ping    int64    `json:"ping"`
}

func newClient(h *Hub, conn *websocket.Conn, symbols, kinds []string) *Client {
	return &Client{hub: h, conn: conn, send: make(chan []byte, sendBuffer), symbols: symbols, kinds: kinds}
}

// matches reports whether the client wants events of kind for symbol.
// Account-wide events (no symbol) pass the symbol filter.
func (c *Client) matches(kind model.EventKind, symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.kinds) > 0 && !slices.Contains(c.kinds, string(kind)) {
		return false
	}
	return symbol == "" || len(c.symbols) == 0 || slices.Contains(c.symbols, symbol)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Coalesce queued frames into one message, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(msg)
			for n := len(c.send); n > 0; n-- {
				next, ok := <-c.send
				if !ok {
					break
				}
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		c.hub.log.Debug("ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg clientMsg
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch strings.ToLower(msg.Type) {
		case "subscribe":
			c.mu.Lock()
			c.symbols = normalize(msg.Symbols, strings.ToUpper)
			c.kinds = normalize(msg.Kinds, strings.ToLower)
			c.mu.Unlock()
			c.hub.log.Debug("ws client subscribed", zap.Strings("symbols", msg.Symbols), zap.Strings("kinds", msg.Kinds))
		case "ping":
			pong, _ := json.Marshal(map[string]any{
				"type":      "pong",
				"ping":      msg.Ping,
				"server_ts": time.Now().UnixMilli(),
			})
			c.hub.mu.RLock()
			if _, ok := c.hub.clients[c]; ok {
				select {
				case c.send <- pong:
				default:
				}
			}
			c.hub.mu.RUnlock()
		}
	}
}

func normalize(in []string, norm func(string) string) []string {
	var out []string
	for _, s := range in {
		if s = norm(strings.TrimSpace(s)); s != "" {
			out = append(out, s)
		}
	}
	return out
}
