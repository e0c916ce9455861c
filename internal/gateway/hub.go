// Package gateway streams engine events to websocket clients. Each client
// can filter by symbol and event kind, and a reconnecting client can
// resume from the last sequence number it saw.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"futures-enginev1/internal/model"
)

const sendBuffer = 256

// frame is the wire message: the event envelope plus a stream sequence.
type frame struct {
	Seq int64 `json:"seq"`
	model.Envelope
	Initial bool `json:"initial,omitempty"`
}

type latestEntry struct {
	Seq   int64
	Frame frame
}

// Hub fans events out to connected websocket clients.
type Hub struct {
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]struct{}
	seq     int64
	latest  map[string]latestEntry // kind:symbol -> last frame
	replay  *ReplayBuffer

	// OnDrop is called when a slow client misses a frame.
	OnDrop func()
}

// NewHub creates a hub keeping replaySize frames for reconnect backfill.
func NewHub(replaySize int, log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log: log.With(zap.String("component", "gateway")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*Client]struct{}),
		latest:  make(map[string]latestEntry),
		replay:  NewReplayBuffer(replaySize),
	}
}

// Run broadcasts events until ctx is done or events is closed, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context, events <-chan model.Event) {
	defer h.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.Broadcast(ev)
		}
	}
}

// Broadcast stamps ev with the next sequence number and sends it to every
// client whose filter matches.
func (h *Hub) Broadcast(ev model.Event) {
	h.mu.Lock()
	h.seq++
	seq := h.seq
	f := frame{Seq: seq, Envelope: model.Wrap(ev)}
	buf, err := json.Marshal(f)
	if err != nil {
		h.seq--
		h.mu.Unlock()
		h.log.Warn("encode frame failed", zap.String("kind", string(ev.Kind())), zap.Error(err))
		return
	}
	h.latest[string(ev.Kind())+":"+ev.Symbol()] = latestEntry{Seq: seq, Frame: f}
	h.replay.Push(seq, buf)
	h.mu.Unlock()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.matches(ev.Kind(), ev.Symbol()) {
			continue
		}
		select {
		case c.send <- buf:
		default:
			if h.OnDrop != nil {
				h.OnDrop()
			}
		}
	}
}

// ServeHTTP upgrades the connection and registers a client. Query
// parameters: symbols and kinds (comma-separated filters) and since (the
// last sequence seen; frames after it are replayed when still buffered).
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var since int64 = -1
	if s := q.Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	c := newClient(h, conn, splitList(q.Get("symbols"), strings.ToUpper), splitList(q.Get("kinds"), strings.ToLower))

	// Register and queue the initial frames under the lock so no broadcast
	// can slip in between them.
	h.mu.Lock()
	initial := h.initialLocked(since)
	if len(initial) > sendBuffer {
		c.send = make(chan []byte, len(initial)+sendBuffer)
	}
	for _, buf := range initial {
		c.send <- buf
	}
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", zap.Int("clients", count), zap.Int("initial", len(initial)))
	go c.writePump()
	go c.readPump()
}

// initialLocked picks what a new client sees first: the replay after
// since when it is complete, otherwise the latest frame per kind and
// symbol.
func (h *Hub) initialLocked(since int64) [][]byte {
	if since >= 0 {
		if entries, complete := h.replay.Since(since); complete {
			out := make([][]byte, len(entries))
			for i, e := range entries {
				out[i] = e.Data
			}
			return out
		}
	}
	entries := make([]latestEntry, 0, len(h.latest))
	for _, e := range h.latest {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b latestEntry) int { return int(a.Seq - b.Seq) })
	out := make([][]byte, 0, len(entries))
	for _, e := range entries {
		f := e.Frame
		f.Initial = true
		if buf, err := json.Marshal(f); err == nil {
			out = append(out, buf)
		}
	}
	return out
}

// RemoveClient unregisters c and closes its send channel.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Seq returns the last sequence number broadcast.
func (h *Hub) Seq() int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

func splitList(s string, norm func(string) string) []string {
	return normalize(strings.Split(s, ","), norm)
}
