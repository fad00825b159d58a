// Package hub fans broadcast messages out to the live websocket viewers of a
// process. Delivery is best-effort: a viewer whose buffer is full or whose
// socket fails is dropped, and missed messages are never replayed.
package hub

import (
	"sync"
	"time"

	"github.com/barnybug/smarthome/metrics"
	"github.com/barnybug/smarthome/pubsub"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options tune per-client buffering and deadlines.
type Options struct {
	SendBuffer int
	WriteWait  time.Duration
	PongWait   time.Duration
	Metrics    *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 16
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	return o
}

// pingPeriod must be shorter than PongWait.
func (o Options) pingPeriod() time.Duration {
	return o.PongWait * 9 / 10
}

// Hub owns the set of live clients.
type Hub struct {
	logger  *zap.Logger
	opts    Options
	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool
	wg      sync.WaitGroup
}

func New(logger *zap.Logger, opts Options) *Hub {
	return &Hub{
		logger:  logger,
		opts:    opts.withDefaults(),
		clients: map[*Client]struct{}{},
	}
}

func (h *Hub) ID() string {
	return "hub"
}

// Emit implements pubsub.Publisher.
func (h *Hub) Emit(msg *pubsub.Message) {
	h.Broadcast(msg)
}

// Register admits an authenticated connection and starts its reader and writer.
// Returns nil if the hub is closed.
func (h *Hub) Register(conn Conn, userID int64) *Client {
	c := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, h.opts.SendBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return nil
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.wg.Add(2)
	h.mu.Unlock()

	h.opts.Metrics.SetClients(n)
	h.logger.Debug("client connected", zap.String("client", c.ID), zap.Int64("user_id", userID), zap.Int("clients", n))

	go c.writePump()
	go c.readPump()
	return c
}

// Broadcast enqueues msg to every client without blocking. Clients whose
// buffer is full are evicted; the rest still receive it.
func (h *Hub) Broadcast(msg *pubsub.Message) {
	frame := msg.Bytes()

	h.mu.RLock()
	snapshot := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.RUnlock()

	h.opts.Metrics.RecordBroadcast(msg.Type)
	for _, c := range snapshot {
		if !c.enqueue(frame) {
			h.evict(c, "buffer_full", nil)
		}
	}
}

// evict removes c from the live set and closes its connection. Safe to call
// more than once.
func (h *Hub) evict(c *Client, reason string, err error) {
	h.mu.Lock()
	_, present := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if !present {
		return
	}
	h.opts.Metrics.SetClients(n)
	h.opts.Metrics.RecordEviction(reason)
	h.logger.Debug("client removed", zap.String("client", c.ID), zap.String("reason", reason),
		zap.Error(err), zap.Int("clients", n))
}

// Count of live clients.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	snapshot := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		snapshot = append(snapshot, c)
	}
	h.mu.Unlock()

	for _, c := range snapshot {
		h.evict(c, "shutdown", nil)
	}
	h.wg.Wait()
}
