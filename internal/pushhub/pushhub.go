// Package pushhub fans out error-group events to connected dashboard
// clients over Server-Sent Events, with per-client backpressure and
// periodic session revalidation. Grounded on the *shape* of
// services/gateway-svc/internal/clients/manager.go: a registry struct
// owning a map, mutated only by its own methods under a mutex, here
// re-targeted from gRPC client connections to SSE writer goroutines.
package pushhub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"errly/internal/store"
	"errly/internal/wiring"
	"errly/pkg/logger"
)

const (
	// maxDroppedMessages is the per-client backlog threshold above which
	// a slow client is evicted rather than allowed to keep falling behind.
	maxDroppedMessages = 50

	keepaliveInterval    = 30 * time.Second
	revalidationInterval = 5 * time.Minute

	clientBufferSize = 64
)

var keepaliveFrame = []byte(": keepalive\n\n")

// SessionLookup is the subset of the Store the hub needs for session
// revalidation; satisfied by *store.Store.
type SessionLookup interface {
	GetSession(ctx context.Context, id string) (*store.Session, error)
}

// Client is one connected dashboard's outbound SSE stream, as seen by the
// component writing bytes to the underlying http.ResponseWriter.
type Client struct {
	id        string
	sessionID string
	frames    chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	dropped int
}

// Frames is the channel of pre-encoded SSE frames (including keepalive
// comments) to write to the client's response body, in order.
func (c *Client) Frames() <-chan []byte { return c.frames }

// Closed is closed when the hub evicts this client or the hub shuts down.
func (c *Client) Closed() <-chan struct{} { return c.closed }

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Hub is the SSE connection registry. The zero value is not usable; build
// one with New.
type Hub struct {
	sessions   SessionLookup
	maxClients int
	now        func() time.Time

	mu      sync.Mutex
	clients map[string]*Client

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New builds a Hub. maxClients caps concurrent live connections (spec
// default 100, ERRLY_MAX_SSE_CLIENTS).
func New(sessions SessionLookup, maxClients int) *Hub {
	return &Hub{
		sessions:   sessions,
		maxClients: maxClients,
		now:        time.Now,
		clients:    make(map[string]*Client),
		stopCh:     make(chan struct{}),
	}
}

// ErrAtCapacity is returned by Register when the live-client count is
// already at the configured cap; callers surface this as HTTP 503.
var ErrAtCapacity = errAtCapacity{}

type errAtCapacity struct{}

func (errAtCapacity) Error() string { return "push hub: at capacity" }

// Start launches the background session-revalidation loop. Per-client
// keepalive loops are started by Register. Call once, before serving
// traffic.
func (h *Hub) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.revalidateLoop(ctx)
}

// Register admits a new authenticated client, returning its *Client, or
// ErrAtCapacity if the hub is full.
func (h *Hub) Register(id, sessionID string) (*Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.clients) >= h.maxClients {
		return nil, ErrAtCapacity
	}

	c := &Client{
		id:        id,
		sessionID: sessionID,
		frames:    make(chan []byte, clientBufferSize),
		closed:    make(chan struct{}),
	}
	h.clients[id] = c

	h.wg.Add(1)
	go h.keepaliveLoop(c)

	return c, nil
}

// Unregister removes a client from the registry. Safe to call more than
// once (the second call is a no-op).
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if ok {
		c.close()
	}
}

// Broadcast encodes event once and enqueues it to every live client,
// in the order clients currently hold events for that client. A client
// whose buffer is full is not blocked on: the write is dropped and its
// drop counter incremented; past the threshold, the client is evicted.
func (h *Hub) Broadcast(event wiring.HubEvent) {
	frame, err := encodeFrame(event)
	if err != nil {
		logger.Log.Warn("failed to encode push-hub event, dropping broadcast", "type", event.Type, "error", err)
		return
	}
	h.broadcastFrame(frame)
}

func (h *Hub) broadcastFrame(frame []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for id, c := range h.clients {
		if !h.enqueue(c, frame) {
			logger.Log.Warn("evicting push-hub client after excessive drops", "client_id", id)
			delete(h.clients, id)
			c.close()
		}
	}
}

// enqueue attempts a non-blocking send and reports whether the client
// should remain registered (false means it has crossed the drop
// threshold and must be evicted by the caller, which holds h.mu).
func (h *Hub) enqueue(c *Client, frame []byte) bool {
	select {
	case c.frames <- frame:
		return true
	default:
	}

	c.mu.Lock()
	c.dropped++
	over := c.dropped > maxDroppedMessages
	c.mu.Unlock()
	return !over
}

func encodeFrame(event wiring.HubEvent) ([]byte, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, '\n', '\n')
	return frame, nil
}

func (h *Hub) keepaliveLoop(c *Client) {
	defer h.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.mu.Lock()
			_, live := h.clients[c.id]
			if live {
				h.enqueue(c, keepaliveFrame)
			}
			h.mu.Unlock()
			if !live {
				return
			}
		case <-c.closed:
			return
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) revalidateLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(revalidationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.revalidateOnce(ctx)
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		}
	}
}

func (h *Hub) revalidateOnce(ctx context.Context) {
	h.mu.Lock()
	ids := make([]string, 0, len(h.clients))
	sessionOf := make(map[string]string, len(h.clients))
	for id, c := range h.clients {
		ids = append(ids, id)
		sessionOf[id] = c.sessionID
	}
	h.mu.Unlock()

	for _, id := range ids {
		sess, err := h.sessions.GetSession(ctx, sessionOf[id])
		if err == nil && sess.ExpiresAt > h.now().UnixMilli() {
			continue
		}
		h.expireClient(id)
	}
}

func (h *Hub) expireClient(id string) {
	frame, err := encodeFrame(wiring.HubEvent{Type: "auth-expired", Payload: struct{}{}})
	if err != nil {
		logger.Log.Warn("failed to encode auth-expired frame", "error", err)
	}

	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	h.mu.Unlock()

	if !ok {
		return
	}
	if frame != nil {
		select {
		case c.frames <- frame:
		default:
		}
	}
	c.close()
}

// Shutdown broadcasts auth-expired to every live client, closes all
// streams, and stops the background loops.
func (h *Hub) Shutdown() {
	h.broadcastFrame(mustFrame(wiring.HubEvent{Type: "auth-expired", Payload: struct{}{}}))

	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}

	h.stopOnce.Do(func() { close(h.stopCh) })
	h.wg.Wait()
}

func mustFrame(event wiring.HubEvent) []byte {
	frame, err := encodeFrame(event)
	if err != nil {
		return nil
	}
	return frame
}

// ClientCount reports the current number of live connections, for the
// health and diagnostics endpoints.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
