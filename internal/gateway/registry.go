package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/KOPOData2025/Hana1QLiving-sub002/config"
	"github.com/KOPOData2025/Hana1QLiving-sub002/internal/metrics"
	"github.com/KOPOData2025/Hana1QLiving-sub002/logger"
)

// Client is one registered websocket session with its bounded outbound
// queue. A dedicated writer goroutine drains the queue; broadcasters only
// ever enqueue and never touch the socket, so one stalled client cannot
// slow delivery to any other.
type Client struct {
	ID string

	ws        *websocket.Conn
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once

	failures int
	dropped  atomic.Int64
}

// Enqueue places a message on the client's queue. When the queue is full
// the oldest queued message is evicted first so the newest data always
// wins. Never blocks.
func (c *Client) Enqueue(msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.queue <- msg:
		return
	default:
	}

	// Queue full: evict the oldest entry, then retry once. A concurrent
	// drain can make the retry race; losing that race just drops the new
	// message instead, which is still bounded behavior.
	select {
	case <-c.queue:
		c.dropped.Add(1)
		metrics.IncrementClientDrop()
	default:
	}
	select {
	case c.queue <- msg:
	default:
		c.dropped.Add(1)
		metrics.IncrementClientDrop()
	}
}

// Dropped returns how many messages this client has lost to queue pressure.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// Registry tracks every connected client session. Registration hands the
// socket to a writer goroutine; deregistration is idempotent and invokes
// the cascade exactly once.
type Registry struct {
	cfg config.ClientConfig
	log *logger.Entry

	mu      sync.RWMutex
	clients map[string]*Client

	// onDeregister runs after a session is removed, outside the registry
	// lock. The subscription index uses it to release the session's
	// subscriptions.
	onDeregister func(sessionID string)
}

func NewRegistry(cfg config.ClientConfig, onDeregister func(sessionID string)) *Registry {
	return &Registry{
		cfg:          cfg,
		log:          logger.GetLogger().WithComponent("registry"),
		clients:      make(map[string]*Client),
		onDeregister: onDeregister,
	}
}

// Register adds a session and starts its writer goroutine.
func (r *Registry) Register(sessionID string, ws *websocket.Conn) *Client {
	client := &Client{
		ID:    sessionID,
		ws:    ws,
		queue: make(chan []byte, r.cfg.QueueCapacity),
		done:  make(chan struct{}),
	}

	r.mu.Lock()
	r.clients[sessionID] = client
	count := len(r.clients)
	r.mu.Unlock()

	metrics.SetConnectedSessions(count)
	r.log.WithFields(logger.Fields{
		"session_id": sessionID,
		"sessions":   count,
	}).Info("Session registered")

	go r.writeLoop(client)
	return client
}

// Deregister removes a session, closes its socket, and runs the cascade.
// Safe to call more than once and from any goroutine.
func (r *Registry) Deregister(sessionID string) {
	r.mu.Lock()
	client, ok := r.clients[sessionID]
	if ok {
		delete(r.clients, sessionID)
	}
	count := len(r.clients)
	r.mu.Unlock()

	if !ok {
		return
	}

	client.closeOnce.Do(func() {
		close(client.done)
		client.ws.Close()
	})

	metrics.SetConnectedSessions(count)
	r.log.WithFields(logger.Fields{
		"session_id": sessionID,
		"sessions":   count,
		"dropped":    client.Dropped(),
	}).Info("Session deregistered")

	if r.onDeregister != nil {
		r.onDeregister(sessionID)
	}
}

// Get returns the client for a session, or nil when it is gone.
func (r *Registry) Get(sessionID string) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[sessionID]
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// writeLoop drains one client queue onto the socket and pings the client on
// the configured interval. Consecutive write failures past the configured
// threshold deregister the session; a single success resets the strike
// count.
func (r *Registry) writeLoop(client *Client) {
	var pings <-chan time.Time
	if interval := r.cfg.PingInterval.Std(); interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		pings = ticker.C
	}

	for {
		select {
		case <-client.done:
			return
		case <-pings:
			client.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout.Std()))
			if err := client.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				if r.recordWriteFailure(client, err) {
					return
				}
			}
		case msg := <-client.queue:
			client.ws.SetWriteDeadline(time.Now().Add(r.cfg.WriteTimeout.Std()))
			if err := client.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				if r.recordWriteFailure(client, err) {
					return
				}
				continue
			}
			client.failures = 0
		}
	}
}

// recordWriteFailure counts one failed socket write and reports whether the
// session was deregistered for crossing the threshold.
func (r *Registry) recordWriteFailure(client *Client, err error) bool {
	client.failures++
	metrics.IncrementBroadcastFailure("write")
	r.log.WithError(err).WithFields(logger.Fields{
		"session_id": client.ID,
		"failures":   client.failures,
	}).Warn("Client write failed")
	if client.failures >= r.cfg.DeliveryFailureThreshold {
		r.Deregister(client.ID)
		return true
	}
	return false
}
