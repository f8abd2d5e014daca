package broadcast

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mrmushfiq/api-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/api-gateway/internal/shared/models"
	"go.uber.org/zap"
)

const (
	defaultBufferSize   = 64
	defaultWriteTimeout = 5 * time.Second
)

// Conn is the part of *websocket.Conn the hub uses
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Subscriber is one live log stream connection. Messages are queued on send
// and written by a dedicated goroutine, so a slow client never blocks Publish.
type Subscriber struct {
	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Hub fans log events out to every connected subscriber
type Hub struct {
	mu           sync.RWMutex
	subs         map[*Subscriber]struct{}
	bufferSize   int
	writeTimeout time.Duration
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

type Option func(*Hub)

// WithBufferSize sets how many undelivered messages a subscriber may queue
// before it is dropped
func WithBufferSize(n int) Option {
	return func(h *Hub) { h.bufferSize = n }
}

// WithWriteTimeout bounds each websocket write
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) { h.writeTimeout = d }
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// NewHub creates an empty hub
func NewHub(logger *zap.Logger, opts ...Option) *Hub {
	h := &Hub{
		subs:         make(map[*Subscriber]struct{}),
		bufferSize:   defaultBufferSize,
		writeTimeout: defaultWriteTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers conn and starts its writer
func (h *Hub) Subscribe(conn Conn) *Subscriber {
	sub := &Subscriber{
		conn: conn,
		send: make(chan []byte, h.bufferSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	h.subs[sub] = struct{}{}
	n := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(n)
	h.logger.Debug("live subscriber connected", zap.Int("subscribers", n))

	go h.writeLoop(sub)
	return sub
}

// Unsubscribe removes sub and closes its connection. Safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	n := len(h.subs)
	h.mu.Unlock()

	sub.once.Do(func() {
		close(sub.done)
		_ = sub.conn.Close()
	})

	if ok {
		h.metrics.SetSubscribers(n)
		h.logger.Debug("live subscriber disconnected", zap.Int("subscribers", n))
	}
}

// Publish queues event for every subscriber. A subscriber whose queue is full
// is removed; the others still receive the event.
func (h *Hub) Publish(event models.LogEvent) {
	msg, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode log event for broadcast", zap.Error(err))
		return
	}

	var dropped []*Subscriber
	h.mu.RLock()
	for sub := range h.subs {
		select {
		case sub.send <- msg:
		default:
			dropped = append(dropped, sub)
		}
	}
	h.mu.RUnlock()

	for _, sub := range dropped {
		h.logger.Warn("dropping slow live subscriber")
		h.metrics.RecordSubscriberDrop()
		h.Unsubscribe(sub)
	}
}

// Serve subscribes conn and blocks reading from it until the client goes away.
// Incoming messages are accepted and ignored.
func (h *Hub) Serve(conn Conn) {
	sub := h.Subscribe(conn)
	defer h.Unsubscribe(sub)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Count returns the number of connected subscribers
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close disconnects every subscriber
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		h.Unsubscribe(sub)
	}
}

func (h *Hub) writeLoop(sub *Subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.send:
			_ = sub.conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := sub.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("live subscriber write failed", zap.Error(err))
				h.metrics.RecordSubscriberDrop()
				h.Unsubscribe(sub)
				return
			}
		}
	}
}
