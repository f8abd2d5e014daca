package logpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/api-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/api-gateway/internal/shared/models"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// BufferKey is the Redis list holding events that have not been persisted yet
const BufferKey = "api_log_buffer"

const (
	// DefaultFlushInterval is how often the pending buffer is persisted
	DefaultFlushInterval = 60 * time.Second

	enqueueTimeout     = 2 * time.Second
	defaultStopTimeout = 10 * time.Second
)

// Buffer is the pending-event queue in the shared store
type Buffer interface {
	RPush(ctx context.Context, key string, values ...string) error
	Drain(ctx context.Context, key string) ([]string, error)
}

// LogStore persists flushed batches
type LogStore interface {
	InsertLogs(ctx context.Context, events []models.LogEvent) error
}

// Publisher receives every event as it is emitted
type Publisher interface {
	Publish(event models.LogEvent)
}

// Pipeline buffers request log events in Redis, persists them in batches on a
// schedule and hands each event to the live broadcast as it is emitted.
type Pipeline struct {
	buffer      Buffer
	store       LogStore
	publisher   Publisher
	logger      *zap.Logger
	metrics     *metrics.Metrics
	interval    time.Duration
	stopTimeout time.Duration
	now         func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	stop    chan struct{}
	running bool
}

type Option func(*Pipeline)

// WithInterval overrides the flush period
func WithInterval(d time.Duration) Option {
	return func(p *Pipeline) { p.interval = d }
}

// WithStopTimeout bounds how long Stop waits for an in-flight flush
func WithStopTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.stopTimeout = d }
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithClock overrides the time source used to stamp events
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// New creates a pipeline. publisher may be nil.
func New(buffer Buffer, store LogStore, publisher Publisher, logger *zap.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		buffer:      buffer,
		store:       store,
		publisher:   publisher,
		logger:      logger,
		interval:    DefaultFlushInterval,
		stopTimeout: defaultStopTimeout,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Emit stamps event, appends it to the pending buffer and publishes it live.
// Buffer failures are logged and never returned; the live copy is still sent.
func (p *Pipeline) Emit(ctx context.Context, event models.LogEvent) models.LogEvent {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.TimestampUTC.IsZero() {
		event.TimestampUTC = p.now().UTC()
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to encode log event", zap.Error(err))
	} else {
		// the event outlives the request, so a client hang-up must not cancel the push
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
		err = p.buffer.RPush(pushCtx, BufferKey, string(data))
		cancel()
		p.metrics.RecordEnqueue(err == nil)
		if err != nil {
			p.logger.Error("failed to enqueue log event",
				zap.String("path", event.RequestPath),
				zap.Int("status", event.StatusCode),
				zap.Error(err),
			)
		}
	}

	if p.publisher != nil {
		p.publisher.Publish(event)
	}
	return event
}

// Flush drains the pending buffer and persists it as one batch. It returns
// the number of events written. Events that fail to persist are dropped.
func (p *Pipeline) Flush(ctx context.Context) (int, error) {
	raw, err := p.buffer.Drain(ctx, BufferKey)
	if err != nil {
		p.metrics.RecordFlush("error", 0)
		return 0, fmt.Errorf("failed to drain log buffer: %w", err)
	}
	if len(raw) == 0 {
		p.metrics.RecordFlush("empty", 0)
		return 0, nil
	}

	events := make([]models.LogEvent, 0, len(raw))
	for _, item := range raw {
		var ev models.LogEvent
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			p.logger.Warn("skipping undecodable log event", zap.Error(err))
			continue
		}
		events = append(events, ev)
	}

	if err := p.store.InsertLogs(ctx, events); err != nil {
		p.metrics.RecordFlush("error", len(events))
		return 0, fmt.Errorf("failed to persist %d log events: %w", len(events), err)
	}

	p.metrics.RecordFlush("ok", len(events))
	return len(events), nil
}

// Start schedules Flush every interval until ctx is cancelled or Stop is called
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return fmt.Errorf("log pipeline already running")
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	schedule := fmt.Sprintf("@every %s", p.interval)
	if _, err := c.AddFunc(schedule, func() { p.runFlush(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule log flush: %w", err)
	}
	c.Start()

	stop := make(chan struct{})
	p.cron = c
	p.stop = stop
	p.running = true
	p.logger.Info("log pipeline started", zap.Duration("flush_interval", p.interval))

	go func() {
		select {
		case <-ctx.Done():
			p.stopRun(stop)
		case <-stop:
		}
	}()

	return nil
}

// Stop halts the schedule and waits, up to the stop timeout, for an in-flight flush
func (p *Pipeline) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.halt()
}

// stopRun stops the run that owns stop, and nothing once a later Start replaced it
func (p *Pipeline) stopRun(stop chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop == stop {
		p.halt()
	}
}

func (p *Pipeline) halt() {
	if !p.running {
		return
	}

	close(p.stop)
	done := p.cron.Stop()
	select {
	case <-done.Done():
		p.logger.Info("log pipeline stopped")
	case <-time.After(p.stopTimeout):
		p.logger.Warn("log pipeline stopped with a flush still in flight")
	}
	p.running = false
}

func (p *Pipeline) runFlush(ctx context.Context) {
	n, err := p.Flush(ctx)
	if err != nil {
		p.logger.Error("log flush failed, batch discarded", zap.Error(err))
		return
	}
	if n > 0 {
		p.logger.Info("flushed log events", zap.Int("count", n))
	}
}
