package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/mrmushfiq/api-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/api-gateway/internal/gateway/metrics"
)

// DefaultWindow is the sliding window length
const DefaultWindow = 60 * time.Second

// Store is the sorted-set batch the limiter runs against
type Store interface {
	SlidingWindow(ctx context.Context, key, member string, now, cutoff int64, ttl time.Duration) (int64, error)
}

// Decision is the outcome of one admission check
type Decision struct {
	Allowed     bool
	Limit       int
	Count       int
	WindowStart time.Time
	Window      time.Duration
}

// Remaining is the number of requests left in the window, floored at zero
func (d Decision) Remaining() int {
	if r := d.Limit - d.Count; r > 0 {
		return r
	}
	return 0
}

// Reset is when the window that started at WindowStart ends
func (d Decision) Reset() time.Time {
	return d.WindowStart.Add(d.Window)
}

// SetHeaders writes the X-RateLimit-* headers for this decision
func (d Decision) SetHeaders(h http.Header) {
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining()))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset().Unix(), 10))
}

// Limiter is a sliding window rate limiter keyed by credential
type Limiter struct {
	store   Store
	window  time.Duration
	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*Limiter)

// WithWindow overrides the window length
func WithWindow(d time.Duration) Option {
	return func(l *Limiter) { l.window = d }
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(l *Limiter) { l.metrics = m }
}

// New creates a limiter over store
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		window: DefaultWindow,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Window returns the configured window length
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Admit records one request for credentialID and decides whether it fits in
// limit. Rejected requests are still counted. On rejection the returned error
// has kind KindRateExceeded and the decision is still populated.
func (l *Limiter) Admit(ctx context.Context, credentialID string, limit int) (Decision, error) {
	now := l.now()
	nowMs := now.UnixMilli()
	cutoff := now.Add(-l.window).UnixMilli()
	member := fmt.Sprintf("%d-%s", nowMs, uuid.NewString())

	count, err := l.store.SlidingWindow(ctx, "rate_limit:"+credentialID, member, nowMs, cutoff, l.window)
	if err != nil {
		return Decision{}, apierror.Wrap(apierror.KindInternal, "rate limiter unavailable", err)
	}

	dec := Decision{
		Allowed:     int(count) <= limit,
		Limit:       limit,
		Count:       int(count),
		WindowStart: time.Unix(now.Unix(), 0),
		Window:      l.window,
	}
	l.metrics.RecordRateLimitCheck(dec.Allowed)

	if !dec.Allowed {
		return dec, apierror.New(apierror.KindRateExceeded, "Too many requests")
	}
	return dec, nil
}
