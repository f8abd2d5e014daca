package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mrmushfiq/api-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/api-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/api-gateway/internal/gateway/metrics"
	"github.com/mrmushfiq/api-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/api-gateway/internal/shared/models"
	"go.uber.org/zap"
)

const (
	// DefaultMaxBodyBytes is the largest request body forwarded upstream
	DefaultMaxBodyBytes = 10 * 1024 * 1024

	defaultUpstreamTimeout = 30 * time.Second
)

// Response headers that describe the upstream connection rather than the
// payload. The payload is re-framed by our own server.
var hopByHopHeaders = []string{
	"Connection",
	"Content-Encoding",
	"Content-Length",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

var rateLimitHeaders = []string{
	"X-RateLimit-Limit",
	"X-RateLimit-Remaining",
	"X-RateLimit-Reset",
}

// Resolver maps a target name to its upstream base URL
type Resolver interface {
	Resolve(name string) (string, error)
}

// Authenticator validates the Authorization header
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*models.Credential, error)
}

// Admitter is the rate limiter
type Admitter interface {
	Admit(ctx context.Context, credentialID string, limit int) (ratelimit.Decision, error)
}

// ResponseCache stores GET responses by fingerprint
type ResponseCache interface {
	Lookup(ctx context.Context, key string) (*cache.Entry, bool, error)
	Store(ctx context.Context, key string, entry *cache.Entry, ttl time.Duration) error
}

// Emitter receives one log event per audited request
type Emitter interface {
	Emit(ctx context.Context, event models.LogEvent) models.LogEvent
}

// Request is one inbound proxy call
type Request struct {
	Target      string
	Path        string // escaped path below the target, without a leading slash
	RequestPath string // inbound URL path, recorded in the log event
	Method      string
	Header      http.Header
	Query       url.Values
	RawQuery    string
	// Body is read only once the request is admitted. It may be nil.
	Body io.Reader
	// ContentLength is the declared body size, or -1 when unknown
	ContentLength int64
}

// Response is what the gateway sends back to the caller
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	CacheHit   bool
}

// Service forwards authenticated, rate-limited requests to named upstreams
type Service struct {
	targets      Resolver
	auth         Authenticator
	limiter      Admitter
	logs         Emitter
	cache        ResponseCache
	cacheTTL     time.Duration
	client       *http.Client
	maxBodyBytes int64
	logger       *zap.Logger
	metrics      *metrics.Metrics
}

type Option func(*Service)

// WithCache enables the GET response cache
func WithCache(c ResponseCache, ttl time.Duration) Option {
	return func(s *Service) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

// WithHTTPClient overrides the client used for upstream calls
func WithHTTPClient(client *http.Client) Option {
	return func(s *Service) { s.client = client }
}

// WithMaxBodyBytes overrides the request body ceiling
func WithMaxBodyBytes(n int64) Option {
	return func(s *Service) { s.maxBodyBytes = n }
}

// WithMetrics attaches Prometheus collectors
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// New creates a proxy service
func New(targets Resolver, auth Authenticator, limiter Admitter, logs Emitter, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		targets:      targets,
		auth:         auth,
		limiter:      limiter,
		logs:         logs,
		cacheTTL:     cache.DefaultTTL,
		client:       &http.Client{Timeout: defaultUpstreamTimeout},
		maxBodyBytes: DefaultMaxBodyBytes,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handle runs one request through resolve, authenticate, admit, cache and
// forward. Every request that reaches admission is logged exactly once.
func (s *Service) Handle(ctx context.Context, req *Request) (*Response, error) {
	base, err := s.targets.Resolve(req.Target)
	if err != nil {
		return nil, err
	}

	cred, err := s.auth.Authenticate(ctx, req.Header.Get("Authorization"))
	if err != nil {
		return nil, err
	}

	limit := cred.RequestsPerMinute
	if limit <= 0 {
		limit = models.DefaultRequestsPerMinute
	}

	dec, err := s.limiter.Admit(ctx, cred.PublicID, limit)
	if err != nil {
		if apierror.Is(err, apierror.KindRateExceeded) {
			s.audit(ctx, cred, req, http.StatusTooManyRequests)
			return nil, withDecision(apierror.KindRateExceeded, "Too many requests", dec, nil)
		}
		s.audit(ctx, cred, req, http.StatusInternalServerError)
		return nil, err
	}

	var cacheKey string
	if s.cache != nil && req.Method == http.MethodGet {
		cacheKey = cache.Fingerprint(req.Target, req.Path, req.Query)
		if resp := s.replay(ctx, cacheKey, dec); resp != nil {
			s.audit(ctx, cred, req, resp.StatusCode)
			return resp, nil
		}
	}

	body, tooLarge, err := s.readBody(req)
	if err != nil {
		s.audit(ctx, cred, req, http.StatusBadRequest)
		return nil, withDecision(apierror.KindBadRequest, "failed to read request body", dec, err)
	}
	if tooLarge {
		s.audit(ctx, cred, req, http.StatusRequestEntityTooLarge)
		return nil, withDecision(apierror.KindPayloadTooLarge, "Payload Too Large", dec, nil)
	}

	upstream, err := s.forward(ctx, base, req, body)
	if err != nil {
		s.logger.Warn("upstream unavailable",
			zap.String("target", req.Target),
			zap.String("method", req.Method),
			zap.Error(err),
		)
		s.audit(ctx, cred, req, http.StatusBadGateway)
		return nil, withDecision(apierror.KindUpstreamUnavailable, "Upstream unavailable", dec, err)
	}

	if cacheKey != "" && upstream.StatusCode == http.StatusOK {
		entry := &cache.Entry{
			Content:    upstream.Body,
			StatusCode: upstream.StatusCode,
			Header:     upstream.Header.Clone(),
		}
		if err := s.cache.Store(ctx, cacheKey, entry, s.cacheTTL); err != nil {
			s.logger.Warn("failed to cache response", zap.String("target", req.Target), zap.Error(err))
		}
	}

	resp := &Response{
		StatusCode: upstream.StatusCode,
		Header:     shapeHeader(upstream.Header, dec),
		Body:       upstream.Body,
	}
	resp.Header.Set("X-Cache-Hit", "false")

	s.audit(ctx, cred, req, resp.StatusCode)
	return resp, nil
}

// replay returns the cached response for key, or nil on a miss. Cache
// failures are logged and treated as a miss.
func (s *Service) replay(ctx context.Context, key string, dec ratelimit.Decision) *Response {
	entry, ok, err := s.cache.Lookup(ctx, key)
	if err != nil {
		s.metrics.RecordCacheLookup("error")
		s.logger.Warn("cache lookup failed, forwarding upstream", zap.Error(err))
		return nil
	}
	if !ok {
		s.metrics.RecordCacheLookup("miss")
		return nil
	}
	s.metrics.RecordCacheLookup("hit")

	resp := &Response{
		StatusCode: entry.StatusCode,
		Header:     shapeHeader(entry.Header, dec),
		Body:       entry.Content,
		CacheHit:   true,
	}
	resp.Header.Set("X-Cache-Hit", "true")
	return resp
}

type upstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// readBody reads at most one byte past the ceiling. A declared length over
// the ceiling is rejected without reading anything.
func (s *Service) readBody(req *Request) ([]byte, bool, error) {
	if req.ContentLength > s.maxBodyBytes {
		return nil, true, nil
	}
	if req.Body == nil {
		return nil, false, nil
	}
	data, err := io.ReadAll(io.LimitReader(req.Body, s.maxBodyBytes+1))
	if err != nil {
		return nil, false, err
	}
	return data, int64(len(data)) > s.maxBodyBytes, nil
}

// upstreamURL joins the escaped path onto base. Encoded '?' and '#' stay in
// the path and the query is set separately.
func upstreamURL(base string, req *Request) (string, error) {
	u, err := url.Parse(base + "/" + strings.TrimPrefix(req.Path, "/"))
	if err != nil {
		return "", err
	}
	if u.RawQuery != "" || u.ForceQuery || u.Fragment != "" {
		return "", fmt.Errorf("forwarded path %q is not escaped", req.Path)
	}
	u.RawQuery = req.RawQuery
	return u.String(), nil
}

func (s *Service) forward(ctx context.Context, base string, req *Request, payload []byte) (*upstreamResponse, error) {
	target, err := upstreamURL(base, req)
	if err != nil {
		return nil, err
	}

	var body io.Reader = http.NoBody
	if len(payload) > 0 {
		body = bytes.NewReader(payload)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	out.Header.Del("Host")
	out.Header.Del("Content-Length")
	// let the transport negotiate compression so the body arrives decoded
	out.Header.Del("Accept-Encoding")

	start := time.Now()
	resp, err := s.client.Do(out)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	s.metrics.ObserveUpstream(req.Target, time.Since(start))
	if err != nil {
		return nil, err
	}

	return &upstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (s *Service) audit(ctx context.Context, cred *models.Credential, req *Request, status int) {
	path := req.RequestPath
	if path == "" {
		path = "/" + req.Target + "/" + strings.TrimPrefix(req.Path, "/")
	}
	s.logs.Emit(ctx, models.LogEvent{
		UserID:      cred.UserID,
		Method:      req.Method,
		RequestPath: path,
		StatusCode:  status,
	})
	s.metrics.RecordRequest(req.Target, req.Method, status)
}

// shapeHeader copies upstream headers without hop-by-hop or upstream rate
// limit headers and adds the gateway's own rate limit headers.
func shapeHeader(upstream http.Header, dec ratelimit.Decision) http.Header {
	h := upstream.Clone()
	if h == nil {
		h = make(http.Header)
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
	for _, name := range rateLimitHeaders {
		h.Del(name)
	}
	dec.SetHeaders(h)
	return h
}

func withDecision(kind apierror.Kind, message string, dec ratelimit.Decision, cause error) *apierror.Error {
	e := apierror.Wrap(kind, message, cause)
	e.Header = make(http.Header)
	dec.SetHeaders(e.Header)
	return e
}
