package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/mrmushfiq/api-gateway/internal/gateway/apierror"
	"github.com/mrmushfiq/api-gateway/internal/gateway/cache"
	"github.com/mrmushfiq/api-gateway/internal/gateway/ratelimit"
	"github.com/mrmushfiq/api-gateway/internal/gateway/targets"
	"github.com/mrmushfiq/api-gateway/internal/shared/models"
	"github.com/mrmushfiq/api-gateway/internal/shared/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testKey = "akp_test.secret"

type stubAuth struct {
	creds map[string]*models.Credential
}

func (a *stubAuth) Authenticate(_ context.Context, authorization string) (*models.Credential, error) {
	if cred, ok := a.creds[authorization]; ok {
		return cred, nil
	}
	return nil, apierror.New(apierror.KindUnauthenticated, "Invalid API key")
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []models.LogEvent
}

func (e *recordingEmitter) Emit(_ context.Context, ev models.LogEvent) models.LogEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return ev
}

func (e *recordingEmitter) statuses() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]int, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.StatusCode
	}
	return out
}

type upstream struct {
	srv   *httptest.Server
	calls atomic.Int32
	last  atomic.Pointer[http.Request]
	body  atomic.Pointer[string]
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		u.last.Store(r)
		data, _ := io.ReadAll(r.Body)
		s := string(data)
		u.body.Store(&s)

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "mock")
		w.Header().Set("X-RateLimit-Limit", "5000")
		w.Header().Set("X-RateLimit-Remaining", "4999")
		switch r.URL.Path {
		case "/missing":
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"message":"Not Found"}`)
		default:
			fmt.Fprintf(w, `{"path":%q,"query":%q,"call":%d}`, r.URL.Path, r.URL.RawQuery, u.calls.Load())
		}
	}))
	t.Cleanup(u.srv.Close)
	return u
}

type fixture struct {
	svc     *Service
	up      *upstream
	emitter *recordingEmitter
	mr      *miniredis.Miniredis
	now     time.Time
	nowMu   sync.Mutex
}

func (f *fixture) clock() time.Time {
	f.nowMu.Lock()
	defer f.nowMu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.nowMu.Lock()
	f.now = f.now.Add(d)
	f.nowMu.Unlock()
	f.mr.FastForward(d)
}

func newFixture(t *testing.T, rpm int, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		up:      newUpstream(t),
		emitter: &recordingEmitter{},
		mr:      miniredis.RunT(t),
		now:     time.Date(2026, 10, 2, 12, 0, 0, 0, time.UTC),
	}
	rdb := redis.Wrap(goredis.NewClient(&goredis.Options{Addr: f.mr.Addr()}))
	t.Cleanup(func() { _ = rdb.Close() })

	reg, err := targets.New(map[string]string{
		"mock": f.up.srv.URL,
		"dead": "http://127.0.0.1:1",
	}, zap.NewNop())
	require.NoError(t, err)

	auth := &stubAuth{creds: map[string]*models.Credential{
		"Bearer " + testKey: {ID: "c1", UserID: "user-1", PublicID: "akp_test", IsActive: true, RequestsPerMinute: rpm},
	}}
	limiter := ratelimit.New(rdb, ratelimit.WithClock(f.clock))

	all := append([]Option{
		WithCache(cache.New(rdb), cache.DefaultTTL),
		WithHTTPClient(&http.Client{Timeout: 2 * time.Second}),
	}, opts...)
	f.svc = New(reg, auth, limiter, f.emitter, zap.NewNop(), all...)
	return f
}

func get(path string) *Request {
	return call(http.MethodGet, path, nil)
}

func call(method, path string, body []byte) *Request {
	u, _ := url.Parse(path)
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+testKey)
	h.Set("Host", "gateway.local")
	req := &Request{
		Target:      "mock",
		Path:        u.EscapedPath(),
		RequestPath: "/proxy/mock/" + u.Path,
		Method:      method,
		Header:      h,
		Query:       u.Query(),
		RawQuery:    u.RawQuery,
	}
	if body != nil {
		req.Body = bytes.NewReader(body)
		req.ContentLength = int64(len(body))
	}
	return req
}

type countingReader struct {
	reads atomic.Int32
	err   error
}

func (r *countingReader) Read([]byte) (int, error) {
	r.reads.Add(1)
	if r.err != nil {
		return 0, r.err
	}
	return 0, io.EOF
}

func TestFiveOfSevenAdmitted(t *testing.T) {
	f := newFixture(t, 5)
	ctx := context.Background()

	for i := 1; i <= 7; i++ {
		req := call(http.MethodPost, "users/google", []byte("{}"))
		resp, err := f.svc.Handle(ctx, req)
		if i <= 5 {
			require.NoError(t, err, "request %d", i)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "5", resp.Header.Get("X-RateLimit-Limit"))
			assert.Equal(t, strconv.Itoa(5-i), resp.Header.Get("X-RateLimit-Remaining"))
			assert.Equal(t, strconv.FormatInt(f.now.Add(time.Minute).Unix(), 10), resp.Header.Get("X-RateLimit-Reset"))
			continue
		}
		require.Error(t, err, "request %d", i)
		assert.True(t, apierror.Is(err, apierror.KindRateExceeded))

		var apiErr *apierror.Error
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "0", apiErr.Header.Get("X-RateLimit-Remaining"))
		assert.Equal(t, "5", apiErr.Header.Get("X-RateLimit-Limit"))
	}

	assert.Equal(t, int32(5), f.up.calls.Load())
	assert.Equal(t, []int{200, 200, 200, 200, 200, 429, 429}, f.emitter.statuses())
}

func TestWindowResetsAfterFullWindow(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = f.svc.Handle(ctx, call(http.MethodPost, "users/a", nil))
	}
	f.advance(time.Minute)

	resp, err := f.svc.Handle(ctx, call(http.MethodPost, "users/a", nil))
	require.NoError(t, err)
	assert.Equal(t, "1", resp.Header.Get("X-RateLimit-Remaining"))
}

func TestCacheHitSkipsUpstream(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	first, err := f.svc.Handle(ctx, get("users/google?page=1&per=2"))
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	assert.Equal(t, "99", first.Header.Get("X-RateLimit-Remaining"))

	second, err := f.svc.Handle(ctx, get("users/google?per=2&page=1"))
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, "true", second.Header.Get("X-Cache-Hit"))
	assert.Equal(t, first.Body, second.Body)
	assert.Equal(t, http.StatusOK, second.StatusCode)
	assert.Equal(t, "mock", second.Header.Get("X-Upstream"))
	assert.Equal(t, "98", second.Header.Get("X-RateLimit-Remaining"))
	assert.Equal(t, "100", second.Header.Get("X-RateLimit-Limit"))

	assert.Equal(t, int32(1), f.up.calls.Load())
	assert.Equal(t, []int{200, 200}, f.emitter.statuses())
}

func TestDifferentQueryIsADifferentEntry(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.svc.Handle(ctx, get("users/params?param=A"))
	require.NoError(t, err)
	_, err = f.svc.Handle(ctx, get("users/params?param=B"))
	require.NoError(t, err)

	assert.Equal(t, int32(2), f.up.calls.Load())
}

func TestCacheEntryExpires(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.svc.Handle(ctx, get("users/expiry"))
	require.NoError(t, err)

	f.advance(cache.DefaultTTL + time.Second)

	resp, err := f.svc.Handle(ctx, get("users/expiry"))
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, int32(2), f.up.calls.Load())
}

func TestNonGetIsNeverCached(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodPost} {
		resp, err := f.svc.Handle(ctx, call(method, "users/post", []byte(`{"a":1}`)))
		require.NoError(t, err)
		assert.False(t, resp.CacheHit)
	}
	assert.Equal(t, int32(4), f.up.calls.Load())
	assert.Equal(t, `{"a":1}`, *f.up.body.Load())
}

func TestNon200GetIsNotCached(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		resp, err := f.svc.Handle(ctx, get("missing"))
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	}
	assert.Equal(t, int32(2), f.up.calls.Load())
	assert.Equal(t, []int{404, 404}, f.emitter.statuses())
}

func TestCacheDisabled(t *testing.T) {
	f := newFixture(t, 100, WithCache(nil, 0))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Handle(ctx, get("users/google"))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), f.up.calls.Load())
}

func TestCacheFailureFallsThroughToUpstream(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	_, err := f.svc.Handle(ctx, get("users/google"))
	require.NoError(t, err)

	key := cache.Fingerprint("mock", "users/google", url.Values{})
	f.mr.Set(key, "{corrupt")

	resp, err := f.svc.Handle(ctx, get("users/google"))
	require.NoError(t, err)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, int32(2), f.up.calls.Load())
}

func TestForwardedRequestShape(t *testing.T) {
	f := newFixture(t, 100)
	ctx := context.Background()

	req := call(http.MethodPut, "users/google/repos?sort=asc&sort=desc", []byte("payload"))
	req.Header.Set("Accept-Encoding", "br")
	req.Header.Set("X-Custom", "yes")

	_, err := f.svc.Handle(ctx, req)
	require.NoError(t, err)

	got := f.up.last.Load()
	require.NotNil(t, got)
	assert.Equal(t, http.MethodPut, got.Method)
	assert.Equal(t, "/users/google/repos", got.URL.Path)
	assert.Equal(t, "sort=asc&sort=desc", got.URL.RawQuery)
	assert.Equal(t, "yes", got.Header.Get("X-Custom"))
	assert.NotEqual(t, "gateway.local", got.Host)
	assert.NotEqual(t, "br", got.Header.Get("Accept-Encoding"))
	assert.Equal(t, "payload", *f.up.body.Load())
}

func TestEscapedPathIsForwardedVerbatim(t *testing.T) {
	cases := []struct {
		path      string
		wantPath  string
		wantQuery string
	}{
		{path: "users/a%3Fadmin=1", wantPath: "/users/a%3Fadmin=1"},
		{path: "users/a%23frag", wantPath: "/users/a%23frag"},
		{path: "users/a%20b", wantPath: "/users/a%20b"},
		{path: "users/a%3Fx=1?real=1", wantPath: "/users/a%3Fx=1", wantQuery: "real=1"},
	}
	for _, tc := range cases {
		t.Run(tc.path, func(t *testing.T) {
			f := newFixture(t, 100)

			_, err := f.svc.Handle(context.Background(), get(tc.path))
			require.NoError(t, err)

			got := f.up.last.Load()
			require.NotNil(t, got)
			assert.Equal(t, tc.wantPath, got.URL.EscapedPath())
			assert.Equal(t, tc.wantQuery, got.URL.RawQuery)
			assert.Empty(t, got.URL.Fragment)
		})
	}
}

func TestUnescapedPathIsNotForwarded(t *testing.T) {
	f := newFixture(t, 100)
	req := get("users/a")
	req.Path = "users/a?admin=1"

	_, err := f.svc.Handle(context.Background(), req)
	assert.True(t, apierror.Is(err, apierror.KindUpstreamUnavailable))
	assert.Equal(t, int32(0), f.up.calls.Load())
}

func TestResponseHeadersAreShaped(t *testing.T) {
	f := newFixture(t, 10)

	resp, err := f.svc.Handle(context.Background(), call(http.MethodPost, "users/x", nil))
	require.NoError(t, err)

	assert.Equal(t, "10", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "9", resp.Header.Get("X-RateLimit-Remaining"))
	assert.Empty(t, resp.Header.Values("Content-Length"))
	assert.Empty(t, resp.Header.Values("Connection"))
	assert.Len(t, resp.Header.Values("X-RateLimit-Limit"), 1)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
}

func TestUnknownTargetIsNotLogged(t *testing.T) {
	f := newFixture(t, 100)
	req := get("users/google")
	req.Target = "nope"

	_, err := f.svc.Handle(context.Background(), req)
	assert.True(t, apierror.Is(err, apierror.KindUnknownTarget))
	assert.Empty(t, f.emitter.statuses())
	assert.Equal(t, int32(0), f.up.calls.Load())
}

func TestUnauthenticatedIsNotLogged(t *testing.T) {
	f := newFixture(t, 100)
	req := get("users/google")
	req.Header.Set("Authorization", "Bearer akp_other.secret")

	_, err := f.svc.Handle(context.Background(), req)
	assert.True(t, apierror.Is(err, apierror.KindUnauthenticated))
	assert.Empty(t, f.emitter.statuses())
	assert.False(t, f.mr.Exists("rate_limit:akp_test"))
}

func TestOversizedBodyIsRejectedAndLogged(t *testing.T) {
	f := newFixture(t, 100, WithMaxBodyBytes(8))

	_, err := f.svc.Handle(context.Background(), call(http.MethodPost, "users/x", []byte("123456789")))
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.KindPayloadTooLarge))

	var apiErr *apierror.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "99", apiErr.Header.Get("X-RateLimit-Remaining"))

	assert.Equal(t, []int{413}, f.emitter.statuses())
	assert.Equal(t, int32(0), f.up.calls.Load())

	_, err = f.svc.Handle(context.Background(), call(http.MethodPost, "users/x", []byte("12345678")))
	assert.NoError(t, err)
}

func TestDeclaredOversizedBodyIsNotRead(t *testing.T) {
	f := newFixture(t, 100, WithMaxBodyBytes(8))
	body := &countingReader{}
	req := call(http.MethodPost, "users/x", nil)
	req.Body = body
	req.ContentLength = 10 << 20

	_, err := f.svc.Handle(context.Background(), req)
	assert.True(t, apierror.Is(err, apierror.KindPayloadTooLarge))
	assert.Equal(t, int32(0), body.reads.Load())
	assert.Equal(t, []int{413}, f.emitter.statuses())
	assert.Equal(t, int32(0), f.up.calls.Load())
}

func TestBodyIsNotReadBeforeAuthentication(t *testing.T) {
	f := newFixture(t, 100)
	body := &countingReader{}
	req := call(http.MethodPost, "users/x", nil)
	req.Body = body
	req.ContentLength = -1
	req.Header.Set("Authorization", "Bearer akp_other.secret")

	_, err := f.svc.Handle(context.Background(), req)
	assert.True(t, apierror.Is(err, apierror.KindUnauthenticated))
	assert.Equal(t, int32(0), body.reads.Load())
}

func TestBodyReadFailureIsBadRequestAndLogged(t *testing.T) {
	f := newFixture(t, 100)
	req := call(http.MethodPost, "users/x", nil)
	req.Body = &countingReader{err: errors.New("connection reset")}
	req.ContentLength = -1

	_, err := f.svc.Handle(context.Background(), req)
	assert.True(t, apierror.Is(err, apierror.KindBadRequest))
	assert.Equal(t, []int{400}, f.emitter.statuses())
	assert.Equal(t, int32(0), f.up.calls.Load())
}

func TestUnreachableUpstreamIsBadGatewayAndLogged(t *testing.T) {
	f := newFixture(t, 100)
	req := get("users/google")
	req.Target = "dead"

	_, err := f.svc.Handle(context.Background(), req)
	require.Error(t, err)
	assert.True(t, apierror.Is(err, apierror.KindUpstreamUnavailable))

	var apiErr *apierror.Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "100", apiErr.Header.Get("X-RateLimit-Limit"))

	assert.Equal(t, []int{502}, f.emitter.statuses())
}

func TestLogEventCarriesRequestDetails(t *testing.T) {
	f := newFixture(t, 100)

	_, err := f.svc.Handle(context.Background(), call(http.MethodDelete, "users/google", nil))
	require.NoError(t, err)

	require.Len(t, f.emitter.events, 1)
	ev := f.emitter.events[0]
	assert.Equal(t, "user-1", ev.UserID)
	assert.Equal(t, http.MethodDelete, ev.Method)
	assert.Equal(t, "/proxy/mock/users/google", ev.RequestPath)
	assert.Equal(t, http.StatusOK, ev.StatusCode)
}

func TestLimiterFailureIsInternalAndLogged(t *testing.T) {
	f := newFixture(t, 100)
	f.mr.SetError("READONLY You can't write against a read only replica")

	_, err := f.svc.Handle(context.Background(), get("users/google"))
	require.Error(t, err)
	assert.Equal(t, apierror.KindInternal, apierror.KindOf(err))
	assert.Equal(t, []int{500}, f.emitter.statuses())
}

func TestConcurrentRequestsRespectLimit(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, limited atomic.Int32
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Handle(ctx, call(http.MethodPost, "users/x", nil))
			switch {
			case err == nil:
				ok.Add(1)
			case apierror.Is(err, apierror.KindRateExceeded):
				limited.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, int32(15), limited.Load())
	assert.Len(t, f.emitter.statuses(), 25)
}
