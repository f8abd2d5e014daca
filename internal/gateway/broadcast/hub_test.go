package broadcast

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mrmushfiq/api-gateway/internal/shared/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeConn struct {
	mu       sync.Mutex
	msgs     [][]byte
	writeErr error
	block    chan struct{}
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.msgs = append(c.msgs, data)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) received() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func event(path string) models.LogEvent {
	return models.LogEvent{
		ID:           "id-" + path,
		TimestampUTC: time.Date(2026, 10, 2, 12, 0, 0, 0, time.UTC),
		UserID:       "user-1",
		Method:       http.MethodGet,
		RequestPath:  path,
		StatusCode:   http.StatusOK,
	}
}

func TestPublishReachesAllSubscribers(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a, b := newFakeConn(), newFakeConn()
	hub.Subscribe(a)
	hub.Subscribe(b)
	assert.Equal(t, 2, hub.Count())

	hub.Publish(event("/users/x"))

	assert.Eventually(t, func() bool { return a.received() == 1 && b.received() == 1 }, time.Second, 5*time.Millisecond)
}

func TestFailingSubscriberIsRemovedOthersStillReceive(t *testing.T) {
	hub := NewHub(zap.NewNop())
	bad, good := newFakeConn(), newFakeConn()
	bad.writeErr = errors.New("broken pipe")
	hub.Subscribe(bad)
	hub.Subscribe(good)

	hub.Publish(event("/one"))
	assert.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(event("/two"))
	assert.Eventually(t, func() bool { return good.received() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSlowSubscriberIsDroppedWithoutBlocking(t *testing.T) {
	hub := NewHub(zap.NewNop(), WithBufferSize(1))
	slow, fast := newFakeConn(), newFakeConn()
	slow.block = make(chan struct{})
	defer close(slow.block)
	hub.Subscribe(slow)
	hub.Subscribe(fast)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 3; i++ {
			hub.Publish(event("/burst"))
			for fast.received() < i {
				time.Sleep(time.Millisecond)
			}
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
	assert.Equal(t, 1, hub.Count())
	assert.Equal(t, 3, fast.received())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe(newFakeConn())
	hub.Unsubscribe(sub)
	hub.Unsubscribe(sub)
	assert.Equal(t, 0, hub.Count())
}

func TestServeOverWebSocket(t *testing.T) {
	hub := NewHub(zap.NewNop())
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(conn)
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer client.Close()

	require.Eventually(t, func() bool { return hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	// client chatter is accepted and ignored
	require.NoError(t, client.WriteMessage(websocket.TextMessage, []byte("hello")))

	hub.Publish(event("/users/google"))

	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := client.ReadMessage()
	require.NoError(t, err)

	var got models.LogEvent
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "/users/google", got.RequestPath)
	assert.Equal(t, http.StatusOK, got.StatusCode)

	client.Close()
	assert.Eventually(t, func() bool { return hub.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestCloseDisconnectsEveryone(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.Subscribe(newFakeConn())
	hub.Subscribe(newFakeConn())
	hub.Close()
	assert.Equal(t, 0, hub.Count())
}
