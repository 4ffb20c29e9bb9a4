package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"alphaquant.com/pkg/ratelimit"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingStreamer struct {
	mu      sync.Mutex
	started []string
}

func (r *recordingStreamer) Start(symbol string) error {
	r.mu.Lock()
	r.started = append(r.started, symbol)
	r.mu.Unlock()
	return nil
}

func (r *recordingStreamer) symbols() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.started...)
}

type wsEnv struct {
	hub     *Hub
	server  *Server
	streams *recordingStreamer
	http    *httptest.Server
}

func newWSEnv(t *testing.T, configure func(*Server)) *wsEnv {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub(HubOptions{FlushInterval: 10 * time.Millisecond})
	streams := &recordingStreamer{}
	srv := NewServer(ctx, hub, streams, zap.NewNop())
	if configure != nil {
		configure(srv)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/market", srv.ServeMarket)
	mux.HandleFunc("/ws/ticker", srv.ServeTicker)
	ts := httptest.NewServer(mux)

	t.Cleanup(func() {
		cancel()
		ts.Close()
		hub.Close()
	})
	return &wsEnv{hub: hub, server: srv, streams: streams, http: ts}
}

func (e *wsEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.http.URL, "http") + path
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readEvent(t *testing.T, c *websocket.Conn) ServerEvent {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	var ev ServerEvent
	require.NoError(t, json.Unmarshal(b, &ev))
	return ev
}

func readEnvelope(t *testing.T, c *websocket.Conn) map[string]any {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, b, err := c.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	return m
}

func TestServer_MarketSubscribeAndBroadcast(t *testing.T) {
	env := newWSEnv(t, nil)
	c := env.dial(t, "/ws/market?client_id=alice")

	require.NoError(t, c.WriteJSON(ClientMsg{Action: ActionSubscribe, Symbols: []string{"aapl", " msft"}}))
	ev := readEvent(t, c)
	assert.Equal(t, EventSubscribed, ev.Event)
	assert.Equal(t, []string{"AAPL", "MSFT"}, ev.Symbols)
	assert.Equal(t, []string{"AAPL", "MSFT"}, env.streams.symbols())
	assert.Equal(t, 1, env.hub.Members("stock:AAPL"))

	require.NoError(t, env.hub.Publish(context.Background(), "stock:AAPL", map[string]any{"symbol": "AAPL", "price": 150.25}, true))
	msg := readEnvelope(t, c)
	assert.Equal(t, "stock:AAPL", msg["channel"])
	assert.Equal(t, 150.25, msg["data"].(map[string]any)["price"])

	require.NoError(t, c.WriteJSON(ClientMsg{Action: ActionUnsubscribe, Symbols: []string{"AAPL"}}))
	ev = readEvent(t, c)
	assert.Equal(t, EventUnsubscribed, ev.Event)
	assert.Zero(t, env.hub.Members("stock:AAPL"))
	assert.Equal(t, 1, env.hub.Members("stock:MSFT"))
}

func TestServer_InvalidMessages(t *testing.T) {
	env := newWSEnv(t, nil)
	c := env.dial(t, "/ws/market")

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	ev := readEvent(t, c)
	assert.Equal(t, EventError, ev.Event)
	assert.Equal(t, "Invalid JSON message", ev.Message)

	require.NoError(t, c.WriteJSON(ClientMsg{Action: "dance", Symbols: []string{"AAPL"}}))
	ev = readEvent(t, c)
	assert.Equal(t, "Invalid action or missing symbols", ev.Message)

	require.NoError(t, c.WriteJSON(ClientMsg{Action: ActionSubscribe}))
	ev = readEvent(t, c)
	assert.Equal(t, "Invalid action or missing symbols", ev.Message)

	// 出错后连接仍可用
	require.NoError(t, c.WriteJSON(ClientMsg{Action: ActionSubscribe, Symbols: []string{"TSLA"}}))
	assert.Equal(t, EventSubscribed, readEvent(t, c).Event)
}

func TestServer_TickerAutoSubscribes(t *testing.T) {
	env := newWSEnv(t, nil)
	c := env.dial(t, "/ws/ticker?symbols=aapl,goog&client_id=bob")

	ev := readEvent(t, c)
	assert.Equal(t, EventSubscribed, ev.Event)
	assert.Equal(t, []string{"AAPL", "GOOG"}, ev.Symbols)
	assert.Equal(t, []string{"stock:AAPL", "stock:GOOG"}, subscriptions(env.hub, "bob"))
}

func TestServer_TickerRequiresSymbols(t *testing.T) {
	env := newWSEnv(t, nil)
	url := "ws" + strings.TrimPrefix(env.http.URL, "http") + "/ws/ticker?symbols=,"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServer_CloseRemovesClient(t *testing.T) {
	env := newWSEnv(t, nil)
	c := env.dial(t, "/ws/ticker?symbols=AAPL&client_id=carol")
	readEvent(t, c)
	require.Equal(t, 1, env.hub.Members("stock:AAPL"))

	require.NoError(t, c.Close())
	assert.Eventually(t, func() bool { return env.hub.Members("stock:AAPL") == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_CommandRateLimit(t *testing.T) {
	env := newWSEnv(t, func(s *Server) {
		s.Limiter = ratelimit.NewController(ratelimit.NewMemoryLimiter(), true, zap.NewNop())
		s.Quota = CommandQuota{MaxRequests: 2, Window: time.Minute}
	})
	c := env.dial(t, "/ws/market?client_id=dave")

	for i := 0; i < 2; i++ {
		require.NoError(t, c.WriteJSON(ClientMsg{Action: ActionSubscribe, Symbols: []string{"AAPL"}}))
		assert.Equal(t, EventSubscribed, readEvent(t, c).Event)
	}
	require.NoError(t, c.WriteJSON(ClientMsg{Action: ActionSubscribe, Symbols: []string{"AAPL"}}))
	ev := readEvent(t, c)
	assert.Equal(t, EventError, ev.Event)
	assert.Equal(t, "rate limit exceeded", ev.Message)
}

func TestServer_SubscribeAfterEvictionStartsNothing(t *testing.T) {
	env := newWSEnv(t, nil)

	raw, err := json.Marshal(ClientMsg{Action: ActionSubscribe, Symbols: []string{"AAPL"}})
	require.NoError(t, err)
	ev := env.server.handle(context.Background(), "evicted", raw)

	assert.Equal(t, EventSubscribed, ev.Event)
	assert.Empty(t, ev.Symbols)
	assert.Empty(t, env.streams.symbols())
	assert.Zero(t, env.hub.Members("stock:AAPL"))
}

func TestServer_StartRacingEvictionReportsIdle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub(HubOptions{FlushInterval: time.Hour})
	defer hub.Close()
	idle := make(chan string, 4)
	hub.OnIdle(func(ch string) { idle <- ch })

	require.NoError(t, hub.Connect(&fakeSender{}, "c1", "stock:AAPL"))
	// 行情流启动时连接恰好被移除
	streams := startFunc(func(string) error {
		hub.Disconnect("c1")
		return nil
	})
	srv := NewServer(ctx, hub, streams, zap.NewNop())

	srv.startStreams([]string{"AAPL"})
	// 一次来自 Disconnect，一次来自启动后的复查
	for i := 0; i < 2; i++ {
		select {
		case ch := <-idle:
			assert.Equal(t, "stock:AAPL", ch)
		case <-time.After(time.Second):
			t.Fatalf("idle notification %d missing", i+1)
		}
	}
}

type startFunc func(symbol string) error

func (f startFunc) Start(symbol string) error { return f(symbol) }
