package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu     sync.Mutex
	msgs   [][]byte
	fail   error
	delay  time.Duration
	closed bool
}

func (f *fakeSender) Send(ctx context.Context, msg []byte) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return f.fail
	}
	cp := make([]byte, len(msg))
	copy(cp, msg)
	f.msgs = append(f.msgs, cp)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) received() []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Envelope, 0, len(f.msgs))
	for _, b := range f.msgs {
		var env Envelope
		_ = json.Unmarshal(b, &env)
		out = append(out, env)
	}
	return out
}

func (f *fakeSender) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// subscriptions 某个连接当前的频道，按字典序
func subscriptions(h *Hub, id string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.clients[id]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(c.channels))
	for ch := range c.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// 刷新周期拉长，测试里手动 Flush
func newTestHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub(HubOptions{FlushInterval: time.Hour, SendTimeout: 200 * time.Millisecond})
	t.Cleanup(h.Close)
	return h
}

func TestHub_DisconnectPurgesAllChannels(t *testing.T) {
	h := newTestHub(t)
	s := &fakeSender{}
	require.NoError(t, h.Connect(s, "c1", "stock:AAPL", "stock:MSFT"))
	require.True(t, h.Subscribe("c1", "stock:TSLA"))

	assert.Equal(t, 1, h.Members("stock:AAPL"))
	assert.Equal(t, []string{"stock:AAPL", "stock:MSFT", "stock:TSLA"}, subscriptions(h, "c1"))

	h.Disconnect("c1")
	h.Disconnect("c1") // 幂等

	for _, ch := range []string{"stock:AAPL", "stock:MSFT", "stock:TSLA"} {
		assert.Zero(t, h.Members(ch), ch)
	}
	assert.Empty(t, h.Channels())
	assert.Zero(t, h.Connections())
	assert.True(t, s.isClosed())
}

func TestHub_SubscribeUnknownClient(t *testing.T) {
	h := newTestHub(t)
	assert.False(t, h.Subscribe("ghost", "stock:AAPL"))
	assert.False(t, h.Unsubscribe("ghost", "stock:AAPL"))
	assert.Zero(t, h.Members("stock:AAPL"))
}

func TestHub_CoalesceKeepsLatest(t *testing.T) {
	h := newTestHub(t)
	s := &fakeSender{}
	require.NoError(t, h.Connect(s, "c1", "stock:AAPL"))

	ctx := context.Background()
	for _, p := range []float64{1, 2, 3} {
		require.NoError(t, h.Publish(ctx, "stock:AAPL", map[string]float64{"price": p}, true))
	}
	h.Flush(ctx)
	h.Flush(ctx) // 缓冲已清空，不会重复发送

	require.Eventually(t, func() bool { return len(s.received()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	got := s.received()
	require.Len(t, got, 1)
	assert.Equal(t, "stock:AAPL", got[0].Channel)
	assert.Equal(t, map[string]any{"price": float64(3)}, got[0].Data)
}

func TestHub_ImmediatePublish(t *testing.T) {
	h := newTestHub(t)
	a, b := &fakeSender{}, &fakeSender{}
	require.NoError(t, h.Connect(a, "a", "stock:AAPL"))
	require.NoError(t, h.Connect(b, "b", "stock:MSFT"))

	require.NoError(t, h.Publish(context.Background(), "stock:AAPL", "hi", false))

	require.Len(t, a.received(), 1)
	assert.Empty(t, b.received())
}

func TestHub_FailingSenderIsIsolated(t *testing.T) {
	h := newTestHub(t)
	good1, good2 := &fakeSender{}, &fakeSender{}
	bad := &fakeSender{fail: errors.New("broken pipe")}
	slow := &fakeSender{delay: time.Second}
	require.NoError(t, h.Connect(good1, "g1", "stock:AAPL"))
	require.NoError(t, h.Connect(bad, "bad", "stock:AAPL", "stock:MSFT"))
	require.NoError(t, h.Connect(slow, "slow", "stock:AAPL"))
	require.NoError(t, h.Connect(good2, "g2", "stock:AAPL"))

	ctx := context.Background()
	start := time.Now()
	require.NoError(t, h.Publish(ctx, "stock:AAPL", "tick", false))
	// 慢连接受发送超时约束，不会拖住整次广播
	assert.Less(t, time.Since(start), 900*time.Millisecond)

	assert.Len(t, good1.received(), 1)
	assert.Len(t, good2.received(), 1)
	assert.True(t, bad.isClosed())
	assert.True(t, slow.isClosed())
	assert.Nil(t, subscriptions(h, "bad"))
	assert.Zero(t, h.Members("stock:MSFT"))
	assert.Equal(t, 2, h.Members("stock:AAPL"))

	// 之后的广播照常送达剩下的连接
	require.NoError(t, h.Publish(ctx, "stock:AAPL", "tick2", false))
	assert.Len(t, good1.received(), 2)
}

func TestHub_ReconnectKeepsMemberships(t *testing.T) {
	h := newTestHub(t)
	first, second := &fakeSender{}, &fakeSender{}
	require.NoError(t, h.Connect(first, "c1", "stock:AAPL"))
	require.NoError(t, h.Connect(second, "c1", "stock:MSFT"))

	assert.True(t, first.isClosed())
	assert.Equal(t, []string{"stock:AAPL", "stock:MSFT"}, subscriptions(h, "c1"))
	assert.Equal(t, 1, h.Connections())

	// 旧连接的退出不能踢掉新连接
	h.DisconnectSender("c1", first)
	assert.Equal(t, 1, h.Connections())
	h.DisconnectSender("c1", second)
	assert.Zero(t, h.Connections())
}

func TestHub_PublishWithoutSubscribersIsDropped(t *testing.T) {
	h := newTestHub(t)
	s := &fakeSender{}
	require.NoError(t, h.Connect(s, "c1"))
	require.NoError(t, h.Publish(context.Background(), "stock:AAPL", "x", true))
	// 丢弃发生在发布时，之后才订阅也拿不到这条
	require.True(t, h.Subscribe("c1", "stock:AAPL"))
	h.Flush(context.Background())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.received())
}

func TestHub_OnIdleFiresWhenChannelEmpties(t *testing.T) {
	h := newTestHub(t)
	idle := make(chan string, 4)
	h.OnIdle(func(ch string) { idle <- ch })

	require.NoError(t, h.Connect(&fakeSender{}, "a", "stock:AAPL"))
	require.NoError(t, h.Connect(&fakeSender{}, "b", "stock:AAPL"))

	assert.True(t, h.Unsubscribe("a", "stock:AAPL"))
	assert.False(t, h.Unsubscribe("a", "stock:AAPL"))
	h.Disconnect("b")

	select {
	case ch := <-idle:
		assert.Equal(t, "stock:AAPL", ch)
	case <-time.After(time.Second):
		t.Fatal("idle callback not fired")
	}
	select {
	case ch := <-idle:
		t.Fatalf("unexpected second idle for %s", ch)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHub_FlushLoopDeliversCoalesced(t *testing.T) {
	h := NewHub(HubOptions{FlushInterval: 10 * time.Millisecond})
	defer h.Close()
	s := &fakeSender{}
	require.NoError(t, h.Connect(s, "c1", "stock:AAPL"))
	require.NoError(t, h.Publish(context.Background(), "stock:AAPL", "p", true))

	assert.Eventually(t, func() bool { return len(s.received()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestHub_CloseRejectsAndClosesSenders(t *testing.T) {
	h := NewHub(HubOptions{})
	s := &fakeSender{}
	require.NoError(t, h.Connect(s, "c1", "stock:AAPL"))

	h.Close()
	h.Close()

	assert.True(t, s.isClosed())
	assert.ErrorIs(t, h.Connect(&fakeSender{}, "c2"), ErrHubClosed)
	assert.ErrorIs(t, h.Publish(context.Background(), "stock:AAPL", "x", false), ErrHubClosed)
}

func TestHub_SlowClientDoesNotDelayOtherChannels(t *testing.T) {
	h := NewHub(HubOptions{FlushInterval: 20 * time.Millisecond, SendTimeout: 2 * time.Second})
	defer h.Close()
	stuck := &fakeSender{delay: time.Minute}
	fast := &fakeSender{}
	require.NoError(t, h.Connect(stuck, "stuck", "stock:AAPL"))
	require.NoError(t, h.Connect(fast, "fast", "stock:MSFT"))

	ctx := context.Background()
	require.NoError(t, h.Publish(ctx, "stock:AAPL", "a1", true))
	// 等刷新循环把 AAPL 交给卡住的连接
	time.Sleep(60 * time.Millisecond)

	start := time.Now()
	require.NoError(t, h.Publish(ctx, "stock:MSFT", "m1", true))
	require.Eventually(t, func() bool { return len(fast.received()) == 1 }, time.Second, 2*time.Millisecond)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	// 卡住期间 AAPL 的后续更新只保留最新一条
	for i := 0; i < 5; i++ {
		require.NoError(t, h.Publish(ctx, "stock:AAPL", fmt.Sprintf("a%d", i+2), true))
		time.Sleep(25 * time.Millisecond)
	}
	h.mu.RLock()
	c := h.clients["stuck"]
	h.mu.RUnlock()
	require.NotNil(t, c)
	c.boxMu.Lock()
	assert.LessOrEqual(t, len(c.latest), 1)
	c.boxMu.Unlock()

	// 超过 SendTimeout 后卡住的连接被移除
	assert.Eventually(t, stuck.isClosed, 3*time.Second, 10*time.Millisecond)
	assert.Zero(t, h.Members("stock:AAPL"))
	assert.Equal(t, 1, h.Members("stock:MSFT"))
}

func TestHub_ConcurrentMutationDuringBroadcast(t *testing.T) {
	h := NewHub(HubOptions{FlushInterval: time.Millisecond, SendTimeout: 100 * time.Millisecond})
	defer h.Close()
	channels := []string{"stock:AAPL", "stock:MSFT", "stock:TSLA"}
	keeper := &fakeSender{}
	require.NoError(t, h.Connect(keeper, "keeper", channels...))

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ctx.Err() == nil; i++ {
				id := fmt.Sprintf("w%d-%d", w, i%4)
				ch := channels[i%len(channels)]
				switch i % 5 {
				case 0:
					_ = h.Connect(&fakeSender{}, id, ch)
				case 1:
					h.Subscribe(id, channels[(i+1)%len(channels)])
				case 2:
					h.Unsubscribe(id, ch)
				case 3:
					h.Disconnect(id)
				case 4:
					_ = h.Publish(ctx, ch, i, false)
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ctx.Err() == nil; i++ {
			_ = h.Publish(context.Background(), channels[i%len(channels)], i, true)
			h.Flush(context.Background())
		}
	}()
	wg.Wait()

	// 常驻连接一直在线，也一直能收到
	assert.Equal(t, channels, subscriptions(h, "keeper"))
	assert.False(t, keeper.isClosed())
	require.NoError(t, h.Publish(context.Background(), "stock:AAPL", "final", false))
	got := keeper.received()
	require.NotEmpty(t, got)
	assert.Contains(t, got, Envelope{Channel: "stock:AAPL", Data: "final"})
}
