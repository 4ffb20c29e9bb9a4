package stream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"alphaquant.com/internal/quotes/datasource/model"
	"alphaquant.com/internal/quotes/mdsource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSource struct {
	calls atomic.Int32
	mu    sync.Mutex
	fn    func(n int32, symbol string) (model.Quote, error)
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Latest(_ context.Context, symbol string) (model.Quote, error) {
	n := f.calls.Add(1)
	f.mu.Lock()
	fn := f.fn
	f.mu.Unlock()
	return fn(n, symbol)
}

func priceSource(price float64) *fakeSource {
	return &fakeSource{fn: func(_ int32, symbol string) (model.Quote, error) {
		return model.Quote{Symbol: symbol, Price: price, Open: price - 1, High: price + 1, Low: price - 2, Volume: 5000}, nil
	}}
}

type published struct {
	channel string
	quote   model.Quote
}

type fakePublisher struct {
	ch chan published
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{ch: make(chan published, 4096)}
}

func (p *fakePublisher) Publish(_ context.Context, channel string, data any, coalesce bool) error {
	q, ok := data.(model.Quote)
	if !ok {
		return errors.New("unexpected payload")
	}
	select {
	case p.ch <- published{channel: channel, quote: q}:
	default:
	}
	return nil
}

func (p *fakePublisher) next(t *testing.T) published {
	t.Helper()
	select {
	case m := <-p.ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no update published")
		return published{}
	}
}

func (p *fakePublisher) drain() int {
	n := 0
	for {
		select {
		case <-p.ch:
			n++
		default:
			return n
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	quotes []model.Quote
}

func (r *recorder) Record(q model.Quote) {
	r.mu.Lock()
	r.quotes = append(r.quotes, q)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.quotes)
}

func newScheduler(t *testing.T, src mdsource.Source, pub Publisher, clock *fakeClock, mutate func(*Options)) *Scheduler {
	t.Helper()
	opts := Options{Interval: time.Hour, Now: clock.Now}
	if mutate != nil {
		mutate(&opts)
	}
	s := New(src, pub, opts)
	t.Cleanup(s.Close)
	return s
}

func TestScheduler_ConcurrentStartRunsOneTask(t *testing.T) {
	src := priceSource(150)
	pub := newFakePublisher()
	s := newScheduler(t, src, pub, newFakeClock(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Start("AAPL"))
		}()
	}
	wg.Wait()

	m := pub.next(t)
	assert.Equal(t, "stock:AAPL", m.channel)
	assert.Equal(t, []string{"AAPL"}, s.Active())

	// interval 为 1h，只会有开头那一轮
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), src.calls.Load())
	assert.Zero(t, pub.drain())
}

func TestScheduler_ThrottledTickIsSimulated(t *testing.T) {
	clock := newFakeClock()
	src := priceSource(150)
	pub := newFakePublisher()
	rec := &recorder{}
	s := newScheduler(t, src, pub, clock, func(o *Options) { o.Recorder = rec })

	require.NoError(t, s.StartEvery("AAPL", 10*time.Millisecond))

	first := pub.next(t).quote
	assert.False(t, first.IsSimulated)
	assert.Equal(t, 150.0, first.Price)
	assert.Equal(t, "AAPL", first.Symbol)
	assert.Equal(t, clock.Now(), first.Timestamp)

	// 时钟不动：下一轮在 5s 节流窗口内
	second := pub.next(t).quote
	assert.True(t, second.IsSimulated)
	assert.InDelta(t, 150.0, second.Price, 150*0.005+0.01)
	assert.GreaterOrEqual(t, second.Volume, int64(1000))
	assert.LessOrEqual(t, second.Volume, int64(100000))

	assert.Equal(t, int32(1), src.calls.Load())
	require.Equal(t, 1, rec.len())
	rec.mu.Lock()
	assert.Equal(t, clock.Now(), rec.quotes[0].Timestamp, "recorded with generation time")
	rec.mu.Unlock()
}

func TestScheduler_RealFetchAfterMinInterval(t *testing.T) {
	clock := newFakeClock()
	src := priceSource(150)
	pub := newFakePublisher()
	s := newScheduler(t, src, pub, clock, nil)

	require.NoError(t, s.StartEvery("AAPL", 10*time.Millisecond))
	require.False(t, pub.next(t).quote.IsSimulated)

	clock.Advance(5 * time.Second)
	assert.Eventually(t, func() bool { return src.calls.Load() == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestScheduler_UpstreamFailureFallsBackToSimulation(t *testing.T) {
	src := &fakeSource{fn: func(int32, string) (model.Quote, error) {
		return model.Quote{}, errors.New("provider down")
	}}
	pub := newFakePublisher()
	s := newScheduler(t, src, pub, newFakeClock(), nil)

	require.NoError(t, s.Start("MSFT"))
	q := pub.next(t).quote
	assert.True(t, q.IsSimulated)
	assert.InDelta(t, 100.0, q.Price, 0.51)
	assert.True(t, s.IsActive("MSFT"))
}

func TestScheduler_FailedFetchDoesNotMarkRealFetch(t *testing.T) {
	src := &fakeSource{fn: func(n int32, symbol string) (model.Quote, error) {
		if n == 1 {
			return model.Quote{}, mdsource.ErrNoData
		}
		return model.Quote{Symbol: symbol, Price: 42}, nil
	}}
	pub := newFakePublisher()
	s := newScheduler(t, src, pub, newFakeClock(), nil)

	require.NoError(t, s.StartEvery("TSLA", 10*time.Millisecond))
	assert.True(t, pub.next(t).quote.IsSimulated)

	// 时钟没动，但上一轮没有成功拉取，所以这一轮仍然打上游
	q := pub.next(t).quote
	assert.False(t, q.IsSimulated)
	assert.Equal(t, 42.0, q.Price)
}

func TestScheduler_PanicIsContained(t *testing.T) {
	src := &fakeSource{fn: func(n int32, symbol string) (model.Quote, error) {
		if n == 1 {
			panic("boom")
		}
		return model.Quote{Symbol: symbol, Price: 10}, nil
	}}
	pub := newFakePublisher()
	s := newScheduler(t, src, pub, newFakeClock(), nil)

	require.NoError(t, s.StartEvery("NVDA", 10*time.Millisecond))
	q := pub.next(t).quote
	assert.Equal(t, 10.0, q.Price)
	assert.True(t, s.IsActive("NVDA"))
}

func TestScheduler_StopWaitsAndIsIdempotent(t *testing.T) {
	pub := newFakePublisher()
	s := newScheduler(t, priceSource(1), pub, newFakeClock(), nil)

	require.NoError(t, s.StartEvery("AAPL", 5*time.Millisecond))
	pub.next(t)

	s.Stop("AAPL")
	s.Stop("AAPL")
	s.Stop("NEVER")
	assert.False(t, s.IsActive("AAPL"))

	pub.drain()
	time.Sleep(40 * time.Millisecond)
	assert.Zero(t, pub.drain(), "no publish after Stop returned")
}

func TestScheduler_StateSurvivesRestart(t *testing.T) {
	clock := newFakeClock()
	src := priceSource(200)
	pub := newFakePublisher()
	s := newScheduler(t, src, pub, clock, nil)

	require.NoError(t, s.Start("AAPL"))
	require.False(t, pub.next(t).quote.IsSimulated)
	s.Stop("AAPL")

	// 重启后仍在节流窗口内：从上次的基准价继续模拟
	require.NoError(t, s.Start("AAPL"))
	q := pub.next(t).quote
	assert.True(t, q.IsSimulated)
	assert.InDelta(t, 200.0, q.Price, 200*0.005+0.01)
	assert.Equal(t, int32(1), src.calls.Load())
}

func TestScheduler_StopDropsExpiredState(t *testing.T) {
	clock := newFakeClock()
	pub := newFakePublisher()
	s := newScheduler(t, priceSource(10), pub, clock, nil)

	require.NoError(t, s.Start("AAPL"))
	pub.next(t)
	s.Stop("AAPL")
	s.mu.Lock()
	_, kept := s.states["AAPL"]
	s.mu.Unlock()
	assert.True(t, kept, "still inside the fetch window")

	require.NoError(t, s.Start("AAPL"))
	pub.next(t)
	clock.Advance(5 * time.Second)
	s.Stop("AAPL")

	// 上游一直失败的 symbol 停下时也不留状态
	failing := newScheduler(t, &fakeSource{fn: func(int32, string) (model.Quote, error) {
		return model.Quote{}, mdsource.ErrNoData
	}}, newFakePublisher(), clock, nil)
	require.NoError(t, failing.Start("JUNK1"))
	require.NoError(t, failing.Start("JUNK2"))
	failing.Stop("JUNK1")
	failing.Stop("JUNK2")

	s.mu.Lock()
	assert.Empty(t, s.states)
	s.mu.Unlock()
	failing.mu.Lock()
	assert.Empty(t, failing.states)
	failing.mu.Unlock()
}

func TestScheduler_StopIfIdle(t *testing.T) {
	pub := newFakePublisher()
	s := newScheduler(t, priceSource(1), pub, newFakeClock(), nil)
	require.NoError(t, s.Start("AAPL"))

	assert.False(t, s.StopIfIdle("AAPL", func() bool { return false }))
	assert.True(t, s.IsActive("AAPL"))

	assert.True(t, s.StopIfIdle("AAPL", func() bool { return true }))
	assert.False(t, s.IsActive("AAPL"))
	assert.False(t, s.StopIfIdle("AAPL", func() bool { return true }))
}

func TestScheduler_CloseStopsEverything(t *testing.T) {
	pub := newFakePublisher()
	s := New(priceSource(1), pub, Options{Interval: 5 * time.Millisecond})
	require.NoError(t, s.Start("AAPL"))
	require.NoError(t, s.Start("MSFT"))

	s.Close()
	s.Close()

	assert.Empty(t, s.Active())
	assert.ErrorIs(t, s.Start("AAPL"), ErrClosed)
}

func TestSimulate_Bounds(t *testing.T) {
	for _, r := range []float64{0, 0.25, 0.5, 0.999999} {
		s := New(priceSource(1), newFakePublisher(), Options{Rand: func() float64 { return r }})
		st := &symbolState{}
		q := s.simulate("AAPL", st)

		assert.True(t, q.IsSimulated)
		assert.Equal(t, "AAPL", q.Symbol)
		assert.InDelta(t, 100.0, q.Price, 0.5+1e-9)
		assert.InDelta(t, 0, q.Change, 0.5+1e-9)
		assert.GreaterOrEqual(t, q.Volume, int64(1000))
		assert.LessOrEqual(t, q.Volume, int64(100000))
		// 基准价跟着走
		assert.InDelta(t, q.Price, st.base, 0.005+1e-9)
		s.Close()
	}
}

func TestRound2(t *testing.T) {
	assert.Equal(t, 100.5, round2(100.499999))
	assert.Equal(t, 99.99, round2(99.994))
}
