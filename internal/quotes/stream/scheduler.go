package stream

import (
	"context"
	"errors"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"alphaquant.com/internal/quotes/datasource/model"
	"alphaquant.com/internal/quotes/mdsource"
	"alphaquant.com/internal/quotes/topic"
	"alphaquant.com/internal/quotes/wsmetrics"
	"alphaquant.com/pkg/safe"
	"go.uber.org/zap"
)

var ErrClosed = errors.New("scheduler closed")

// Publisher 行情的去向：本地 Hub，或者经 broker 转发
type Publisher interface {
	Publish(ctx context.Context, channel string, data any, coalesce bool) error
}

// Recorder 真实行情的旁路记录（历史库等），不能阻塞
type Recorder interface {
	Record(q model.Quote)
}

type Options struct {
	Interval         time.Duration `mapstructure:"interval"`           // tick 周期，默认 1s
	MinFetchInterval time.Duration `mapstructure:"min_fetch_interval"` // 两次真实拉取的最小间隔，默认 5s
	FetchTimeout     time.Duration `mapstructure:"fetch_timeout"`      // 单次上游调用上限，默认 3s
	MaxDrift         float64       `mapstructure:"max_drift"`          // 模拟波动幅度，默认 0.005
	DefaultBasePrice float64       `mapstructure:"default_base_price"` // 没有基准价时的起点，默认 100

	Logger   *zap.Logger      `mapstructure:"-"`
	Recorder Recorder         `mapstructure:"-"`
	Now      func() time.Time `mapstructure:"-"`
	Rand     func() float64   `mapstructure:"-"` // [0,1)
}

func (o *Options) withDefaults() {
	if o.Interval <= 0 {
		o.Interval = time.Second
	}
	if o.MinFetchInterval <= 0 {
		o.MinFetchInterval = 5 * time.Second
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = 3 * time.Second
	}
	if o.MaxDrift <= 0 {
		o.MaxDrift = 0.005
	}
	if o.DefaultBasePrice <= 0 {
		o.DefaultBasePrice = 100
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
}

// task 一个 symbol 的后台循环句柄
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler 每个 symbol 至多一个行情任务
//
// Start/Stop/StopIfIdle/Close 在同一把锁下串行；Stop 返回时任务协程已退出，
// 之后不会再有该任务的 Publish。
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*task
	states map[string]*symbolState
	closed bool

	source mdsource.Source
	pub    Publisher
	opts   Options
	log    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func New(source mdsource.Source, pub Publisher, opts Options) *Scheduler {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*task, 64),
		states: make(map[string]*symbolState, 64),
		source: source,
		pub:    pub,
		opts:   opts,
		log:    opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 使用默认周期
func (s *Scheduler) Start(symbol string) error {
	return s.StartEvery(symbol, s.opts.Interval)
}

// StartEvery 已在跑则什么都不做；否则立即执行一轮，然后按 interval 重复
func (s *Scheduler) StartEvery(symbol string, interval time.Duration) error {
	if interval <= 0 {
		interval = s.opts.Interval
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, ok := s.tasks[symbol]; ok {
		return nil
	}

	st := s.states[symbol]
	if st == nil {
		st = &symbolState{}
		s.states[symbol] = st
	}
	ctx, cancel := context.WithCancel(s.ctx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	s.tasks[symbol] = t
	wsmetrics.ActiveStreams.Inc()

	go s.run(ctx, t, symbol, interval, st)
	s.log.Info("stream started", zap.String("symbol", symbol), zap.Duration("interval", interval))
	return nil
}

// Stop 取消任务并等待其退出；symbol 不在跑时是 no-op
func (s *Scheduler) Stop(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked(symbol)
}

// StopIfIdle 在调度锁内再确认一次 idle()，为 true 才停；
// 与并发的 订阅+Start 串行，避免停掉刚被重新订阅的流
func (s *Scheduler) StopIfIdle(symbol string, idle func() bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[symbol]; !ok || !idle() {
		return false
	}
	s.stopLocked(symbol)
	return true
}

func (s *Scheduler) stopLocked(symbol string) {
	t, ok := s.tasks[symbol]
	if !ok {
		return
	}
	delete(s.tasks, symbol)
	t.cancel()
	<-t.done
	wsmetrics.ActiveStreams.Dec()

	// 节流窗口已过的状态不再有用，下次启动会重新拉取；任务已退出，可以直接读
	if st := s.states[symbol]; st != nil &&
		(st.lastFetch == 0 || s.opts.Now().Sub(time.Unix(0, st.lastFetch)) >= s.opts.MinFetchInterval) {
		delete(s.states, symbol)
	}
	s.log.Info("stream stopped", zap.String("symbol", symbol))
}

func (s *Scheduler) IsActive(symbol string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[symbol]
	return ok
}

// Active 正在推送的 symbol，按字典序
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.tasks))
	for sym := range s.tasks {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Close 停掉全部任务并等待退出；之后 Start 返回 ErrClosed
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for sym := range s.tasks {
		s.stopLocked(sym)
	}
	s.cancel()
}

func (s *Scheduler) run(ctx context.Context, t *task, symbol string, interval time.Duration, st *symbolState) {
	defer close(t.done)

	s.tick(ctx, symbol, st)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, symbol, st)
		}
	}
}

// tick 一轮 拉取或模拟 + 发布；任何错误或 panic 只影响这一轮
func (s *Scheduler) tick(ctx context.Context, symbol string, st *symbolState) {
	err := safe.Call(ctx, "stream.tick", func() error {
		q, err := s.fetchOrSimulate(ctx, symbol, st)
		if err != nil {
			return err
		}
		return s.pub.Publish(ctx, topic.ChannelFor(symbol), q, true)
	})
	if err != nil && ctx.Err() == nil {
		wsmetrics.StreamTicksTotal.WithLabelValues("error").Inc()
		s.log.Warn("stream tick failed", zap.String("symbol", symbol), zap.Error(err))
	}
}

func (s *Scheduler) fetchOrSimulate(ctx context.Context, symbol string, st *symbolState) (model.Quote, error) {
	now := s.opts.Now()
	if st.lastFetch != 0 && now.Sub(time.Unix(0, st.lastFetch)) < s.opts.MinFetchInterval {
		wsmetrics.StreamTicksTotal.WithLabelValues("throttled").Inc()
		q := s.simulate(symbol, st)
		q.Timestamp = now
		return q, nil
	}

	fctx, cancel := context.WithTimeout(ctx, s.opts.FetchTimeout)
	q, err := s.source.Latest(fctx, symbol)
	cancel()
	if ctx.Err() != nil {
		// 已被取消，这一轮不再发布
		return model.Quote{}, ctx.Err()
	}
	if err != nil || !q.Valid() {
		if err != nil {
			s.log.Debug("upstream fetch failed, simulating", zap.String("symbol", symbol), zap.Error(err))
		}
		wsmetrics.StreamTicksTotal.WithLabelValues("simulated").Inc()
		q := s.simulate(symbol, st)
		q.Timestamp = now
		return q, nil
	}

	st.base = q.Price
	st.lastFetch = now.UnixNano()
	q.Symbol = symbol
	q.IsSimulated = false
	q.Timestamp = now
	if s.opts.Recorder != nil {
		s.opts.Recorder.Record(q)
	}
	wsmetrics.StreamTicksTotal.WithLabelValues("real").Inc()
	return q, nil
}
