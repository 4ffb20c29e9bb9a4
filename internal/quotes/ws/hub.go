package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"alphaquant.com/internal/quotes/wsmetrics"
	"alphaquant.com/pkg/safe"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrHubClosed = errors.New("hub closed")

// Sender 一个连接的发送端；Hub 只依赖这个接口
//
// Send 需要支持并发调用，并尊重 ctx 的 deadline
type Sender interface {
	Send(ctx context.Context, msg []byte) error
	Close() error
}

type HubOptions struct {
	FlushInterval time.Duration // 合并缓冲刷新周期，默认 100ms
	SendTimeout   time.Duration // 单个连接单次发送上限，默认 5s
	Logger        *zap.Logger
}

// 单次唤醒最多写出的条数，订阅频道极多时分批写
const maxDrain = 256

type client struct {
	id       string
	sender   Sender
	channels map[string]struct{} // 受 Hub.mu 保护

	// 发件箱：每个频道只留最新一条，由该连接自己的 pump 写出
	boxMu  sync.Mutex
	latest map[string][]byte
	notify chan struct{} // 缓冲 1，合并唤醒
	done   chan struct{}
	once   sync.Once
}

func newClient(id string, sender Sender, n int) *client {
	return &client{
		id:       id,
		sender:   sender,
		channels: make(map[string]struct{}, n),
		latest:   make(map[string][]byte, 8),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// offer 覆盖该频道尚未写出的旧消息，不阻塞
func (c *client) offer(channel string, msg []byte) {
	select {
	case <-c.done:
		return
	default:
	}
	c.boxMu.Lock()
	if _, stale := c.latest[channel]; stale {
		wsmetrics.DroppedTotal.WithLabelValues("slow_consumer").Inc()
	}
	c.latest[channel] = msg
	c.boxMu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

type outMsg struct {
	channel string
	body    []byte
}

// drain 取出最多 maxDrain 条；more 表示还有剩余
func (c *client) drain() (out []outMsg, more bool) {
	c.boxMu.Lock()
	defer c.boxMu.Unlock()
	if len(c.latest) == 0 {
		return nil, false
	}
	out = make([]outMsg, 0, min(len(c.latest), maxDrain))
	for ch, msg := range c.latest {
		if len(out) == maxDrain {
			return out, true
		}
		out = append(out, outMsg{channel: ch, body: msg})
		delete(c.latest, ch)
	}
	return out, false
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// Hub 连接注册表 + 频道成员表 + 每频道单槽合并缓冲
//
// 成员表在锁内取快照，I/O 一律在锁外；某个连接发送失败只踢掉它自己。
// 合并消息经每个连接自己的发件箱写出，慢连接拖不住别的连接和别的频道。
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*client
	channels map[string]map[string]*client // channel -> id -> client

	pendMu  sync.Mutex
	pending map[string]any // channel -> 最新一条待发 payload

	idleMu sync.RWMutex
	onIdle func(channel string)

	flushInterval time.Duration
	sendTimeout   time.Duration
	log           *zap.Logger

	ctx      context.Context
	cancel   context.CancelFunc
	closed   atomic.Bool
	loopMu   sync.Mutex
	loopDone chan struct{} // nil 表示刷新循环还没启动
	pumps    sync.WaitGroup
}

func NewHub(opt HubOptions) *Hub {
	if opt.FlushInterval <= 0 {
		opt.FlushInterval = 100 * time.Millisecond
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = 5 * time.Second
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:       make(map[string]*client, 1024),
		channels:      make(map[string]map[string]*client, 1024),
		pending:       make(map[string]any, 256),
		flushInterval: opt.FlushInterval,
		sendTimeout:   opt.SendTimeout,
		log:           opt.Logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// OnIdle 注册频道变空时的回调；回调在独立协程里执行
func (h *Hub) OnIdle(fn func(channel string)) {
	h.idleMu.Lock()
	h.onIdle = fn
	h.idleMu.Unlock()
}

// Connect 注册连接并加入初始频道；首次注册时启动刷新循环
//
// 同一 id 重复注册：新 sender 替换旧的（旧的被关闭），已有频道成员关系保留。
func (h *Hub) Connect(sender Sender, id string, channels ...string) error {
	if h.closed.Load() {
		return ErrHubClosed
	}

	h.mu.Lock()
	if h.closed.Load() {
		h.mu.Unlock()
		return ErrHubClosed
	}
	old := h.clients[id]
	c := newClient(id, sender, len(channels)+4)
	if old != nil {
		for ch := range old.channels {
			c.channels[ch] = struct{}{}
		}
	}
	for _, ch := range channels {
		c.channels[ch] = struct{}{}
	}
	h.clients[id] = c
	for ch := range c.channels {
		h.memberSet(ch)[id] = c
	}
	h.pumps.Add(1)
	h.mu.Unlock()
	go h.pump(c)

	if old != nil {
		old.stop()
		if old.sender != sender {
			_ = old.sender.Close()
		}
		wsmetrics.ConnCloseTotal.WithLabelValues("replaced").Inc()
		wsmetrics.ConnOpenTotal.Inc()
	} else {
		wsmetrics.OnOpen()
	}
	h.ensureFlushLoop()
	h.log.Debug("ws client registered", zap.String("client_id", id), zap.Strings("channels", channels))
	return nil
}

// Disconnect 幂等：关闭 sender，并从所有频道移除该 id
func (h *Hub) Disconnect(id string) {
	h.remove(id, nil, "client")
}

// DisconnectSender 只有当 id 当前绑定的仍是 sender 时才移除；
// 连接自己的读循环退出时用它，避免误踢同 id 的新连接
func (h *Hub) DisconnectSender(id string, sender Sender) {
	h.remove(id, func(c *client) bool { return c.sender == sender }, "client")
}

func (h *Hub) remove(id string, match func(*client) bool, reason string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if !ok || (match != nil && !match(c)) {
		h.mu.Unlock()
		return
	}
	delete(h.clients, id)
	idle := h.leaveAllLocked(c)
	h.mu.Unlock()

	c.stop()
	_ = c.sender.Close()
	wsmetrics.OnClose(reason)
	h.notifyIdle(idle)
	h.log.Debug("ws client removed", zap.String("client_id", id), zap.String("reason", reason))
}

func (h *Hub) leaveAllLocked(c *client) []string {
	var idle []string
	for ch := range c.channels {
		set := h.channels[ch]
		if set == nil {
			continue
		}
		delete(set, c.id)
		if len(set) == 0 {
			delete(h.channels, ch)
			idle = append(idle, ch)
		}
	}
	return idle
}

// Subscribe 把已注册的 id 加入频道；id 不存在返回 false
func (h *Hub) Subscribe(id, channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[id]
	if !ok {
		return false
	}
	c.channels[channel] = struct{}{}
	h.memberSet(channel)[id] = c
	wsmetrics.SubOpsTotal.WithLabelValues("sub").Inc()
	return true
}

// Unsubscribe 返回是否真的移除了成员关系
func (h *Hub) Unsubscribe(id, channel string) bool {
	h.mu.Lock()
	c, ok := h.clients[id]
	if !ok {
		h.mu.Unlock()
		return false
	}
	if _, in := c.channels[channel]; !in {
		h.mu.Unlock()
		return false
	}
	delete(c.channels, channel)
	var idle []string
	if set := h.channels[channel]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(h.channels, channel)
			idle = append(idle, channel)
		}
	}
	h.mu.Unlock()

	wsmetrics.SubOpsTotal.WithLabelValues("unsub").Inc()
	h.notifyIdle(idle)
	return true
}

// memberSet 调用方持有写锁
func (h *Hub) memberSet(channel string) map[string]*client {
	set := h.channels[channel]
	if set == nil {
		set = make(map[string]*client, 16)
		h.channels[channel] = set
	}
	return set
}

func (h *Hub) Members(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Channels 频道 -> 订阅数 的快照
func (h *Hub) Channels() map[string]int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]int, len(h.channels))
	for ch, set := range h.channels {
		out[ch] = len(set)
	}
	return out
}

// Publish 广播 data 到频道
//
// coalesce=true 时写入单槽缓冲，刷新前的多次发布只保留最后一条；
// 否则立即编码并扇出。频道当前无人订阅时直接丢弃。
func (h *Hub) Publish(ctx context.Context, channel string, data any, coalesce bool) error {
	if h.closed.Load() {
		return ErrHubClosed
	}
	if h.Members(channel) == 0 {
		wsmetrics.DroppedTotal.WithLabelValues("no_subscriber").Inc()
		return nil
	}

	if coalesce {
		h.pendMu.Lock()
		if _, replaced := h.pending[channel]; replaced {
			wsmetrics.DroppedTotal.WithLabelValues("coalesced").Inc()
		}
		h.pending[channel] = data
		h.pendMu.Unlock()
		return nil
	}

	msg, err := EncodeEnvelope(channel, data)
	if err != nil {
		wsmetrics.DroppedTotal.WithLabelValues("encode").Inc()
		return err
	}
	h.fanout(ctx, channel, msg)
	return nil
}

// Flush 排空合并缓冲，每个频道编码一次，投递到各订阅者的发件箱后立即返回
func (h *Hub) Flush(ctx context.Context) {
	h.pendMu.Lock()
	if len(h.pending) == 0 {
		h.pendMu.Unlock()
		return
	}
	batch := h.pending
	h.pending = make(map[string]any, len(batch))
	h.pendMu.Unlock()

	for ch, data := range batch {
		if ctx.Err() != nil {
			return
		}
		msg, err := EncodeEnvelope(ch, data)
		if err != nil {
			wsmetrics.DroppedTotal.WithLabelValues("encode").Inc()
			h.log.Warn("encode envelope failed", zap.String("channel", ch), zap.Error(err))
			continue
		}
		for _, c := range h.snapshot(ch) {
			c.offer(ch, msg)
		}
	}
	wsmetrics.ObserveFlush(len(batch))
}

// snapshot 锁内复制成员列表
func (h *Hub) snapshot(channel string) []*client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.channels[channel]
	out := make([]*client, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// fanout 立即发布用：每个订阅者一个协程，单个发送受 sendTimeout 约束
func (h *Hub) fanout(ctx context.Context, channel string, msg []byte) {
	targets := h.snapshot(channel)
	if len(targets) == 0 {
		return
	}

	var g errgroup.Group
	for _, c := range targets {
		g.Go(func() error {
			h.send(ctx, c, channel, msg)
			return nil
		})
	}
	_ = g.Wait()
}

// send 失败时只移除这一个连接（且仅当 id 仍绑定它）
func (h *Hub) send(ctx context.Context, c *client, channel string, msg []byte) bool {
	sctx, cancel := context.WithTimeout(ctx, h.sendTimeout)
	defer cancel()
	start := time.Now()
	err := c.sender.Send(sctx, msg)
	wsmetrics.ObserveWrite(len(msg), time.Since(start), err)
	if err == nil {
		return true
	}
	h.log.Warn("ws send failed, dropping client",
		zap.String("client_id", c.id),
		zap.String("channel", channel),
		zap.Error(err),
	)
	h.remove(c.id, func(cur *client) bool { return cur == c }, "send_error")
	return false
}

// pump 连接自己的写协程，把发件箱里的最新消息写出去
func (h *Hub) pump(c *client) {
	defer h.pumps.Done()
	for {
		select {
		case <-c.done:
			return
		case <-h.ctx.Done():
			return
		case <-c.notify:
		}
		msgs, more := c.drain()
		for _, m := range msgs {
			if !h.send(h.ctx, c, m.channel, m.body) {
				return
			}
		}
		if more {
			select {
			case c.notify <- struct{}{}:
			default:
			}
		}
	}
}

// recheckIdle 对当前已经没有成员的频道补发空闲通知
func (h *Hub) recheckIdle(channels ...string) {
	var idle []string
	h.mu.RLock()
	for _, ch := range channels {
		if len(h.channels[ch]) == 0 {
			idle = append(idle, ch)
		}
	}
	h.mu.RUnlock()
	h.notifyIdle(idle)
}

func (h *Hub) notifyIdle(channels []string) {
	if len(channels) == 0 {
		return
	}
	h.idleMu.RLock()
	fn := h.onIdle
	h.idleMu.RUnlock()
	if fn == nil {
		return
	}
	safe.Go(func() {
		for _, ch := range channels {
			fn(ch)
		}
	})
}

func (h *Hub) ensureFlushLoop() {
	h.loopMu.Lock()
	defer h.loopMu.Unlock()
	if h.loopDone != nil || h.closed.Load() {
		return
	}
	h.loopDone = make(chan struct{})
	go h.flushLoop(h.loopDone)
}

func (h *Hub) flushLoop(done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(h.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			_ = safe.Call(h.ctx, "hub.flush", func() error {
				h.Flush(h.ctx)
				return nil
			})
		}
	}
}

// Close 停止刷新循环并关闭所有连接；幂等
func (h *Hub) Close() {
	if !h.closed.CompareAndSwap(false, true) {
		return
	}
	h.cancel()

	h.loopMu.Lock()
	done := h.loopDone
	h.loopMu.Unlock()
	if done != nil {
		<-done
	}

	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[string]*client)
	h.channels = make(map[string]map[string]*client)
	h.mu.Unlock()

	for _, c := range clients {
		c.stop()
		_ = c.sender.Close()
		wsmetrics.OnClose("shutdown")
	}
	h.pumps.Wait()
	h.log.Info("hub closed", zap.Int("clients", len(clients)))
}
