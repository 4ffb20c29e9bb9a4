package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"alphaquant.com/internal/quotes/topic"
	"alphaquant.com/internal/quotes/wsmetrics"
	"alphaquant.com/pkg/common"
	"alphaquant.com/pkg/ratelimit"
	"alphaquant.com/pkg/safe"
	"github.com/gorilla/websocket"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// Streamer 订阅某个 symbol 时确保其行情流在跑
type Streamer interface {
	Start(symbol string) error
}

// CommandQuota 单连接指令限流
type CommandQuota struct {
	MaxRequests int           `mapstructure:"max_requests"`
	Window      time.Duration `mapstructure:"window"`
}

type Server struct {
	Hub      *Hub
	Streams  Streamer
	Limiter  *ratelimit.Controller // nil 表示不限流
	Quota    CommandQuota
	Upgrader websocket.Upgrader

	PongWait   time.Duration
	PingPeriod time.Duration
	WriteWait  time.Duration
	ReadLimit  int64

	ctx context.Context
	log *zap.Logger
}

func NewServer(ctx context.Context, h *Hub, streams Streamer, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		Hub:     h,
		Streams: streams,
		Quota:   CommandQuota{MaxRequests: 30, Window: 10 * time.Second},
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // 跨域由 cors 中间件统一处理
		},
		PongWait:   60 * time.Second,
		PingPeriod: 30 * time.Second,
		WriteWait:  5 * time.Second,
		ReadLimit:  4 << 10,
		ctx:        ctx,
		log:        log,
	}
}

// ServeMarket /ws/market?client_id=xxx ：连上后通过指令订阅
func (s *Server) ServeMarket(w http.ResponseWriter, r *http.Request) {
	s.serve(w, r, nil)
}

// ServeTicker /ws/ticker?symbols=AAPL,MSFT ：连上即订阅，之后同样接受指令
func (s *Server) ServeTicker(w http.ResponseWriter, r *http.Request) {
	symbols := topic.SplitList(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		http.Error(w, "missing symbols", http.StatusBadRequest)
		return
	}
	s.serve(w, r, symbols)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, initial []string) {
	wsConn, err := s.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade 已经写过错误响应
		s.log.Debug("ws upgrade failed", zap.Error(err))
		return
	}
	conn := NewConn(wsConn, s.WriteWait)

	id := r.URL.Query().Get("client_id")
	if id == "" {
		id = common.New()
	}

	channels := make([]string, 0, len(initial))
	for _, sym := range initial {
		channels = append(channels, topic.ChannelFor(sym))
	}
	// 先登记成员关系再拉起行情流，空闲回收看到的就是非空频道
	if err := s.Hub.Connect(conn, id, channels...); err != nil {
		_ = conn.Close()
		return
	}
	defer s.Hub.DisconnectSender(id, conn)

	if len(initial) > 0 {
		s.startStreams(initial)
		if err := s.reply(conn, ServerEvent{Event: EventSubscribed, Symbols: initial}); err != nil {
			return
		}
	}

	safe.Go(func() { s.pingLoop(conn) })
	s.readLoop(conn, id)
}

func (s *Server) readLoop(conn *Conn, id string) {
	wc := conn.ws
	wc.SetReadLimit(s.ReadLimit)
	_ = wc.SetReadDeadline(time.Now().Add(s.PongWait))
	wc.SetPongHandler(func(string) error {
		_ = wc.SetReadDeadline(time.Now().Add(s.PongWait))
		return nil
	})

	for {
		if s.ctx.Err() != nil {
			return
		}
		_, b, err := wc.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				s.log.Debug("ws read ended", zap.String("client_id", id), zap.Error(err))
			}
			return
		}
		ev := s.handle(s.ctx, id, b)
		if err := s.reply(conn, ev); err != nil {
			return
		}
	}
}

// handle 处理一条客户端指令，返回要回给该连接的事件
func (s *Server) handle(ctx context.Context, id string, raw []byte) ServerEvent {
	if s.Limiter != nil && s.Quota.MaxRequests > 0 {
		res, err := s.Limiter.Check(ctx, "ws_command", "ratelimit:ws:"+id, s.Quota.MaxRequests, s.Quota.Window)
		if err != nil {
			wsmetrics.CommandsTotal.WithLabelValues("unavailable").Inc()
			return errorEvent(msgUnavailable)
		}
		if res.Blocked {
			wsmetrics.CommandsTotal.WithLabelValues("limited").Inc()
			return errorEvent(msgRateLimited)
		}
	}

	var msg ClientMsg
	if err := json.Unmarshal(raw, &msg); err != nil {
		wsmetrics.CommandsTotal.WithLabelValues("invalid").Inc()
		return errorEvent(msgInvalidJSON)
	}
	symbols := topic.NormalizeAll(msg.Symbols)
	if len(symbols) == 0 || (msg.Action != ActionSubscribe && msg.Action != ActionUnsubscribe) {
		wsmetrics.CommandsTotal.WithLabelValues("invalid").Inc()
		return errorEvent(msgInvalidCommand)
	}

	wsmetrics.CommandsTotal.WithLabelValues("ok").Inc()
	if msg.Action == ActionSubscribe {
		// 连接已被 Hub 移除时 Subscribe 返回 false，这些 symbol 不拉起行情流
		accepted := make([]string, 0, len(symbols))
		for _, sym := range symbols {
			if s.Hub.Subscribe(id, topic.ChannelFor(sym)) {
				accepted = append(accepted, sym)
			}
		}
		s.startStreams(accepted)
		return ServerEvent{Event: EventSubscribed, Symbols: accepted}
	}

	for _, sym := range symbols {
		s.Hub.Unsubscribe(id, topic.ChannelFor(sym))
	}
	return ServerEvent{Event: EventUnsubscribed, Symbols: symbols}
}

func (s *Server) startStreams(symbols []string) {
	if s.Streams == nil {
		return
	}
	for _, sym := range symbols {
		if err := s.Streams.Start(sym); err != nil {
			s.log.Warn("start stream failed", zap.String("symbol", sym), zap.Error(err))
		}
	}
	// 订阅和 Start 之间频道可能已经空了，补发一次空闲通知
	channels := make([]string, len(symbols))
	for i, sym := range symbols {
		channels[i] = topic.ChannelFor(sym)
	}
	s.Hub.recheckIdle(channels...)
}

func (s *Server) reply(conn *Conn, ev ServerEvent) error {
	ctx, cancel := context.WithTimeout(s.ctx, s.WriteWait)
	defer cancel()
	return conn.Send(ctx, encodeEvent(ev))
}

func (s *Server) pingLoop(conn *Conn) {
	ticker := time.NewTicker(s.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				wsmetrics.PingErrorsTotal.Inc()
				_ = conn.Close()
				return
			}
		case <-conn.Done():
			return
		case <-s.ctx.Done():
			_ = conn.Close()
			return
		}
	}
}
