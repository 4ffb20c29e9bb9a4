package gateway

import (
	"context"

	"alphaquant.com/internal/quotes/topic"
	"alphaquant.com/internal/quotes/wsmetrics"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
)

// wireMsg broker 上传输的一条发布请求
type wireMsg struct {
	Origin   string          `json:"origin"`
	Channel  string          `json:"channel"`
	Coalesce bool            `json:"coalesce"`
	Data     json.RawMessage `json:"data"`
}

// HubPublisher 本地 Hub 的发布入口
type HubPublisher interface {
	Publish(ctx context.Context, channel string, data any, coalesce bool) error
}

// Publisher 把发布请求写到 broker；所有节点的 Relay 会把它转进各自的 Hub
type Publisher struct {
	broker Broker
	topic  string
	origin string
}

func NewPublisher(broker Broker, topic, origin string) *Publisher {
	return &Publisher{broker: broker, topic: topic, origin: origin}
}

func (p *Publisher) Publish(ctx context.Context, channel string, data any, coalesce bool) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	b, err := json.Marshal(wireMsg{Origin: p.origin, Channel: channel, Coalesce: coalesce, Data: raw})
	if err != nil {
		return err
	}
	return p.broker.Publish(ctx, p.topic, b)
}

// StreamChecker 本节点是否正在跑某个 symbol 的行情流
type StreamChecker interface {
	IsActive(symbol string) bool
}

// Relay 订阅 broker，把收到的发布请求转进本地 Hub
//
// 设置了 Local 后：别的节点发来的行情，如果本节点自己也在跑这个 symbol，就丢掉，
// 一个频道上只出现一条价格序列。
type Relay struct {
	hub    HubPublisher
	broker Broker
	topic  string
	log    *zap.Logger

	origin  string
	streams StreamChecker
}

func NewRelay(hub HubPublisher, broker Broker, topic string, log *zap.Logger) *Relay {
	if log == nil {
		log = zap.NewNop()
	}
	return &Relay{hub: hub, broker: broker, topic: topic, log: log}
}

// Local 设置本节点标识和本地行情流
func (r *Relay) Local(origin string, streams StreamChecker) *Relay {
	r.origin = origin
	r.streams = streams
	return r
}

// Run 阻塞直到 ctx 结束
func (r *Relay) Run(ctx context.Context) error {
	ch, err := r.broker.Subscribe(ctx, []string{r.topic})
	if err != nil {
		return err
	}
	r.log.Info("relay subscribed", zap.String("topic", r.topic))

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			r.forward(ctx, m)
		}
	}
}

func (r *Relay) forward(ctx context.Context, m Message) {
	var w wireMsg
	if err := json.Unmarshal(m.Payload, &w); err != nil || w.Channel == "" {
		r.log.Warn("relay: bad message", zap.String("topic", m.Topic), zap.Error(err))
		return
	}
	if r.shadowed(w) {
		wsmetrics.DroppedTotal.WithLabelValues("foreign_origin").Inc()
		return
	}
	// RawMessage 原样嵌进信封，不再二次解码
	if err := r.hub.Publish(ctx, w.Channel, w.Data, w.Coalesce); err != nil {
		r.log.Debug("relay: hub publish failed", zap.String("channel", w.Channel), zap.Error(err))
	}
}

// shadowed 外来消息所在 symbol 本节点也有行情流
func (r *Relay) shadowed(w wireMsg) bool {
	if r.streams == nil || w.Origin == r.origin {
		return false
	}
	sym, ok := topic.SymbolOf(w.Channel)
	return ok && r.streams.IsActive(sym)
}
