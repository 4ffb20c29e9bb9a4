package gateway

import (
	"context"
	"strings"
	"time"

	"alphaquant.com/internal/quotes/wsmetrics"
	"alphaquant.com/pkg/xerr"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsBroker 用 core NATS 做节点间的行情转发；topic 里的冒号映射成 subject 的点
type NatsBroker struct {
	nc  *nats.Conn
	log *zap.Logger
}

// NewNatsBroker 连不上视为启动失败；之后的断线由客户端自动重连，只记日志
func NewNatsBroker(url, name string, log *zap.Logger, opts ...nats.Option) (*NatsBroker, error) {
	if log == nil {
		log = zap.NewNop()
	}
	base := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectHandler(func(nc *nats.Conn) {
			log.Warn("nats disconnected", zap.Error(nc.LastError()))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, xerr.Fatal(err, "nats.connect")
	}
	log.Info("nats connected", zap.String("url", nc.ConnectedUrl()))
	return &NatsBroker{nc: nc, log: log}, nil
}

func (b *NatsBroker) Publish(_ context.Context, topic string, payload []byte) error {
	if err := b.nc.Publish(topicToSubject(topic), payload); err != nil {
		return xerr.Transport(err, "nats.publish")
	}
	return nil
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message, subscribeBuffer)
	done := make(chan struct{})
	subs := make([]*nats.Subscription, 0, len(topics))

	handle := func(m *nats.Msg) {
		select {
		case <-done:
		case out <- Message{Topic: subjectToTopic(m.Subject), Payload: m.Data}:
		default:
			// 不能卡住 NATS 的回调协程
			wsmetrics.DroppedTotal.WithLabelValues("relay_backlog").Inc()
		}
	}

	for _, t := range topics {
		sub, err := b.nc.Subscribe(topicToSubject(t), handle)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, xerr.Transport(err, "nats.subscribe")
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		// 回调可能仍在途，out 不关闭
		close(done)
	}()
	return out, nil
}

// Close 先 Drain 让已发出的消息落地
func (b *NatsBroker) Close() error {
	if b.nc == nil {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.log.Debug("nats drain", zap.Error(err))
		b.nc.Close()
	}
	return nil
}

func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
func subjectToTopic(subj string) string  { return strings.ReplaceAll(subj, ".", ":") }
