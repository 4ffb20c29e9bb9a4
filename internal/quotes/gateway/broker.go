package gateway

import "context"

// Message broker 投递给订阅方的一条原始消息；Topic 统一用冒号分隔的形式
type Message struct {
	Topic   string
	Payload []byte
}

// Broker 跨节点消息通道；at-most-once，订阅方积压时丢消息而不是阻塞发布方
type Broker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe 在 ctx 结束后停止投递；调用方以 ctx 为准退出，不要依赖 chan 被关闭
	Subscribe(ctx context.Context, topics []string) (<-chan Message, error)
	Close() error
}

// 订阅方缓冲；行情本身会合并，积压说明 Hub 已经跟不上
const subscribeBuffer = 1024

var (
	_ Broker = (*MemBroker)(nil)
	_ Broker = (*NatsBroker)(nil)
)
