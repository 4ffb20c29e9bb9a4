package ws

import (
	"github.com/segmentio/encoding/json"
)

// 客户端指令
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
)

// 服务端事件
const (
	EventSubscribed   = "subscribed"
	EventUnsubscribed = "unsubscribed"
	EventError        = "error"
)

const (
	msgInvalidJSON    = "Invalid JSON message"
	msgInvalidCommand = "Invalid action or missing symbols"
	msgRateLimited    = "rate limit exceeded"
	msgUnavailable    = "Service temporarily unavailable"
)

type ClientMsg struct {
	Action  string   `json:"action"`  // "subscribe" | "unsubscribe"
	Symbols []string `json:"symbols"` // e.g. ["AAPL","MSFT"]
}

// ServerEvent 对指令的回执，以及错误通知
type ServerEvent struct {
	Event   string   `json:"event"`
	Symbols []string `json:"symbols,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Envelope 广播帧：{"channel":"stock:AAPL","data":{...}}
type Envelope struct {
	Channel string `json:"channel"`
	Data    any    `json:"data"`
}

// EncodeEnvelope 每次广播只编码一次，所有订阅者共享同一份字节
func EncodeEnvelope(channel string, data any) ([]byte, error) {
	return json.Marshal(Envelope{Channel: channel, Data: data})
}

func encodeEvent(ev ServerEvent) []byte {
	b, err := json.Marshal(ev)
	if err != nil {
		// ServerEvent 只有字符串字段，不会失败
		return []byte(`{"event":"error"}`)
	}
	return b
}

func errorEvent(msg string) ServerEvent {
	return ServerEvent{Event: EventError, Message: msg}
}
