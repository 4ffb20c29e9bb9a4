package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"alphaquant.com/pkg/xerr"
	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("connection closed")

// Conn gorilla 连接上的 Sender 实现
//
// gorilla 同一时刻只允许一个写者，所以 Send 串行化；Close/WriteControl 可与其并发。
type Conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	writeWait time.Duration

	closeOnce sync.Once
	done      chan struct{}
}

func NewConn(ws *websocket.Conn, writeWait time.Duration) *Conn {
	if writeWait <= 0 {
		writeWait = 5 * time.Second
	}
	return &Conn{
		ws:        ws,
		writeWait: writeWait,
		done:      make(chan struct{}),
	}
}

func (c *Conn) Send(ctx context.Context, msg []byte) error {
	select {
	case <-c.done:
		return xerr.Transport(errConnClosed, "ws.send")
	default:
	}
	if err := ctx.Err(); err != nil {
		return xerr.Transport(err, "ws.send")
	}

	deadline := time.Now().Add(c.writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return xerr.Transport(err, "ws.send")
	}
	return nil
}

// Ping 控制帧，可与 Send 并发
func (c *Conn) Ping() error {
	return c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeWait))
}

// Close 幂等
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// Done 连接关闭后可读
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

var _ Sender = (*Conn)(nil)
