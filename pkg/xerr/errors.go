package xerr

import (
	"errors"
	"fmt"
)

// Kind 错误分类，决定错误在哪一层被消化
type Kind uint8

const (
	KindUnknown   Kind = iota
	KindProtocol       // 客户端指令格式错误：回 error 事件，连接保留
	KindTransport      // 单连接收发失败：只断开这一条连接
	KindUpstream       // 行情源失败/空数据：就地降级为模拟数据
	KindAdmission      // 限流拒绝：429 / ws error 事件
	KindBackend        // 限流计数存储不可用：按 fail-open/fail-closed 策略处理
	KindFatal          // 启动期构造失败：直接返回给进程
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindTransport:
		return "transport"
	case KindUpstream:
		return "upstream"
	case KindAdmission:
		return "admission"
	case KindBackend:
		return "backend"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Recoverable 报告该类错误是否在发生处被吸收，而不是向上抛。
func (k Kind) Recoverable() bool {
	switch k {
	case KindProtocol, KindTransport, KindUpstream, KindAdmission, KindBackend:
		return true
	default:
		return false
	}
}

type Error struct {
	Kind Kind
	Op   string // 出错的操作，例如 "yahoo.fetch"
	Msg  string // 对外可见的信息
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Err != nil && e.Msg != "":
		return fmt.Sprintf("%s: %s: %s: %v", e.Kind, e.Op, e.Msg, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Op, e.Msg)
	}
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

func Wrap(err error, kind Kind, op string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Protocol(op, msg string) error       { return New(KindProtocol, op, msg) }
func Transport(err error, op string) error { return Wrap(err, KindTransport, op) }
func Upstream(err error, op string) error  { return Wrap(err, KindUpstream, op) }
func Backend(err error, op string) error   { return Wrap(err, KindBackend, op) }
func Fatal(err error, op string) error     { return Wrap(err, KindFatal, op) }

// As 取出链路上第一个 *Error
func As(err error) (*Error, bool) {
	var xe *Error
	if errors.As(err, &xe) {
		return xe, true
	}
	return nil, false
}

// KindOf 返回错误分类；非 *Error 一律视为 KindUnknown
func KindOf(err error) Kind {
	if xe, ok := As(err); ok {
		return xe.Kind
	}
	return KindUnknown
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message 返回可以直接回给客户端的文案
func Message(err error) string {
	if xe, ok := As(err); ok && xe.Msg != "" {
		return xe.Msg
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
