package safe

import (
	"context"
	"fmt"
	"runtime/debug"

	"alphaquant.com/pkg/logger"
	"alphaquant.com/pkg/metrics"
	"go.uber.org/zap"
)

// Go 启动一个带 recover 的协程
func Go(fn func()) {
	go func() {
		defer Recover(context.Background(), "goroutine")
		fn()
	}()
}

// GoCtx 启动携带 ctx 的协程，panic 日志里保留链路信息
func GoCtx(ctx context.Context, fn func(ctx context.Context)) {
	if ctx == nil {
		ctx = context.Background()
	}
	go func() {
		defer Recover(ctx, "goroutine")
		fn(ctx)
	}()
}

// Call 同步执行 fn，把 panic 转成 error 返回；后台循环里单次 tick 用它兜底
func Call(ctx context.Context, op string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicTotal.WithLabelValues("tick").Inc()
			logger.Error(ctx, "panic recovered",
				zap.String("op", op),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = fmt.Errorf("%s: panic: %v", op, r)
		}
	}()
	return fn()
}

// Recover 必须直接 defer 调用
func Recover(ctx context.Context, op string) {
	if r := recover(); r != nil {
		metrics.PanicTotal.WithLabelValues("goroutine").Inc()
		logger.Error(ctx, "goroutine panic recovered",
			zap.String("op", op),
			zap.Any("panic", r),
			zap.ByteString("stack", debug.Stack()),
		)
	}
}
