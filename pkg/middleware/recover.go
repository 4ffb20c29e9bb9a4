package middleware

import (
	"net/http"
	"runtime/debug"

	"alphaquant.com/pkg/common"
	"alphaquant.com/pkg/logger"
	"alphaquant.com/pkg/metrics"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Recover handler 内的 panic 转成 500；ws 升级后的连接不在这里，由 pkg/safe 兜底
func Recover() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}
			metrics.PanicTotal.WithLabelValues("http").Inc()
			logger.Error(c.Request.Context(), "http panic",
				zap.String("method", c.Request.Method),
				zap.String("path", c.Request.URL.Path),
				zap.String("request_id", common.RequestIDFromGin(c)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			// 已经开始写响应就只能断掉
			if !c.Writer.Written() {
				common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
			}
			c.Abort()
		}()
		c.Next()
	}
}
