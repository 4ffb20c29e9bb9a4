package common

import (
	"net/http"
	"runtime/debug"

	"alphaquant.com/pkg/logger"
	"alphaquant.com/pkg/xerr"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// 业务码
const (
	CodeOK            = http.StatusOK
	CodeBadRequest    = 1001001
	CodeForbidden     = 1002003
	CodeRateLimited   = 1003001
	CodeUnavailable   = 1004001
	CodeUpstreamError = 1005001
	CodeInternal      = 5000000
)

// 定义http返回格式
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

func Success(ctx *gin.Context, data interface{}) {
	ctx.JSON(http.StatusOK, Response{
		Code:    CodeOK,
		Message: http.StatusText(http.StatusOK),
		Data:    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, message string) {
	c.JSON(httpStatus, Response{
		Code:    code,
		Message: message,
		Data:    nil,
	})
}

func FailLogged(c *gin.Context, httpStatus int, code int, msg string, err error) {
	logger.Warn(c.Request.Context(), "http error",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Int("biz_code", code),
		zap.String("message", msg),
		zap.Error(err),
		zap.ByteString("stack", debug.Stack()),
	)
	Fail(c, httpStatus, code, msg)
}

// FailFromErr 按错误分类映射 http 状态；对外不透出内部错误信息
//
// 不可恢复的分类带堆栈记录；可恢复的 5xx 只记一条告警。
func FailFromErr(c *gin.Context, err error) {
	kind := xerr.KindOf(err)
	httpStatus, code, msg := mapKind(kind)
	switch {
	case !kind.Recoverable():
		FailLogged(c, httpStatus, code, msg, err)
		return
	case httpStatus >= http.StatusInternalServerError:
		logger.Warn(c.Request.Context(), "http degraded",
			zap.String("path", c.Request.URL.Path),
			zap.String("kind", kind.String()),
			zap.Error(err),
		)
	}
	Fail(c, httpStatus, code, msg)
}

func mapKind(k xerr.Kind) (httpStatus int, code int, msg string) {
	switch k {
	case xerr.KindProtocol:
		return http.StatusBadRequest, CodeBadRequest, "参数错误"
	case xerr.KindAdmission:
		return http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded. Please try again later."
	case xerr.KindBackend:
		return http.StatusServiceUnavailable, CodeUnavailable, "服务繁忙"
	case xerr.KindUpstream:
		return http.StatusBadGateway, CodeUpstreamError, "market data unavailable"
	default:
		return http.StatusInternalServerError, CodeInternal, "internal error"
	}
}
