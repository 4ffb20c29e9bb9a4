package middleware

import (
	"context"

	"alphaquant.com/pkg/common"
	"github.com/gin-gonic/gin"
)

// 外部传入的 request id 最长保留这么多字符
const maxRequestIDLen = 64

// ReqId 沿用调用方的 X-Request-ID；缺失或不合法时生成新的，并回写到响应头
func ReqId() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader(common.HeaderRequestID)
		if !validRequestID(rid) {
			rid = common.New()
		}
		c.Set(common.CtxKeyRequestID, rid)
		c.Header(common.HeaderRequestID, rid)
		// logger 从 request context 里取
		c.Request = c.Request.WithContext(context.WithValue(c.Request.Context(), common.CtxKeyRequestID, rid))
		c.Next()
	}
}

// 只接受可打印 ASCII，防止把换行之类写进审计日志
func validRequestID(s string) bool {
	if s == "" || len(s) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x21 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
