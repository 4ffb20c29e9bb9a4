package common

import (
	"alphaquant.com/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	HeaderRequestID = "X-Request-ID"
	CtxKeyRequestID = logger.RequestIdKey
	// 鉴权层把用户名放到 gin ctx 的这个 key 上；限流优先按用户计
	CtxKeyPrincipal = "principal"
)

func New() string { return uuid.NewString() }

func RequestIDFromGin(c *gin.Context) string {
	if v, ok := c.Get(CtxKeyRequestID); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func PrincipalFromGin(c *gin.Context) string {
	if v, ok := c.Get(CtxKeyPrincipal); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
