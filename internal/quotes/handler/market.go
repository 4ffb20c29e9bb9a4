package handler

import (
	"context"
	"net/http"
	"time"

	"alphaquant.com/internal/quotes/mdsource"
	"alphaquant.com/internal/quotes/topic"
	"alphaquant.com/pkg/common"
	"alphaquant.com/pkg/xerr"
	"github.com/gin-gonic/gin"
	"github.com/sony/gobreaker/v2"
)

// StreamLister 当前在跑的行情流
type StreamLister interface {
	Active() []string
}

// ChannelLister 当前有订阅者的频道
type ChannelLister interface {
	Channels() map[string]int
	Connections() int
}

type Market struct {
	Source   mdsource.Source
	Active   StreamLister
	Channels ChannelLister
	Timeout  time.Duration // 单次快照查询上限
}

// Quote GET /api/v1/market/quote/:symbol
func (m *Market) Quote(ctx *gin.Context) {
	symbol := topic.Normalize(ctx.Param("symbol"))
	if symbol == "" {
		common.FailFromErr(ctx, xerr.Protocol("handler.Quote", "symbol required"))
		return
	}
	timeout := m.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	c, cancel := context.WithTimeout(ctx.Request.Context(), timeout)
	defer cancel()

	q, err := m.Source.Latest(c, symbol)
	if err != nil {
		if !xerr.Is(err, xerr.KindUpstream) {
			err = xerr.Upstream(err, "handler.Quote")
		}
		common.FailFromErr(ctx, err)
		return
	}
	common.Success(ctx, q)
}

// Streams GET /api/v1/market/streams
func (m *Market) Streams(ctx *gin.Context) {
	symbols := m.Active.Active()
	if symbols == nil {
		symbols = []string{}
	}
	common.Success(ctx, gin.H{
		"symbols":     symbols,
		"channels":    m.Channels.Channels(),
		"connections": m.Channels.Connections(),
	})
}

// BreakerState 上游熔断器
type BreakerState interface {
	State() gobreaker.State
}

type Health struct {
	Env      string
	Version  string
	Upstream BreakerState // 可为空
}

// Health 不走统一返回格式，探针只看状态码和 status
//
// 熔断打开时仍是 healthy：行情流会降级为模拟数据，服务本身可用。
func (h *Health) Health(ctx *gin.Context) {
	body := gin.H{
		"status":      "healthy",
		"environment": h.Env,
		"version":     h.Version,
	}
	if h.Upstream != nil {
		body["upstream"] = h.Upstream.State().String()
	}
	ctx.JSON(http.StatusOK, body)
}
