package router

import (
	"alphaquant.com/internal/quotes/handler"
	"alphaquant.com/internal/quotes/ws"
	"github.com/gin-gonic/gin"
)

func Market(api *gin.RouterGroup, h *handler.Market) {
	market := api.Group("/market")
	{
		market.GET("/quote/:symbol", h.Quote)
		market.GET("/streams", h.Streams)
	}
}

// WS 升级请求同样经过前面的限流/安全中间件
func WS(api *gin.RouterGroup, srv *ws.Server) {
	g := api.Group("/ws")
	{
		g.GET("/market", gin.WrapF(srv.ServeMarket))
		g.GET("/ticker", gin.WrapF(srv.ServeTicker))
	}
}
