package http

import (
	"net/http"
	"net/http/pprof"
	"time"

	"alphaquant.com/internal/quotes/config"
	"alphaquant.com/internal/quotes/handler"
	"alphaquant.com/internal/quotes/http/router"
	"alphaquant.com/internal/quotes/ws"
	"alphaquant.com/pkg/middleware"
	"alphaquant.com/pkg/ratelimit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	ginprom "github.com/zsais/go-gin-prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Deps 路由需要的全部依赖，由 app 组装
type Deps struct {
	Cfg     *config.Config
	Market  *handler.Market
	Health  *handler.Health
	WS      *ws.Server
	Limiter *ratelimit.Controller // nil 表示不做 HTTP 限流
	Policy  *middleware.Policy
	// InitSentinel 返回的资源前缀；为空不挂 sentinel
	SentinelResources []string
}

func NewRouter(d Deps) *gin.Engine {
	cfg := d.Cfg
	r := gin.New()
	// 监控
	if cfg.Metrics.Enabled {
		p := ginprom.NewPrometheus("alphaquant")
		p.Use(r)
	}
	if cfg.Trace.Enabled {
		r.Use(otelgin.Middleware(cfg.Name))
	}
	r.Use(
		middleware.ReqId(),
		middleware.Recover(),
		middleware.Security(cfg.Security),
		cors.New(corsConfig(cfg.HTTP.CORSOrigins)),
	)
	if len(d.SentinelResources) > 0 {
		r.Use(middleware.Sentinel(d.SentinelResources))
	}
	if d.Limiter != nil && d.Policy != nil {
		r.Use(middleware.RateLimit(d.Limiter, d.Policy))
	}

	r.GET("/health", d.Health.Health)
	if cfg.HTTP.Pprof {
		debug := r.Group("/debug/pprof")
		{
			debug.GET("/", gin.WrapF(pprof.Index))
			debug.GET("/cmdline", gin.WrapF(pprof.Cmdline))
			debug.GET("/profile", gin.WrapF(pprof.Profile))
			debug.GET("/symbol", gin.WrapF(pprof.Symbol))
			debug.GET("/trace", gin.WrapF(pprof.Trace))
			debug.GET("/:name", gin.WrapF(pprof.Index))
		}
	}

	api := r.Group("/api/v1")
	router.Market(api, d.Market)
	router.WS(api, d.WS)
	return r
}

func NewServer(cfg config.HTTPConfig, h http.Handler) *http.Server {
	return &http.Server{
		Addr:           cfg.Addr,
		Handler:        h,
		ReadTimeout:    orDefault(cfg.ReadTimeout, 10*time.Second),
		WriteTimeout:   orDefault(cfg.WriteTimeout, 10*time.Second),
		MaxHeaderBytes: 1 << 20,
	}
}

func corsConfig(origins []string) cors.Config {
	c := cors.DefaultConfig()
	c.AllowHeaders = append(c.AllowHeaders, "Authorization", "X-Request-ID", "X-Client-ID")
	c.ExposeHeaders = []string{
		"X-Request-ID",
		middleware.HeaderRateLimit,
		middleware.HeaderRateRemaining,
		middleware.HeaderRateReset,
	}
	c.AllowAllOrigins = len(origins) == 0
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
		}
	}
	if !c.AllowAllOrigins {
		c.AllowOrigins = origins
		c.AllowCredentials = true
	}
	return c
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
