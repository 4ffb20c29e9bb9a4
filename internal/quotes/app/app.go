package app

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"alphaquant.com/internal/quotes/config"
	"alphaquant.com/internal/quotes/datasource/yahoo"
	"alphaquant.com/internal/quotes/gateway"
	"alphaquant.com/internal/quotes/handler"
	qhttp "alphaquant.com/internal/quotes/http"
	"alphaquant.com/internal/quotes/mdsource"
	"alphaquant.com/internal/quotes/storage/influxsink"
	"alphaquant.com/internal/quotes/stream"
	"alphaquant.com/internal/quotes/topic"
	"alphaquant.com/internal/quotes/ws"
	"alphaquant.com/pkg/common"
	vipConfig "alphaquant.com/pkg/config"
	"alphaquant.com/pkg/logger"
	"alphaquant.com/pkg/middleware"
	"alphaquant.com/pkg/ratelimit"
	"alphaquant.com/pkg/safe"
	"alphaquant.com/pkg/trace"
	"alphaquant.com/pkg/xerr"
	"alphaquant.com/pkg/xredis"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const serviceName = "quotes-gateway"

type App struct {
	cfg *config.Config
	log *zap.Logger

	ctx    context.Context // 后台协程的生命周期，Close 时取消
	cancel context.CancelFunc

	rdb    *redis.Client
	hub    *ws.Hub
	sched  *stream.Scheduler
	broker gateway.Broker
	relay  *gateway.Relay
	sink   *influxsink.Sink
	guard  *mdsource.Guard
	policy *middleware.Policy
	srv    *http.Server

	relayDone     chan struct{}
	traceShutdown func(context.Context) error
	closeOnce     sync.Once
}

// Options 测试时指定配置目录
type Options struct {
	ConfigName  string
	ConfigPaths []string
}

// New 组装全部组件；任何返回的错误都是启动期致命错误
func New(ctx context.Context, opt Options) (*App, error) {
	if opt.ConfigName == "" {
		opt.ConfigName = serviceName
	}
	app := &App{cfg: config.Default()}
	cfg := app.cfg

	// 加载配置；热更新只作用于限流规则
	if _, err := vipConfig.Load(opt.ConfigName, cfg, vipConfig.Options{
		Paths:    opt.ConfigPaths,
		Watch:    true,
		OnChange: app.reload,
	}); err != nil {
		return nil, xerr.Fatal(err, "app.loadConfig")
	}
	if cfg.NodeID == "" {
		cfg.NodeID = common.New()
	}

	logger.InitWithConfig(cfg.Name, cfg.Log)
	app.log = logger.Named("app").With(zap.String("node_id", cfg.NodeID))
	app.ctx, app.cancel = context.WithCancel(context.Background())

	ok := false
	defer func() {
		if !ok {
			app.release(ctx)
		}
	}()

	// trace
	shutdown, err := trace.InitTrace(ctx, cfg.Name, cfg.Trace)
	if err != nil {
		return nil, xerr.Fatal(err, "app.initTrace")
	}
	app.traceShutdown = shutdown

	if err := app.startRedis(ctx); err != nil {
		return nil, err
	}

	source, err := app.buildSource()
	if err != nil {
		return nil, err
	}

	app.hub = ws.NewHub(ws.HubOptions{
		FlushInterval: cfg.Hub.FlushInterval,
		SendTimeout:   cfg.Hub.SendTimeout,
		Logger:        app.log.Named("hub"),
	})

	pub, err := app.buildPublisher()
	if err != nil {
		return nil, err
	}

	if cfg.Influx.Enabled {
		app.sink = influxsink.New(cfg.Influx, app.log.Named("influx"))
	}

	opts := cfg.Stream.Options
	opts.Logger = app.log.Named("stream")
	if app.sink != nil {
		opts.Recorder = app.sink
	}
	app.sched = stream.New(source, pub, opts)
	if app.relay != nil {
		app.relay.Local(cfg.NodeID, app.sched)
	}

	if cfg.Stream.StopIdle {
		app.hub.OnIdle(app.stopIdle)
	}

	limiter := app.buildLimiter()

	var resources []string
	if cfg.Sentinel.Enabled {
		if resources, err = middleware.InitSentinel(cfg.Sentinel); err != nil {
			return nil, xerr.Fatal(err, "app.initSentinel")
		}
	}

	wsSrv := ws.NewServer(app.ctx, app.hub, app.sched, app.log.Named("ws"))
	wsSrv.Limiter = limiter
	wsSrv.Quota = cfg.WS.CommandQuota
	wsSrv.PongWait = cfg.WS.PongWait
	wsSrv.PingPeriod = cfg.WS.PingPeriod
	wsSrv.WriteWait = cfg.WS.WriteWait
	wsSrv.ReadLimit = cfg.WS.ReadLimit

	var httpLimiter *ratelimit.Controller
	if cfg.Limit.Enabled {
		httpLimiter = limiter
	}
	if cfg.Env != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := qhttp.NewRouter(qhttp.Deps{
		Cfg: cfg,
		Market: &handler.Market{
			Source:   source,
			Active:   app.sched,
			Channels: app.hub,
			Timeout:  cfg.Upstream.Timeout,
		},
		Health:            &handler.Health{Env: cfg.Env, Version: cfg.Version, Upstream: app.guard},
		WS:                wsSrv,
		Limiter:           httpLimiter,
		Policy:            app.policy,
		SentinelResources: resources,
	})
	app.srv = qhttp.NewServer(cfg.HTTP, r)

	ok = true
	app.log.Info("quotes gateway ready",
		zap.String("addr", cfg.HTTP.Addr),
		zap.String("env", cfg.Env),
		zap.String("upstream", cfg.Upstream.Provider),
		zap.String("broker", cfg.Broker.Driver),
		zap.Bool("redis", app.rdb != nil),
	)
	return app, nil
}

// Handler 测试用：不监听端口直接拿路由
func (app *App) Handler() http.Handler { return app.srv.Handler }

func (app *App) Config() *config.Config { return app.cfg }

// Run 阻塞直到 ctx 结束或监听失败，然后按顺序释放资源
func (app *App) Run(ctx context.Context) error {
	app.startRelay()

	errCh := make(chan error, 1)
	go func() {
		if err := app.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	app.log.Info("http listening", zap.String("addr", app.srv.Addr))

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = xerr.Fatal(err, "app.listen")
		app.log.Error("http listen failed", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.cfg.HTTP.ShutdownTimeout)
	defer cancel()
	app.Close(shutdownCtx)
	return runErr
}

// Close HTTP → scheduler → hub → relay/broker/influx/redis → trace → logger
func (app *App) Close(ctx context.Context) {
	app.closeOnce.Do(func() {
		if app.srv != nil {
			if err := app.srv.Shutdown(ctx); err != nil {
				app.log.Warn("http shutdown", zap.Error(err))
			}
		}
		app.release(ctx)
		app.log.Info("quotes gateway exit")
		logger.Sync()
	})
}

func (app *App) release(ctx context.Context) {
	if app.sched != nil {
		app.sched.Close()
	}
	if app.hub != nil {
		app.hub.Close()
	}
	if app.cancel != nil {
		app.cancel()
	}
	if app.relayDone != nil {
		select {
		case <-app.relayDone:
		case <-ctx.Done():
		}
	}
	if app.broker != nil {
		_ = app.broker.Close()
	}
	if app.sink != nil {
		app.sink.Close()
	}
	if app.rdb != nil {
		_ = app.rdb.Close()
	}
	if app.traceShutdown != nil {
		_ = app.traceShutdown(ctx)
	}
}

func (app *App) startRedis(ctx context.Context) error {
	cfg := app.cfg.Redis
	if !cfg.Enabled {
		return nil
	}
	rdb, err := xredis.NewRedis(ctx, &cfg.Config)
	if err != nil {
		if cfg.Required {
			return xerr.Fatal(err, "app.startRedis")
		}
		// 不强制：限流退回内存，快照不走缓存
		app.log.Warn("redis unavailable, degrading", zap.String("addr", cfg.Addr), zap.Error(err))
		return nil
	}
	app.rdb = rdb
	return nil
}

// buildSource 上游链：Cache(Guard(provider))，缓存命中不消耗上游令牌
func (app *App) buildSource() (mdsource.Source, error) {
	cfg := app.cfg
	var base mdsource.Source
	switch cfg.Upstream.Provider {
	case "yahoo", "":
		base = yahoo.NewSource(cfg.Upstream.BaseURL, cfg.Upstream.Timeout)
	case "static":
		base = mdsource.NewStatic()
	default:
		return nil, xerr.Fatal(errors.New("unknown upstream provider "+cfg.Upstream.Provider), "app.buildSource")
	}

	app.guard = mdsource.NewGuard(base, cfg.Upstream.Guard, app.log.Named("guard"))
	var src mdsource.Source = app.guard
	if app.rdb != nil && cfg.Cache.Enabled {
		src = mdsource.NewCache(src, app.rdb, cfg.Cache.TTL, app.log.Named("cache"))
	}
	return src, nil
}

// buildPublisher direct 直接写本地 Hub；mem/nats 经 broker，由 Relay 转入各节点的 Hub
func (app *App) buildPublisher() (stream.Publisher, error) {
	cfg := app.cfg.Broker
	switch cfg.Driver {
	case "direct", "":
		return app.hub, nil
	case "mem":
		app.broker = gateway.NewMemBroker()
	case "nats":
		b, err := gateway.NewNatsBroker(cfg.URL, app.cfg.Name+"-"+app.cfg.NodeID, app.log.Named("nats"))
		if err != nil {
			return nil, err
		}
		app.broker = b
	default:
		return nil, xerr.Fatal(errors.New("unknown broker driver "+cfg.Driver), "app.buildPublisher")
	}
	app.relay = gateway.NewRelay(app.hub, app.broker, cfg.Topic, app.log.Named("relay"))
	return gateway.NewPublisher(app.broker, cfg.Topic, app.cfg.NodeID), nil
}

func (app *App) startRelay() {
	if app.relay == nil || app.relayDone != nil {
		return
	}
	app.relayDone = make(chan struct{})
	done := app.relayDone
	safe.GoCtx(app.ctx, func(ctx context.Context) {
		defer close(done)
		if err := app.relay.Run(ctx); err != nil {
			app.log.Error("relay stopped", zap.Error(err))
		}
	})
}

func (app *App) buildLimiter() *ratelimit.Controller {
	cfg := app.cfg.Limit
	app.policy = middleware.NewPolicy(cfg.Rules, cfg.Default, cfg.Whitelist)

	var backend ratelimit.Limiter
	if cfg.Backend == "redis" && app.rdb != nil {
		backend = ratelimit.NewRedisLimiter(app.rdb, "")
	} else {
		mem := ratelimit.NewMemoryLimiter()
		mem.StartJanitor(app.ctx, time.Minute)
		backend = mem
	}
	return ratelimit.NewController(backend, cfg.FailOpen, app.log.Named("ratelimit"))
}

// stopIdle 频道没人了就停掉对应 symbol 的行情；判断在调度器锁内重做，避免和新订阅抢
func (app *App) stopIdle(channel string) {
	symbol, ok := topic.SymbolOf(channel)
	if !ok {
		return
	}
	if app.sched.StopIfIdle(symbol, func() bool { return app.hub.Members(channel) == 0 }) {
		app.log.Debug("idle stream stopped", zap.String("symbol", symbol))
	}
}

// reload 配置文件变更回调，只替换限流规则；app.cfg 启动后只读，不在这里改
func (app *App) reload(v *viper.Viper) {
	if app.policy == nil {
		return
	}
	fresh := config.Default().Limit
	if err := v.UnmarshalKey("ratelimit", &fresh); err != nil {
		if app.log != nil {
			app.log.Warn("ratelimit reload failed, keeping current rules", zap.Error(err))
		}
		return
	}
	app.policy.Replace(fresh.Rules, fresh.Default, fresh.Whitelist)
	if app.log != nil {
		app.log.Info("ratelimit rules reloaded", zap.Int("rules", len(fresh.Rules)))
	}
}
