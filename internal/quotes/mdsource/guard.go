package mdsource

import (
	"context"
	"errors"
	"time"

	"alphaquant.com/internal/quotes/datasource/model"
	"alphaquant.com/internal/quotes/wsmetrics"
	"alphaquant.com/pkg/metrics"
	"alphaquant.com/pkg/xerr"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type GuardConfig struct {
	RPS   float64 `mapstructure:"rps"`   // 对上游的整体速率
	Burst int     `mapstructure:"burst"`

	// 熔断
	TripConsecutiveFailures uint32        `mapstructure:"trip_consecutive_failures"`
	OpenTimeout             time.Duration `mapstructure:"open_timeout"` // Open 持续时间，到期进入 Half-Open
	HalfOpenRequests        uint32        `mapstructure:"half_open_requests"`
	Interval                time.Duration `mapstructure:"interval"` // Closed 状态计数清零周期
}

// Guard 给上游加一层令牌桶 + 熔断；上游挂掉时快速失败，调用方走模拟
type Guard struct {
	next    Source
	limiter *rate.Limiter
	cb      *gobreaker.CircuitBreaker[model.Quote]
}

func NewGuard(next Source, cfg GuardConfig, log *zap.Logger) *Guard {
	if cfg.RPS <= 0 {
		cfg.RPS = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 4
	}
	if cfg.TripConsecutiveFailures == 0 {
		cfg.TripConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if cfg.HalfOpenRequests == 0 {
		cfg.HalfOpenRequests = 1
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}

	name := "upstream:" + next.Name()
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.TripConsecutiveFailures
		},
		// 没数据不代表上游不健康
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNoData) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CBState.WithLabelValues(name).Set(float64(to))
			log.Warn("upstream breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	metrics.CBState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	return &Guard{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cb:      gobreaker.NewCircuitBreaker[model.Quote](st),
	}
}

func (g *Guard) Name() string { return g.next.Name() }

func (g *Guard) Latest(ctx context.Context, symbol string) (model.Quote, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		wsmetrics.UpstreamFetchTotal.WithLabelValues(g.Name(), "throttled").Inc()
		return model.Quote{}, xerr.Upstream(err, "guard.wait")
	}
	q, err := g.cb.Execute(func() (model.Quote, error) {
		return g.next.Latest(ctx, symbol)
	})
	switch {
	case err == nil:
		wsmetrics.UpstreamFetchTotal.WithLabelValues(g.Name(), "ok").Inc()
		return q, nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		wsmetrics.UpstreamFetchTotal.WithLabelValues(g.Name(), "breaker_open").Inc()
		return model.Quote{}, xerr.Upstream(err, "guard.breaker")
	case errors.Is(err, ErrNoData):
		wsmetrics.UpstreamFetchTotal.WithLabelValues(g.Name(), "empty").Inc()
		return model.Quote{}, err
	default:
		wsmetrics.UpstreamFetchTotal.WithLabelValues(g.Name(), "error").Inc()
		return model.Quote{}, xerr.Upstream(err, "guard.latest")
	}
}

// State 当前熔断状态，给 /health 用
func (g *Guard) State() gobreaker.State {
	return g.cb.State()
}

var _ Source = (*Guard)(nil)
