package ratelimit

import (
	"context"
	"time"

	"alphaquant.com/pkg/metrics"
	"alphaquant.com/pkg/xerr"
	"go.uber.org/zap"
)

// Controller 在后端 Limiter 之上施加计数存储故障策略。
// fail-open：存储不可用时放行并标记 Degraded；fail-closed：返回 KindBackend 错误。
type Controller struct {
	backend  Limiter
	failOpen bool
	log      *zap.Logger
}

func NewController(backend Limiter, failOpen bool, log *zap.Logger) *Controller {
	if log == nil {
		log = zap.NewNop()
	}
	return &Controller{backend: backend, failOpen: failOpen, log: log}
}

// Check 同 Limiter.Check；class 只用于打点，不参与判断
func (c *Controller) Check(ctx context.Context, class, key string, maxRequests int, window time.Duration) (Result, error) {
	res, err := c.backend.Check(ctx, key, maxRequests, window)
	if err != nil {
		metrics.AdmissionTotal.WithLabelValues(class, "backend_error").Inc()
		if !c.failOpen {
			return Result{}, xerr.Wrap(err, xerr.KindBackend, "ratelimit.check")
		}
		c.log.Warn("admission backend unavailable, failing open",
			zap.String("class", class),
			zap.String("key", key),
			zap.Error(err),
		)
		now := time.Now()
		return Result{
			Limit:     maxRequests,
			Remaining: maxRequests,
			ResetAt:   now.Add(window),
			Degraded:  true,
		}, nil
	}

	if res.Blocked {
		metrics.AdmissionTotal.WithLabelValues(class, "block").Inc()
		metrics.RateLimitBlockTotal.WithLabelValues(class, "sliding_window").Inc()
	} else {
		metrics.AdmissionTotal.WithLabelValues(class, "admit").Inc()
	}
	return res, nil
}

// Blocked 把拒绝结果包装成 KindAdmission 错误，调用方统一映射 429
func Blocked(key string) error {
	return xerr.New(xerr.KindAdmission, "ratelimit.check", "rate limit exceeded for "+key)
}
