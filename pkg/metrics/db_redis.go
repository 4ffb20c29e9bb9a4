package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RedisCmdDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "app_redis_cmd_duration_seconds",
		Help:    "Redis command latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms ~ 4s
	}, []string{"cmd", "status"})

	RedisErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "app_redis_errors_total",
		Help: "Redis errors",
	}, []string{"cmd"})
)

// ObserveRedis 记录一次 redis 调用
func ObserveRedis(cmd string, seconds float64, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		RedisErrors.WithLabelValues(cmd).Inc()
	}
	RedisCmdDuration.WithLabelValues(cmd, status).Observe(seconds)
}
