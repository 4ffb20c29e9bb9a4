package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AdmissionTotal 按路由类别与结果统计：admit / block / backend_error
	AdmissionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alphaquant",
			Name:      "admission_total",
			Help:      "Admission controller decisions.",
		},
		[]string{"class", "outcome"},
	)

	RateLimitBlockTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alphaquant",
			Name:      "ratelimit_block_total",
			Help:      "Total number of rate limit blocks.",
		},
		[]string{"class", "reason"}, // reason: sliding_window / sentinel / blocklist
	)

	// PanicTotal where: http / goroutine / tick
	PanicTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "alphaquant",
			Name:      "panic_recovered_total",
			Help:      "Panics recovered instead of crashing the process.",
		},
		[]string{"where"},
	)

	// RateLimitKeys 内存限流器当前跟踪的 key 数
	RateLimitKeys = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "alphaquant",
			Name:      "ratelimit_memory_keys",
			Help:      "Keys tracked by the in-memory sliding window limiter.",
		},
	)

	CBState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "alphaquant",
			Name:      "circuitbreaker_state",
			Help:      "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		},
		[]string{"name"},
	)
)
