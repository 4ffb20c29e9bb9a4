package wsmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Conns = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quotes_ws_conns",
		Help: "Registered websocket connections",
	})
	ConnOpenTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotes_ws_conn_open_total",
		Help: "Total websocket connections registered",
	})
	ConnCloseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotes_ws_conn_close_total",
		Help: "Total websocket connections removed, partitioned by reason",
	}, []string{"reason"}) // client/send_error/replaced/shutdown

	SubOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotes_ws_sub_ops_total",
		Help: "Total subscription operations",
	}, []string{"op"}) // sub/unsub

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotes_ws_commands_total",
		Help: "Inbound client commands by result",
	}, []string{"result"}) // ok/invalid/limited

	MsgsOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotes_ws_msgs_out_total",
		Help: "Total websocket messages sent",
	})
	BytesOutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotes_ws_bytes_out_total",
		Help: "Total websocket bytes sent",
	})
	WriteErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotes_ws_write_errors_total",
		Help: "Total websocket write errors",
	})
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotes_ws_dropped_total",
		Help: "Total dropped payloads",
	}, []string{"why"}) // coalesced/no_subscriber/encode

	PingErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "quotes_ws_ping_errors_total",
		Help: "Total ping send errors",
	})

	WriteDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quotes_ws_write_duration_seconds",
		Help:    "Duration of a single websocket send",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms -> ~4s
	})
	BatchSize = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "quotes_ws_flush_channels",
		Help:    "Number of channels drained per flush",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256},
	})

	ActiveStreams = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "quotes_stream_active",
		Help: "Running per-symbol stream tasks",
	})
	StreamTicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotes_stream_ticks_total",
		Help: "Stream ticks by outcome",
	}, []string{"outcome"}) // real/simulated/throttled/error

	UpstreamFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "quotes_upstream_fetch_total",
		Help: "Upstream quote fetches by source and result",
	}, []string{"source", "result"}) // ok/empty/error/cache_hit
)

func OnOpen() {
	Conns.Inc()
	ConnOpenTotal.Inc()
}

func OnClose(reason string) {
	Conns.Dec()
	ConnCloseTotal.WithLabelValues(reason).Inc()
}

func ObserveWrite(bytes int, dur time.Duration, err error) {
	WriteDuration.Observe(dur.Seconds())
	if err != nil {
		WriteErrorsTotal.Inc()
		return
	}
	MsgsOutTotal.Inc()
	BytesOutTotal.Add(float64(bytes))
}

func ObserveFlush(channels int) {
	if channels > 0 {
		BatchSize.Observe(float64(channels))
	}
}
