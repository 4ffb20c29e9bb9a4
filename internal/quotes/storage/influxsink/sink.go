package influxsink

import (
	"fmt"
	"time"

	"alphaquant.com/internal/quotes/datasource/model"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"
)

const measurement = "quote"

type Config struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Token   string `mapstructure:"token"`
	Org     string `mapstructure:"org"`
	Bucket  string `mapstructure:"bucket"`

	// 写入优化项
	BatchSize     uint          `mapstructure:"batch_size"`     // 1000~5000 起步
	FlushInterval time.Duration `mapstructure:"flush_interval"` // 例如 1s
	UseGzip       bool          `mapstructure:"use_gzip"`
}

// Sink 异步批量写入真实行情；WritePoint 只进缓冲，不阻塞行情任务
type Sink struct {
	client influxdb2.Client
	write  api.WriteAPI
}

func New(cfg Config, log *zap.Logger) *Sink {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 2000
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}

	opt := influxdb2.DefaultOptions().
		SetBatchSize(cfg.BatchSize).
		SetFlushInterval(uint(cfg.FlushInterval.Milliseconds())).
		SetUseGZip(cfg.UseGzip)

	c := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token, opt)
	w := c.WriteAPI(cfg.Org, cfg.Bucket)

	// 必须消费 Errors()，否则异步写入出错会阻塞
	go func() {
		for err := range w.Errors() {
			log.Warn("influx write error", zap.Error(err))
		}
	}()

	log.Info("influx sink ready", zap.String("config", cfg.String()))
	return &Sink{client: c, write: w}
}

// Record 只记录真实行情
func (s *Sink) Record(q model.Quote) {
	if q.IsSimulated || !q.Valid() {
		return
	}
	s.write.WritePoint(quotePoint(q))
}

// Close 会 flush 缓冲
func (s *Sink) Close() {
	s.client.Close()
}

func quotePoint(q model.Quote) *write.Point {
	ts := q.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	// tag 只放低基数的 symbol/source
	tags := map[string]string{
		"symbol": q.Symbol,
		"source": q.Source,
	}
	fields := map[string]interface{}{
		"price": q.Price,
	}
	if q.Open > 0 {
		fields["open"] = q.Open
	}
	if q.High > 0 {
		fields["high"] = q.High
	}
	if q.Low > 0 {
		fields["low"] = q.Low
	}
	if q.Volume > 0 {
		fields["volume"] = q.Volume
	}
	return write.NewPoint(measurement, tags, fields, ts)
}

func (cfg Config) String() string {
	return fmt.Sprintf("url=%s org=%s bucket=%s batch=%d flush=%s gzip=%v",
		cfg.URL, cfg.Org, cfg.Bucket, cfg.BatchSize, cfg.FlushInterval, cfg.UseGzip)
}
