package middleware

import (
	"fmt"
	"net/http"
	"strings"

	"alphaquant.com/pkg/common"
	"alphaquant.com/pkg/logger"
	"alphaquant.com/pkg/metrics"
	sentinels "github.com/alibaba/sentinel-golang/api"
	"github.com/alibaba/sentinel-golang/core/base"
	"github.com/alibaba/sentinel-golang/core/flow"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// SentinelConfig 进程级 QPS 兜底；和按客户端的滑动窗口互补：
// 滑动窗口限单个调用方，sentinel 限整个节点的入口总量
type SentinelConfig struct {
	Enabled bool           `mapstructure:"enabled" yaml:"enabled"`
	Rules   []SentinelRule `mapstructure:"rules" yaml:"rules"`
}

type SentinelRule struct {
	Resource       string  `mapstructure:"resource" yaml:"resource"` // 路由前缀，例如 /api/v1/market
	Threshold      float64 `mapstructure:"threshold" yaml:"threshold"`
	StatIntervalMs uint32  `mapstructure:"stat_interval_ms" yaml:"stat_interval_ms"`
	Control        string  `mapstructure:"control" yaml:"control"` // reject | throttling
	MaxQueueWaitMs uint32  `mapstructure:"max_queue_wait_ms" yaml:"max_queue_wait_ms"`
}

// InitSentinel 加载 flow 规则；返回生效的资源前缀列表
func InitSentinel(cfg SentinelConfig) ([]string, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := sentinels.InitDefault(); err != nil {
		return nil, fmt.Errorf("init sentinel: %w", err)
	}

	var rules []*flow.Rule
	var resources []string
	for _, r := range cfg.Rules {
		if r.Resource == "" {
			continue
		}
		fr := &flow.Rule{
			Resource:               r.Resource,
			Threshold:              r.Threshold,
			StatIntervalInMs:       r.StatIntervalMs,
			TokenCalculateStrategy: flow.Direct,
			ControlBehavior:        flow.Reject,
		}
		if strings.EqualFold(r.Control, "throttling") {
			fr.ControlBehavior = flow.Throttling
			fr.MaxQueueingTimeMs = r.MaxQueueWaitMs
		}
		rules = append(rules, fr)
		resources = append(resources, r.Resource)
	}
	if len(rules) > 0 {
		if _, err := flow.LoadRules(rules); err != nil {
			return nil, fmt.Errorf("load flow rules: %w", err)
		}
	}
	return resources, nil
}

// Sentinel 按路由前缀进入 sentinel 资源；没有匹配规则的路由直接放过
func Sentinel(resources []string) gin.HandlerFunc {
	return func(c *gin.Context) {
		resource := ""
		for _, r := range resources {
			if strings.HasPrefix(c.Request.URL.Path, r) && len(r) > len(resource) {
				resource = r
			}
		}
		if resource == "" {
			c.Next()
			return
		}

		entry, blockErr := sentinels.Entry(resource, sentinels.WithTrafficType(base.Inbound))
		if blockErr != nil {
			logger.Warn(c.Request.Context(), "request blocked by sentinel",
				zap.String("resource", resource),
				zap.String("blockType", blockErr.BlockType().String()),
			)
			metrics.RateLimitBlockTotal.WithLabelValues(resource, "sentinel").Inc()
			common.Fail(c, http.StatusTooManyRequests, common.CodeRateLimited, "service is busy, please try again later")
			c.Abort()
			return
		}
		defer entry.Exit()
		c.Next()
	}
}
