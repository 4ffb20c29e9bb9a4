package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"alphaquant.com/pkg/common"
	"alphaquant.com/pkg/logger"
	"alphaquant.com/pkg/ratelimit"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	HeaderRateLimit     = "X-Rate-Limit-Limit"
	HeaderRateRemaining = "X-Rate-Limit-Remaining"
	HeaderRateReset     = "X-Rate-Limit-Reset"
)

// Rule 一类路由的配额；按 Prefix 最长匹配
type Rule struct {
	Class       string        `mapstructure:"class" yaml:"class"`
	Prefix      string        `mapstructure:"prefix" yaml:"prefix"`
	MaxRequests int           `mapstructure:"max_requests" yaml:"max_requests"`
	Window      time.Duration `mapstructure:"window" yaml:"window"`
}

// Policy 路由类别表。配置热更新时整体替换，读写都走锁。
type Policy struct {
	mu        sync.RWMutex
	rules     []Rule
	fallback  Rule
	whitelist []string
	keyPrefix string
}

func NewPolicy(rules []Rule, fallback Rule, whitelist []string) *Policy {
	p := &Policy{keyPrefix: "ratelimit:"}
	p.Replace(rules, fallback, whitelist)
	return p
}

func (p *Policy) Replace(rules []Rule, fallback Rule, whitelist []string) {
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	// 长前缀优先
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && len(sorted[j].Prefix) > len(sorted[j-1].Prefix); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if fallback.Class == "" {
		fallback.Class = "default"
	}
	p.mu.Lock()
	p.rules = sorted
	p.fallback = fallback
	p.whitelist = append([]string(nil), whitelist...)
	p.mu.Unlock()
}

// Match 返回 path 对应的规则；白名单返回 ok=false
func (p *Policy) Match(path string) (Rule, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, w := range p.whitelist {
		if strings.HasPrefix(path, w) {
			return Rule{}, false
		}
	}
	for _, r := range p.rules {
		if strings.HasPrefix(path, r.Prefix) {
			return r, true
		}
	}
	return p.fallback, true
}

// Key ratelimit:<client>:<path>；有登录用户时按用户计
func (p *Policy) Key(c *gin.Context) string {
	client := c.ClientIP()
	if u := common.PrincipalFromGin(c); u != "" {
		client = "user:" + u
	}
	return p.keyPrefix + client + ":" + c.Request.URL.Path
}

func RateLimit(ctl *ratelimit.Controller, policy *Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		rule, ok := policy.Match(c.Request.URL.Path)
		if !ok {
			c.Next()
			return
		}
		key := policy.Key(c)

		res, err := ctl.Check(c.Request.Context(), rule.Class, key, rule.MaxRequests, rule.Window)
		if err != nil {
			// fail-closed：计数存储不可用
			common.FailFromErr(c, err)
			c.Abort()
			return
		}
		writeRateHeaders(c, res)

		if res.Blocked {
			// 限流属于可控拒绝，不打堆栈
			logger.Warn(c.Request.Context(), "http rate limited",
				zap.String("ip", c.ClientIP()),
				zap.String("class", rule.Class),
				zap.String("path", c.Request.URL.Path),
				zap.Int("count", res.Count),
			)
			common.Fail(c, http.StatusTooManyRequests, common.CodeRateLimited, "Rate limit exceeded. Please try again later.")
			c.Abort()
			return
		}
		c.Next()
	}
}

func writeRateHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header(HeaderRateLimit, strconv.Itoa(res.Limit))
	c.Header(HeaderRateRemaining, strconv.Itoa(res.Remaining))
	c.Header(HeaderRateReset, strconv.FormatInt(res.ResetAt.Unix(), 10))
}
