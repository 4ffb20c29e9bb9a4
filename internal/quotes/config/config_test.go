package config

import (
	"testing"
	"time"

	vipConfig "alphaquant.com/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5*time.Second, cfg.Stream.MinFetchInterval)
	assert.Equal(t, 0.005, cfg.Stream.MaxDrift)
	assert.Equal(t, 100*time.Millisecond, cfg.Hub.FlushInterval)
	assert.Equal(t, 30, cfg.WS.CommandQuota.MaxRequests)
	assert.True(t, cfg.Limit.FailOpen)
	assert.Equal(t, "direct", cfg.Broker.Driver)
	assert.Len(t, cfg.Limit.Rules, 3)
}

// 仓库里的样例配置必须能完整解析，且和代码默认值一致
func TestShippedConfig(t *testing.T) {
	t.Setenv("QUOTES_GATEWAY_HTTP_ADDR", ":9100")
	cfg := Default()
	_, err := vipConfig.Load("quotes-gateway", cfg, vipConfig.Options{Paths: []string{"../../../config"}})
	require.NoError(t, err)

	def := Default()
	assert.Equal(t, ":9100", cfg.HTTP.Addr, "env overrides file")
	assert.Equal(t, def.Stream.Options.Interval, cfg.Stream.Interval)
	assert.Equal(t, def.Upstream.Guard, cfg.Upstream.Guard)
	assert.Equal(t, def.Limit.Rules, cfg.Limit.Rules)
	assert.Equal(t, def.Limit.Default, cfg.Limit.Default)
	assert.Equal(t, def.WS.CommandQuota, cfg.WS.CommandQuota)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, "yahoo", cfg.Upstream.Provider)
	assert.Equal(t, 5*time.Second, cfg.Cache.TTL)
}
