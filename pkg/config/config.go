package config

import (
	"log"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Options 控制配置加载；零值即约定：./config/{service}.yaml + .env + 环境变量
type Options struct {
	Paths    []string // 额外的搜索目录
	EnvFiles []string // 为空时尝试 .env
	Watch    bool     // 文件变更热更新
	// OnChange 文件变更后回调；传入的 viper 已是新内容。
	// Load 的 out 不会被改写，调用方按需 UnmarshalKey 到新值里再替换。
	OnChange func(v *viper.Viper)
}

// Load 读取配置到 out；out 在调用前应已填好默认值，文件与环境变量只做覆盖
func Load(service string, out interface{}, opt Options) (*viper.Viper, error) {
	envFiles := opt.EnvFiles
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	// .env 不存在很正常，忽略错误；已存在的环境变量优先
	_ = godotenv.Load(envFiles...)

	v := viper.New()
	v.SetConfigName(service)
	v.SetConfigType("yaml")
	for _, p := range opt.Paths {
		v.AddConfigPath(p)
	}
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	// QUOTES_GATEWAY_HTTP_ADDR 覆盖 http.addr
	v.SetEnvPrefix(envPrefix(service))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !asNotFound(err, &notFound) {
			return nil, err
		}
		log.Printf("[%s] no config file, using defaults + env", service)
	} else {
		log.Printf("[%s] config loaded from %s", service, v.ConfigFileUsed())
	}

	if err := v.Unmarshal(out); err != nil {
		return nil, err
	}

	if opt.Watch && v.ConfigFileUsed() != "" {
		var mu sync.Mutex
		v.OnConfigChange(func(e fsnotify.Event) {
			mu.Lock()
			defer mu.Unlock()
			log.Printf("[%s] config file changed: %s", service, e.Name)
			if opt.OnChange != nil {
				opt.OnChange(v)
			}
		})
		v.WatchConfig()
	}
	return v, nil
}

func envPrefix(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}

func asNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	nf, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = nf
	}
	return ok
}
