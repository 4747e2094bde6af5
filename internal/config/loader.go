package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const EnvPrefix = "WORKFLOW_ENGINE"

// Loader 从配置文件和环境变量加载配置
type Loader struct {
	v          *viper.Viper
	configFile string
	envPrefix  string
}

func NewLoader() *Loader {
	return &Loader{
		v:         viper.New(),
		envPrefix: EnvPrefix,
	}
}

func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{
		v:         v,
		envPrefix: EnvPrefix,
	}
}

func (l *Loader) WithConfigFile(path string) *Loader {
	l.configFile = path
	return l
}

func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// Viper 命令行 flag 绑定使用
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

// Load 优先级: flag > 环境变量(WORKFLOW_ENGINE_*) > 配置文件 > 默认值
// 没有指定配置文件时在当前目录找 workflow-engine.yaml, 找不到不报错
func (l *Loader) Load() (*Config, error) {
	l.setDefaults()

	l.v.SetEnvPrefix(l.envPrefix)
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	l.v.AutomaticEnv()

	if l.configFile != "" {
		l.v.SetConfigFile(l.configFile)
	} else {
		l.v.SetConfigName("workflow-engine")
		l.v.SetConfigType("yaml")
		l.v.AddConfigPath(".")
	}
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults 默认值来自 Default(), 同时让 AutomaticEnv 认识所有的key
func (l *Loader) setDefaults() {
	d := Default()

	l.v.SetDefault("engine.engine_id", d.Engine.EngineID)
	l.v.SetDefault("engine.poll_interval", d.Engine.PollInterval)
	l.v.SetDefault("engine.tick_interval", d.Engine.TickInterval)
	l.v.SetDefault("engine.node_timeout", d.Engine.NodeTimeout)
	l.v.SetDefault("engine.max_concurrent_nodes", d.Engine.MaxConcurrentNodes)
	l.v.SetDefault("engine.event_buffer_size", d.Engine.EventBufferSize)
	l.v.SetDefault("engine.lock_duration", d.Engine.LockDuration)
	l.v.SetDefault("engine.claim_batch_size", d.Engine.ClaimBatchSize)

	l.v.SetDefault("lock.max_retries", d.Lock.MaxRetries)
	l.v.SetDefault("lock.base_retry_delay", d.Lock.BaseRetryDelay)
	l.v.SetDefault("lock.max_retry_delay", d.Lock.MaxRetryDelay)
	l.v.SetDefault("lock.circuit_breaker_threshold", d.Lock.CircuitBreakerThreshold)
	l.v.SetDefault("lock.circuit_breaker_timeout", d.Lock.CircuitBreakerTimeout)
	l.v.SetDefault("lock.degraded_mode_enabled", d.Lock.DegradedModeEnabled)

	l.v.SetDefault("renewal.check_interval", d.Renewal.CheckInterval)
	l.v.SetDefault("renewal.renewal_threshold", d.Renewal.RenewalThreshold)
	l.v.SetDefault("renewal.max_renewals", d.Renewal.MaxRenewals)
	l.v.SetDefault("renewal.default_lock_duration", d.Renewal.DefaultLockDuration)

	l.v.SetDefault("registry.heartbeat_interval", d.Registry.HeartbeatInterval)
	l.v.SetDefault("registry.stale_after", d.Registry.StaleAfter)
	l.v.SetDefault("registry.strategy", d.Registry.Strategy)

	l.v.SetDefault("store.driver", d.Store.Driver)
	l.v.SetDefault("store.dsn", d.Store.DSN)
	l.v.SetDefault("store.max_open_conns", d.Store.MaxOpenConns)
	l.v.SetDefault("store.max_idle_conns", d.Store.MaxIdleConns)
	l.v.SetDefault("store.auto_migrate", d.Store.AutoMigrate)

	l.v.SetDefault("lock_store.backend", d.LockStore.Backend)
	l.v.SetDefault("lock_store.redis.addr", d.LockStore.Redis.Addr)
	l.v.SetDefault("lock_store.redis.password", d.LockStore.Redis.Password)
	l.v.SetDefault("lock_store.redis.db", d.LockStore.Redis.DB)
	l.v.SetDefault("lock_store.redis.prefix", d.LockStore.Redis.Prefix)

	l.v.SetDefault("log.level", d.Log.Level)
	l.v.SetDefault("log.format", d.Log.Format)
	l.v.SetDefault("metrics.addr", d.Metrics.Addr)
	l.v.SetDefault("definitions.dir", d.Definitions.Dir)
	l.v.SetDefault("definitions.builtin", d.Definitions.Builtin)
}
