package config

import (
	"github.com/blingmoon/distributed-workflow/workflow"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

const (
	StoreDriverSqlite = "sqlite"
	StoreDriverMysql  = "mysql"

	LockBackendGorm  = "gorm"
	LockBackendRedis = "redis"
)

// Config 引擎进程配置, 库配置之外加上存储/锁后端/日志/指标
type Config struct {
	Engine      workflow.EngineConfig            `mapstructure:"engine" yaml:"engine"`
	Lock        workflow.FaultTolerantLockConfig `mapstructure:"lock" yaml:"lock"`
	Renewal     workflow.RenewalConfig           `mapstructure:"renewal" yaml:"renewal"`
	Registry    workflow.EngineRegistryConfig    `mapstructure:"registry" yaml:"registry"`
	Store       StoreConfig                      `mapstructure:"store" yaml:"store"`
	LockStore   LockStoreConfig                  `mapstructure:"lock_store" yaml:"lock_store"`
	Log         LogConfig                        `mapstructure:"log" yaml:"log"`
	Metrics     MetricsConfig                    `mapstructure:"metrics" yaml:"metrics"`
	Definitions DefinitionsConfig                `mapstructure:"definitions" yaml:"definitions"`
}

type StoreConfig struct {
	Driver       string `mapstructure:"driver" yaml:"driver" validate:"oneof=sqlite mysql"`
	DSN          string `mapstructure:"dsn" yaml:"dsn" validate:"required"`
	MaxOpenConns int    `mapstructure:"max_open_conns" yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns int    `mapstructure:"max_idle_conns" yaml:"max_idle_conns" validate:"gte=0"`
	// AutoMigrate serve 启动时自动建表
	AutoMigrate bool `mapstructure:"auto_migrate" yaml:"auto_migrate"`
}

// LockStoreConfig 锁存储, gorm 和工作流共用一个数据库
type LockStoreConfig struct {
	Backend string      `mapstructure:"backend" yaml:"backend" validate:"oneof=gorm redis"`
	Redis   RedisConfig `mapstructure:"redis" yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password"`
	DB       int    `mapstructure:"db" yaml:"db" validate:"gte=0"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

type MetricsConfig struct {
	// Addr 为空不启动 /metrics
	Addr string `mapstructure:"addr" yaml:"addr"`
}

type DefinitionsConfig struct {
	// Dir 工作流定义目录, 目录下的 yaml/json 文件在启动时加载
	Dir string `mapstructure:"dir" yaml:"dir"`
	// Builtin 加载内置示例工作流 approval_workflow/order_batch
	Builtin bool `mapstructure:"builtin" yaml:"builtin"`
}

func Default() *Config {
	wf := workflow.DefaultConfig()
	return &Config{
		Engine:   wf.Engine,
		Lock:     wf.Lock,
		Renewal:  wf.Renewal,
		Registry: wf.Registry,
		Store: StoreConfig{
			Driver:      StoreDriverSqlite,
			DSN:         "workflow.db",
			AutoMigrate: true,
		},
		LockStore: LockStoreConfig{
			Backend: LockBackendGorm,
			Redis:   RedisConfig{Addr: "127.0.0.1:6379", Prefix: "workflow:lock:"},
		},
		Log:         LogConfig{Level: "info", Format: "text"},
		Definitions: DefinitionsConfig{Dir: "definitions", Builtin: true},
	}
}

// Workflow 库需要的部分
func (c *Config) Workflow() workflow.Config {
	return workflow.Config{
		Engine:   c.Engine,
		Lock:     c.Lock,
		Renewal:  c.Renewal,
		Registry: c.Registry,
	}
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.LockStore.Backend == LockBackendRedis && c.LockStore.Redis.Addr == "" {
		return errors.New("invalid config: lock_store.redis.addr is required for redis backend")
	}
	wf := c.Workflow()
	return wf.Validate()
}
