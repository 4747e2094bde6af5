package workflow

import "github.com/pkg/errors"

// Config 引擎进程的全部库配置, 由 internal/config 从文件和环境变量加载
type Config struct {
	Engine   EngineConfig            `mapstructure:"engine" yaml:"engine"`
	Lock     FaultTolerantLockConfig `mapstructure:"lock" yaml:"lock"`
	Renewal  RenewalConfig           `mapstructure:"renewal" yaml:"renewal"`
	Registry EngineRegistryConfig    `mapstructure:"registry" yaml:"registry"`
}

func DefaultConfig() Config {
	return Config{
		Engine:   DefaultEngineConfig(),
		Lock:     DefaultFaultTolerantLockConfig(),
		Renewal:  DefaultRenewalConfig(),
		Registry: DefaultEngineRegistryConfig(),
	}
}

// Validate 续约检查间隔必须小于续约阈值对应的时间, 否则锁可能在两次检查之间过期
func (c *Config) Validate() error {
	if err := validatorUtil.Struct(c); err != nil {
		return errors.WithMessagef(ErrWorkflowParamInvalid, "config: %v", err)
	}
	window := float64(c.Engine.LockDuration) * c.Renewal.RenewalThreshold
	if float64(c.Renewal.CheckInterval) >= window {
		return errors.WithMessagef(ErrWorkflowParamInvalid,
			"renewal check_interval %s must be shorter than lock_duration*renewal_threshold", c.Renewal.CheckInterval)
	}
	if c.Registry.StaleAfter <= c.Registry.HeartbeatInterval {
		return errors.WithMessagef(ErrWorkflowParamInvalid,
			"registry stale_after %s must be longer than heartbeat_interval %s", c.Registry.StaleAfter, c.Registry.HeartbeatInterval)
	}
	return nil
}
