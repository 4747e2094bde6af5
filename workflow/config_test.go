package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Validate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cases := map[string]func(c *Config){
		"check interval outside renewal window": func(c *Config) { c.Renewal.CheckInterval = 9 * time.Second },
		"stale before heartbeat":                func(c *Config) { c.Registry.StaleAfter = c.Registry.HeartbeatInterval },
		"zero poll interval":                    func(c *Config) { c.Engine.PollInterval = 0 },
		"unknown strategy":                      func(c *Config) { c.Registry.Strategy = "random" },
		"zero breaker threshold":                func(c *Config) { c.Lock.CircuitBreakerThreshold = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrWorkflowParamInvalid)
		})
	}
}
