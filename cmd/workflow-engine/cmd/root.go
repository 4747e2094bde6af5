package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"

	"github.com/blingmoon/distributed-workflow/internal/bootstrap"
	"github.com/blingmoon/distributed-workflow/internal/config"
	"github.com/blingmoon/distributed-workflow/internal/logging"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	appVersion = "dev"
	appCommit  = "none"
)

func SetVersion(version, commit string) {
	appVersion = version
	appCommit = commit
}

func Execute() error {
	root := NewRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		return err
	}
	return nil
}

// cli 一次命令执行的共享状态, 每个命令树一份, 测试之间互不影响
type cli struct {
	v        *viper.Viper
	cfgFile  string
	logLevel string
	logOut   io.Writer
}

func NewRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}
	root := &cobra.Command{
		Use:   "workflow-engine",
		Short: "Distributed DAG workflow engine",
		Long: `workflow-engine runs DAG workflows across several engine processes.

Engines share one database. Each workflow instance is driven by the engine
holding its workflow lock; when an engine dies its lock expires and another
live engine claims the workflow.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       appVersion,
	}
	root.SetVersionTemplate(fmt.Sprintf("workflow-engine %s (%s)\n", appVersion, appCommit))

	flags := root.PersistentFlags()
	flags.StringVar(&c.cfgFile, "config", "", "config file (default: ./workflow-engine.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")
	flags.String("dsn", "", "database dsn, overrides store.dsn")
	_ = c.v.BindPFlag("log.level", flags.Lookup("log-level"))
	_ = c.v.BindPFlag("log.format", flags.Lookup("log-format"))
	_ = c.v.BindPFlag("store.dsn", flags.Lookup("dsn"))

	root.AddCommand(
		c.newServeCommand(),
		c.newMigrateCommand(),
		c.newStartCommand(),
		c.newStatusCommand(),
		c.newListCommand(),
		c.newCancelCommand(),
		c.newSignalCommand(),
		c.newRestartCommand(),
		c.newDefinitionsCommand(),
		c.newMonitorCommand(),
	)
	return root
}

func (c *cli) loadConfig() (*config.Config, error) {
	loader := config.NewLoaderWithViper(c.v)
	if c.cfgFile != "" {
		loader.WithConfigFile(c.cfgFile)
	}
	return loader.Load()
}

func (c *cli) logger(cfg *config.Config) *slog.Logger {
	out := c.logOut
	if out == nil {
		out = os.Stderr
	}
	return logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: out})
}

// app 加载配置并组装引擎, 调用方负责 Close
func (c *cli) app(ctx context.Context, opts ...bootstrap.Option) (*bootstrap.App, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}
	opts = append([]bootstrap.Option{bootstrap.WithLogger(c.logger(cfg))}, opts...)
	return bootstrap.New(ctx, cfg, opts...)
}

func parseWorkflowID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.Errorf("invalid workflow instance id %q", arg)
	}
	return id, nil
}

// parseJSONObject 空字符串返回 nil
func parseJSONObject(name, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	if len(raw) > 1 && raw[0] == '@' {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			return nil, errors.Wrapf(err, "read --%s file", name)
		}
		raw = string(data)
	}
	m := map[string]any{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, errors.Wrapf(err, "--%s must be a json object", name)
	}
	return m, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
