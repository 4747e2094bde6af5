package bootstrap

import (
	"context"
	"log/slog"
	"time"

	"github.com/blingmoon/distributed-workflow/internal/commonregister"
	"github.com/blingmoon/distributed-workflow/internal/config"
	"github.com/blingmoon/distributed-workflow/workflow"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// App 一个引擎进程需要的全部组件
type App struct {
	Config      *config.Config
	DB          *gorm.DB
	Redis       *redis.Client
	Repo        workflow.WorkflowRepo
	Locks       *workflow.FaultTolerantLockManager
	Leases      *workflow.WorkflowLockManager
	Executors   *workflow.ExecutorRegistry
	Definitions *workflow.DefinitionRegistry
	Registry    *workflow.EngineRegistry
	Engine      *workflow.Engine
	Monitor     *workflow.Monitor
	Metrics     *workflow.Metrics
	Logger      *slog.Logger
}

type options struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	clock      workflow.Clock
	db         *gorm.DB
	executors  []func(*workflow.ExecutorRegistry) error
}

type Option func(*options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithRegisterer 指标注册位置, 默认不注册
func WithRegisterer(registerer prometheus.Registerer) Option {
	return func(o *options) { o.registerer = registerer }
}

func WithClock(clock workflow.Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithDB 使用已经打开的数据库, 忽略 store 配置
func WithDB(db *gorm.DB) Option {
	return func(o *options) { o.db = db }
}

// WithExecutors 在内置执行器之后注册业务执行器
func WithExecutors(register func(*workflow.ExecutorRegistry) error) Option {
	return func(o *options) { o.executors = append(o.executors, register) }
}

// OpenDB 按配置打开数据库
func OpenDB(cfg config.StoreConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case config.StoreDriverMysql:
		dialector = mysql.Open(cfg.DSN)
	case config.StoreDriverSqlite:
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, errors.Errorf("unsupported store driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database failed", cfg.Driver)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql db failed")
	}
	if cfg.Driver == config.StoreDriverSqlite {
		// sqlite 只允许一个写连接, 多连接会出现 database is locked
		sqlDB.SetMaxOpenConns(1)
	} else {
		if cfg.MaxOpenConns > 0 {
			sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
		}
		sqlDB.SetConnMaxLifetime(time.Hour)
	}
	return db, nil
}

// New 组装引擎, 不会启动任何后台循环
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{Config: cfg, Logger: logger, Metrics: workflow.NewMetrics(o.registerer)}

	db := o.db
	if db == nil {
		var err error
		if db, err = OpenDB(cfg.Store); err != nil {
			return nil, err
		}
	}
	app.DB = db
	if cfg.Store.AutoMigrate {
		if err := workflow.AutoMigrate(db); err != nil {
			app.Close()
			return nil, errors.WithMessage(err, "auto migrate failed")
		}
	}
	app.Repo = workflow.NewWorkflowRepo(db, o.clock)

	store, err := app.lockStore(ctx, o.clock)
	if err != nil {
		app.Close()
		return nil, err
	}
	primary := workflow.NewDistributedLockManager(store, o.clock, logger)
	app.Locks = workflow.NewFaultTolerantLockManager(primary, cfg.Lock,
		workflow.WithLockClock(o.clock),
		workflow.WithLockLogger(logger),
		workflow.WithLockMetrics(app.Metrics))
	app.Leases = workflow.NewWorkflowLockManager(app.Locks, cfg.Renewal, o.clock, logger, app.Metrics)

	app.Executors = workflow.NewExecutorRegistry()
	if err := commonregister.RegisterBuiltins(app.Executors); err != nil {
		app.Close()
		return nil, err
	}
	for _, register := range o.executors {
		if err := register(app.Executors); err != nil {
			app.Close()
			return nil, errors.WithMessage(err, "register executors failed")
		}
	}
	if app.Definitions, err = workflow.NewDefinitionRegistry(app.Executors); err != nil {
		app.Close()
		return nil, err
	}
	if cfg.Definitions.Builtin {
		if _, err := commonregister.RegisterDemoWorkflows(app.Definitions); err != nil {
			app.Close()
			return nil, err
		}
	}
	defs, err := app.Definitions.LoadDefinitions(cfg.Definitions.Dir)
	if err != nil {
		app.Close()
		return nil, errors.WithMessage(err, "load workflow definitions failed")
	}

	engineID := cfg.Engine.EngineID
	if engineID == "" {
		engineID = defaultEngineID()
	}
	engineCfg := cfg.Engine
	engineCfg.EngineID = engineID
	if app.Registry, err = workflow.NewEngineRegistry(db, engineID, cfg.Registry, o.clock, logger); err != nil {
		app.Close()
		return nil, err
	}
	app.Engine, err = workflow.NewEngine(workflow.EngineOptions{
		Config:      engineCfg,
		Repo:        app.Repo,
		Locks:       app.Locks,
		Leases:      app.Leases,
		Registry:    app.Registry,
		Definitions: app.Definitions,
		Clock:       o.clock,
		Logger:      logger,
		Metrics:     app.Metrics,
	})
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Monitor = workflow.NewMonitor(workflow.MonitorOptions{
		Locks:    app.Locks,
		Registry: app.Registry,
		Repo:     app.Repo,
		Leases:   app.Leases,
		Clock:    o.clock,
		Logger:   logger,
	})
	logger.InfoContext(ctx, "engine assembled",
		slog.String("engine_id", engineID),
		slog.String("store", cfg.Store.Driver),
		slog.String("lock_backend", cfg.LockStore.Backend),
		slog.Int("definitions", len(app.Definitions.List())),
		slog.Int("definition_files", len(defs)))
	return app, nil
}

func (a *App) lockStore(ctx context.Context, clock workflow.Clock) (workflow.LockStore, error) {
	switch a.Config.LockStore.Backend {
	case config.LockBackendRedis:
		rc := a.Config.LockStore.Redis
		a.Redis = redis.NewClient(&redis.Options{
			Addr:     rc.Addr,
			Password: rc.Password,
			DB:       rc.DB,
		})
		// 启动时连不上只告警, 后面由熔断器降级
		if err := a.Redis.Ping(ctx).Err(); err != nil {
			a.Logger.WarnContext(ctx, "redis lock backend unreachable", slog.String("addr", rc.Addr), slog.Any("error", err))
		}
		return workflow.NewRedisLockStore(a.Redis, rc.Prefix, clock), nil
	case config.LockBackendGorm, "":
		return workflow.NewGormLockStore(a.DB, clock), nil
	}
	return nil, errors.Errorf("unsupported lock backend %q", a.Config.LockStore.Backend)
}

// Close 关闭数据库和 redis 连接, 引擎需要先 Stop
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Logger.Warn("close redis failed", slog.Any("error", err))
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Logger.Warn("close database failed", slog.Any("error", err))
			}
		}
	}
}
