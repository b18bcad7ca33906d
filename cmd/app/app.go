package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/untibullet/pr-router/internal/config"
	"github.com/untibullet/pr-router/internal/escalation"
	"github.com/untibullet/pr-router/internal/metrics"
	"github.com/untibullet/pr-router/internal/models"
	"github.com/untibullet/pr-router/internal/notify"
	"github.com/untibullet/pr-router/internal/repository"
	"github.com/untibullet/pr-router/internal/repository/sqlite"
	"github.com/untibullet/pr-router/internal/routing"
	"github.com/untibullet/pr-router/internal/selector"
	"github.com/untibullet/pr-router/internal/service"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// store объединение контрактов, которые реализуют оба адаптера хранения
type store interface {
	routing.RuleLoader
	selector.Store
	service.AssignmentStore
	service.FailureStore
	service.RuleStore
	service.DirectoryStore
	service.ReviewStore
	escalation.Store
	notify.Directory
	SetDefaultThresholds(th models.EscalationThresholds)
}

var (
	_ store = (*repository.Repository)(nil)
	_ store = (*sqlite.Store)(nil)
)

// app собранные компоненты сервиса
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry

	router  *service.Router
	rules   *service.RuleService
	admin   *service.AdminService
	trigger *escalation.Trigger

	closers []func()
}

// newApp загружает конфигурацию, подключается к хранилищу и связывает компоненты
func newApp(ctx context.Context, configPath string) (*app, error) {
	// Загрузка конфигурации
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Инициализация логгера
	logger, err := initLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	st, err := a.openStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	st.SetDefaultThresholds(models.EscalationThresholds{
		Reminder:   cfg.Escalation.ReminderThreshold,
		Escalation: cfg.Escalation.EscalationThreshold,
	})

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(a.registry)

	// Маршрутизация
	cache := routing.NewRuleCache(st, cfg.Routing.StoreTimeout)
	engine := routing.NewEngine(cache, logger.Named("routing"))
	sel := selector.New(st, logger.Named("selector"))
	writer := service.NewWriter(st)
	a.router = service.NewRouter(engine, sel, writer, st, m, logger.Named("router"), cfg.Routing.StoreTimeout)
	a.rules = service.NewRuleService(st, cache)
	a.admin = service.NewAdminService(st, st)

	// Эскалация
	dispatcher := notify.NewDispatcher(st, buildChannels(cfg.Notify, logger), notify.Options{
		Attempts:   cfg.Notify.Attempts,
		RetryDelay: cfg.Notify.Delay,
		Timeout:    cfg.Notify.Timeout,
	}, m, logger.Named("notify"))
	processor := escalation.NewProcessor(st, dispatcher, m, logger.Named("escalation"), cfg.Escalation.OperationTimeout)
	a.trigger = escalation.NewTrigger(processor, logger.Named("escalation"))

	return a, nil
}

func (a *app) openStore(ctx context.Context) (store, error) {
	switch a.cfg.Database.Driver {
	case "sqlite":
		st, err := sqlite.Open(a.cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.closers = append(a.closers, func() { _ = st.Close() })
		a.logger.Info("sqlite store opened", zap.String("path", a.cfg.Database.Path))
		return st, nil
	default:
		pool, err := initDatabase(ctx, a.cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		a.logger.Info("database connection established")
		return repository.New(pool), nil
	}
}

// close освобождает ресурсы в обратном порядке
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildChannels(cfg config.NotifyConfig, logger *zap.Logger) []notify.Channel {
	var channels []notify.Channel
	for _, name := range cfg.Channels {
		switch name {
		case "email":
			channels = append(channels, notify.NewEmailChannel(notify.SMTPConfig{
				Host:     cfg.SMTP.Host,
				Port:     cfg.SMTP.Port,
				Username: cfg.SMTP.Username,
				Password: cfg.SMTP.Password,
				From:     cfg.SMTP.From,
			}))
		case "slack":
			channels = append(channels, notify.NewSlackChannel(cfg.Slack.WebhookURL, cfg.Timeout))
		case "log":
			channels = append(channels, notify.NewLogChannel(logger.Named("notify")))
		}
	}
	return channels
}

// initLogger инициализирует zap логгер на основе конфигурации
func initLogger(cfg config.LoggerConfig) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = zapcore.InfoLevel
	}

	var zapConfig zap.Config
	if cfg.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapConfig.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

// initDatabase инициализирует пул подключений к PostgreSQL
func initDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	// Настройки пула
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}
