package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nvcnvn/durable"
	"github.com/nvcnvn/durable/examples/mail"
	"github.com/nvcnvn/durable/internal/config"
	"github.com/nvcnvn/durable/internal/notify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// app holds everything a subcommand needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	store   durable.Store
	engine  *durable.Engine
	flows   *mail.Workflows
	metrics *prometheus.Registry

	closers []func()
}

// newApp opens the store and builds an engine with the demo workflows.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:     cfg,
		logger:  newLogger(cfg.Log),
		metrics: prometheus.NewRegistry(),
	}
	a.closers = append(a.closers, func() { _ = a.logger.Sync() })

	var pool *pgxpool.Pool
	switch cfg.Store.Driver {
	case "postgres":
		var err error
		pool, err = pgxpool.New(ctx, cfg.Store.DSN)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
		a.store = durable.NewPostgresStore(pool, durable.DBConfig{Schema: cfg.Store.Schema})
	default:
		store, err := durable.OpenSQLiteStore(cfg.Store.DSN)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = store.Close() })
		a.store = store
	}

	reg := durable.NewRegistry()
	flows, err := mail.Register(reg)
	if err != nil {
		a.close()
		return nil, err
	}
	a.flows = flows

	opts := []durable.Option{
		durable.WithLogger(a.logger),
		durable.WithMetrics(a.metrics),
		durable.WithIdleTimeout(cfg.Worker.IdleTimeout),
		durable.WithPreserveTime(cfg.Worker.PreserveTime),
		durable.WithFailedPreserveTime(cfg.Worker.FailedPreserveTime),
		durable.WithServices(mail.Services(mail.LogMailer{Logger: a.logger.Named("mailer")})),
	}
	switch cfg.Notify.Driver {
	case "postgres":
		opts = append(opts, durable.WithNotifier(notify.NewPostgres(pool, cfg.Notify.Channel)))
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.Notify.RedisAddr})
		a.closers = append(a.closers, func() { _ = client.Close() })
		opts = append(opts, durable.WithNotifier(notify.NewRedis(client, cfg.Notify.Channel)))
	}
	a.engine = durable.New(a.store, reg, opts...)
	return a, nil
}

// close releases resources in reverse order of acquisition.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func newLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	if cfg.Format == "console" {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Format == "console",
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	if cfg.Format == "console" {
		zapConfig.Encoding = "console"
	}

	logger, err := zapConfig.Build(zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger.Named("durabled")
}
