package cmd

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvcnvn/durable/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newWorkerCmd(cfg *config.Config, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Poll and run due workflows until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg)
		},
	}
	cmd.Flags().String("group", "", "task group to poll")
	cmd.Flags().String("addr", "", "serve /metrics, /health and the workflow API on this address")
	cmd.Flags().Duration("idle-timeout", 15*time.Second, "sleep when nothing is due")
	cmd.Flags().String("notify", "", "wake hint transport (postgres, redis)")
	_ = v.BindPFlag("worker.group", cmd.Flags().Lookup("group"))
	_ = v.BindPFlag("metrics.addr", cmd.Flags().Lookup("addr"))
	_ = v.BindPFlag("worker.idle_timeout", cmd.Flags().Lookup("idle-timeout"))
	_ = v.BindPFlag("notify.driver", cmd.Flags().Lookup("notify"))
	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.Seed(ctx); err != nil {
		return err
	}

	var httpServer *http.Server
	if cfg.Metrics.Addr != "" {
		s := &server{engine: a.engine, logger: a.logger, metrics: a.metrics}
		httpServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           s.handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			a.logger.Info("http server starting", zap.String("addr", cfg.Metrics.Addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server failed", zap.Error(err))
			}
		}()
	}

	err = a.engine.Start(ctx, cfg.Worker.Group)

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("http server shutdown", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	return err
}
