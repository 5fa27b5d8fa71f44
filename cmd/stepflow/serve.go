package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/petrijr/stepflow/pkg/api"
	"github.com/petrijr/stepflow/pkg/metrics"
	"github.com/petrijr/stepflow/pkg/retention"
)

var (
	serveMetricsAddr string
	serveRecover     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the retention sweeper and expose Prometheus metrics until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m, err := metrics.New(reg, "")
		if err != nil {
			return err
		}

		a, err := newApp(ctx, map[string]api.WorkflowExecutionListener{"prometheus": m})
		if err != nil {
			return err
		}
		defer a.close(context.WithoutCancel(ctx))

		if err := expenseFlow(100).Register(a.engine); err != nil {
			return err
		}
		if serveRecover {
			if _, err := a.engine.RecoverStuckInstances(ctx); err != nil {
				return err
			}
		}

		if a.cfg.Retention.Schedule != "" {
			sweeper, err := retention.New(a.engine, retention.Config{
				Schedule: a.cfg.Retention.Schedule,
				MaxAge:   a.cfg.Retention.MaxAge,
				Logger:   a.logger,
			})
			if err != nil {
				return err
			}
			sweeper.Start()
			defer sweeper.Stop(context.WithoutCancel(ctx))
			a.logger.Info("retention_scheduled", "schedule", a.cfg.Retention.Schedule, "next", sweeper.Next())
		}

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: serveMetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		errCh := make(chan error, 1)
		go func() { errCh <- srv.ListenAndServe() }()
		a.logger.Info("serving", "metrics_addr", serveMetricsAddr)

		select {
		case <-ctx.Done():
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				return err
			}
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveMetricsAddr, "metrics-addr", ":9090", "Listen address for /metrics")
	serveCmd.Flags().BoolVar(&serveRecover, "recover", false, "Fail stuck RUNNING runs before serving")
}
