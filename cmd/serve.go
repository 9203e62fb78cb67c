package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/markymo/compass-sub003/internal/api"
	"github.com/markymo/compass-sub003/internal/evidence"
	"github.com/markymo/compass-sub003/internal/metrics"
	"github.com/markymo/compass-sub003/internal/override"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API for propagation, overrides and ledger reads",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		rt, err := initRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close() //nolint:errcheck

		promReg := prometheus.NewRegistry()
		promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.New(promReg)

		pipe, err := newPipeline(rt, m)
		if err != nil {
			return err
		}

		srvAPI := api.New(
			pipe,
			override.NewGateway(rt.registry, rt.ledger, rt.store).WithMetrics(m),
			rt.ledger,
			evidence.NewService(rt.store),
			api.Options{
				AllowedOrigins: cfg.Server.AllowedOrigins,
				RateLimit:      cfg.Server.RateLimit,
				Burst:          cfg.Server.Burst,
				Gatherer:       promReg,
			},
		)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           srvAPI.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
