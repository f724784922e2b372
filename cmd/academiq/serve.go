package main

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/academiq/internal/runtime"
	srv "github.com/mohammad-safakhou/academiq/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func serveCMD(cfgPath *string) *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()
			secret, err := runtime.LoadJWTSecret(cfg)
			if err != nil {
				return err
			}

			ctx, stop := runtime.SignalContext(cmd.Context(), logger, "academiq")
			defer stop()

			tel, meter, tracer, err := runtime.SetupTelemetry(ctx, cfg.Telemetry, runtime.TelemetryOptions{
				ServiceName:    "academiq",
				ServiceVersion: version,
				Logger:         logger,
			})
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(sctx); err != nil {
					logger.Warn("telemetry shutdown", zap.Error(err))
				}
			}()

			a, err := buildApp(ctx, cfg, logger, meter, tracer)
			if err != nil {
				return err
			}
			defer a.Close()
			a.background(ctx)

			opts := srv.Options{
				Engine:    a.engine,
				Secret:    secret,
				RoleClaim: cfg.Server.RoleClaim,
				Metrics:   tel.Handler(),
				Logger:    logger,
			}
			if a.store != nil {
				opts.Audit = a.store
			}
			server, err := srv.New(opts)
			if err != nil {
				return err
			}

			addr := serveAddr
			if addr == "" {
				addr = cfg.Server.Address
			}
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start(addr) }()

			select {
			case err := <-errCh:
				return err
			case <-ctx.Done():
			}
			sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(sctx)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (default server.address)")

	return serve
}
