package runtime

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// SignalContext returns a context cancelled on SIGINT or SIGTERM, or when
// parent is done. The returned stop releases the signal handler.
func SignalContext(parent context.Context, logger *zap.Logger, service string) (context.Context, context.CancelFunc) {
	if service == "" {
		service = "service"
	}
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-ctx.Done():
		case sig := <-sigCh:
			logger.Info("shutting down", zap.String("service", service), zap.String("signal", sig.String()))
			cancel()
		}
	}()
	return ctx, func() {
		signal.Stop(sigCh)
		cancel()
	}
}
