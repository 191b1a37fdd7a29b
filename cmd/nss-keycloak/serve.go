package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/getsentry/sentry-go"
	"github.com/spf13/cobra"

	api "nsskeycloak/internal/http"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(o *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve passwd and group lookups over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := o.newApp(ctx)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			return a.serve(ctx, ln)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (host:port), overrides server.addr")
	return cmd
}

// serve runs the lookup service on ln until ctx is done, then shuts down
// gracefully.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	logger := a.logger

	sentryEnabled := false
	if dsn := os.Getenv("SENTRY_DSN"); dsn != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              dsn,
			Environment:      envOr("SENTRY_ENVIRONMENT", "production"),
			Release:          version,
			TracesSampleRate: 1.0,
			AttachStacktrace: true,
		})
		if err != nil {
			logger.Warn("sentry initialization failed", "error", err)
		} else {
			logger.Info("sentry initialized", "environment", envOr("SENTRY_ENVIRONMENT", "production"))
			sentryEnabled = true
		}
	}

	rl := api.RateLimitConfig{
		RequestsPerSecond: a.cfg.Server.RateLimitRPS,
		Burst:             a.cfg.Server.RateLimitBurst,
	}
	if rl.Enabled() {
		logger.Info("rate limiting configured", "requests_per_second", rl.RequestsPerSecond, "burst", rl.Burst)
	} else {
		logger.Info("rate limiting disabled")
	}

	srv := api.NewServer(http.NewServeMux(), a.service, a.tokens, logger, a.metrics)
	srv.RegisterRoutes()
	server := &http.Server{
		Handler:           srv.Handler(rl),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("nss-keycloak listening", "addr", ln.Addr().String())
		serverErrors <- server.Serve(ln)
	}()
	notifySystemd(logger, daemon.SdNotifyReady)

	var serveErr error
	select {
	case err := <-serverErrors:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = err
		}
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	}

	notifySystemd(logger, daemon.SdNotifyStopping)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	} else {
		logger.Info("server stopped gracefully")
	}

	if sentryEnabled {
		sentry.Flush(2 * time.Second)
	}
	return serveErr
}

// notifySystemd reports service state when running under a Type=notify
// unit. Outside systemd it does nothing.
func notifySystemd(logger *slog.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		logger.Warn("systemd notification failed", "state", state, "error", err)
		return
	}
	if sent {
		logger.Debug("systemd notified", "state", state)
	}
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
