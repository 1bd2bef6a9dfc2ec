// Package main is the entry point for the digest diagnostics API.
//
// In local mode it runs a standard HTTP server on the configured port with
// graceful shutdown on SIGINT and SIGTERM. Inside AWS Lambda it serves API
// Gateway HTTP API (payload v2) events through the same router.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"

	"qsldigest/internal/api"
	"qsldigest/internal/bootstrap"
	"qsldigest/internal/config"
	"qsldigest/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := logging.New(cfg.LogLevel, "service", "digest-api")
	logger.Info("digest API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)
	if !cfg.Server.APIToken.IsSet() {
		logger.Warn("API_TOKEN is not set; /v1 routes will refuse every request")
	}

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initializing digest pipeline: %w", err)
	}
	defer app.Close()

	srv := newServer(app, cfg, logger)

	if isLambdaEnvironment() {
		lambda.Start(newLambdaHandler(srv.Handler()).Handle)
		return nil
	}
	return runHTTPServer(srv.Handler(), cfg, logger)
}

func newServer(app *bootstrap.App, cfg *config.Config, logger *slog.Logger) *api.Server {
	return api.NewServer(app.Driver, logger,
		api.WithProbes(app.Probes()...),
		api.WithVersion(cfg.Build.Version),
		api.WithBearerToken(cfg.Server.APIToken),
	)
}

// isLambdaEnvironment reports whether the process runs inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer listens on the configured port and serves until SIGINT or
// SIGTERM.
func runHTTPServer(handler http.Handler, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := net.Listen("tcp", ":"+cfg.Server.Port)
	if err != nil {
		return fmt.Errorf("listening on port %s: %w", cfg.Server.Port, err)
	}
	logger.Info("HTTP server listening", "addr", ln.Addr().String())
	return serve(ctx, newHTTPServer(handler), ln, cfg.Server.ShutdownTimeout, logger)
}

func newHTTPServer(handler http.Handler) *http.Server {
	return &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// serve runs srv on ln until ctx is done, then drains in-flight requests for
// at most grace. A listener failure is returned without draining.
func serve(ctx context.Context, srv *http.Server, ln net.Listener, grace time.Duration, logger *slog.Logger) error {
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ln) }()

	select {
	case err := <-done:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serving http: %w", err)
	case <-ctx.Done():
	}

	logger.Info("draining HTTP server", "grace", grace)
	drainCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
		return fmt.Errorf("draining http server: %w", err)
	}
	logger.Info("server stopped cleanly")
	return nil
}
