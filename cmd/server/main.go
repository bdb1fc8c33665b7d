package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/GoCodeAlone/controlplane/auth"
	"github.com/GoCodeAlone/controlplane/config"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

var (
	configFile = flag.String("config", "", "Path to control plane configuration YAML file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	issueToken = flag.String("issue-token", "", "Print a token for principal[:tenant] and exit")
)

func main() {
	flag.Parse()
	applyEnvOverrides()

	cfg, err := loadConfig(*configFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}

	if *issueToken != "" {
		principal, tenantID, _ := strings.Cut(*issueToken, ":")
		tok, err := auth.NewTokens([]byte(cfg.Server.JWTSecret), cfg.Server.JWTIssuer, 24*time.Hour).Issue(principal, tenantID)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		fmt.Println(tok)
		return
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to configure logging: %v", err)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build control plane", "error", err)
		os.Exit(1)
	}
	if err := run(ctx, app, cfg.Server, logger); err != nil {
		logger.Error("control plane stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		cfg := config.Default()
		cfg.Server.JWTSecret = os.Getenv("CONTROLPLANE_JWT_SECRET")
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}

// envOrFlag returns the environment value of key if set, otherwise the flag
// value.
func envOrFlag(key string, flagVal *string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	if flagVal != nil {
		return *flagVal
	}
	return ""
}

// applyEnvOverrides lets container deployments set flags through the
// environment.
func applyEnvOverrides() {
	*configFile = envOrFlag("CONTROLPLANE_CONFIG", configFile)
	*addr = envOrFlag("CONTROLPLANE_ADDR", addr)
}

func newLogger(cfg config.LoggingConfig) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level, AddSource: level == slog.LevelDebug}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts)), nil
}

// run serves HTTP and runs the background workers until ctx is canceled or
// one of them fails, then shuts everything down.
func run(ctx context.Context, app *App, cfg config.ServerConfig, logger *slog.Logger) error {
	defer app.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           app.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting server", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if app.Partner != nil {
		g.Go(func() error { return app.Partner.Run(gctx) })
	}
	if app.Cleaner != nil {
		g.Go(func() error {
			runCleanup(gctx, app.Cleaner, time.Hour, logger)
			return nil
		})
	}
	return g.Wait()
}

// runCleanup purges expired billing event records every interval.
func runCleanup(ctx context.Context, c EventCleaner, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := c.Cleanup(ctx)
			if err != nil {
				logger.Warn("billing event cleanup failed", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("expired billing events purged", "count", n)
			}
		}
	}
}
