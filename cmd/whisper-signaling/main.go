package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/wh15p3r/signaling/internal/accesscode"
	"github.com/wh15p3r/signaling/internal/config"
	"github.com/wh15p3r/signaling/internal/httpserver"
	"github.com/wh15p3r/signaling/internal/janitor"
	"github.com/wh15p3r/signaling/internal/kv"
	"github.com/wh15p3r/signaling/internal/metrics"
	"github.com/wh15p3r/signaling/internal/ratelimit"
	"github.com/wh15p3r/signaling/internal/registry"
	"github.com/wh15p3r/signaling/internal/signaling"
)

var (
	// Set via -ldflags at build time. Values may be empty in local/dev builds.
	buildCommit = ""
	buildTime   = ""
)

func main() {
	// A local .env is a dev convenience; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(logger)

	logger.Info("starting whisper-signaling",
		"listen_addr", cfg.ListenAddr,
		"mode", cfg.Mode,
		"kv_backend", cfg.KVBackend,
		"session_idle_timeout", cfg.SessionIdleTimeout,
		"session_sweep_interval", cfg.SessionSweepInterval,
		"code_sweep_interval", cfg.CodeSweepInterval,
		"max_validation_attempts", cfg.MaxValidationAttempts,
		"validation_window", cfg.ValidationWindow,
		"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
	)

	logStartupSecurityWarnings(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := newKVBackend(ctx, cfg)
	if err != nil {
		logger.Error("failed to open key-value backend", "err", err)
		os.Exit(2)
	}
	defer func() { _ = backend.Close() }()

	m := metrics.New()
	codes := accesscode.NewStore(backend, nil)
	limiter := ratelimit.NewAttemptLimiter(backend, nil, cfg.MaxValidationAttempts, cfg.ValidationWindow)
	sessions := registry.New(nil)

	coordinator := signaling.NewCoordinator(sessions, m, logger)
	wsServer := signaling.NewWebSocketServer(signaling.Config{
		Coordinator:       coordinator,
		Metrics:           m,
		Logger:            logger,
		MaxMessageBytes:   cfg.MaxSignalingMessageBytes,
		MessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		IdleTimeout:       cfg.SignalingWSIdleTimeout,
		PingInterval:      cfg.SignalingWSPingInterval,
	})

	commit, built := resolveBuildInfo(buildCommit, buildTime)

	srv := httpserver.New(cfg, logger, httpserver.Deps{
		Codes:     codes,
		Limiter:   limiter,
		Sessions:  sessions,
		Metrics:   m,
		Signaling: wsServer,
		Build:     httpserver.BuildInfo{Commit: commit, BuildTime: built},
	})

	jan := janitor.New(janitor.Config{
		Registry:             sessions,
		Codes:                codes,
		Metrics:              m,
		Logger:               logger,
		SessionSweepInterval: cfg.SessionSweepInterval,
		SessionIdleTimeout:   cfg.SessionIdleTimeout,
		CodeSweepInterval:    cfg.CodeSweepInterval,
		BackendTimeout:       cfg.BackendTimeout,
	})
	go jan.Run(ctx)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error("failed to listen", "err", err)
		os.Exit(1)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server exited", "err", err)
			os.Exit(1)
		}
		return
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited after shutdown", "err", err)
		os.Exit(1)
	}
}

func newKVBackend(ctx context.Context, cfg config.Config) (kv.Store, error) {
	switch cfg.KVBackend {
	case config.KVBackendRedis:
		return kv.NewRedisStore(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword, cfg.RedisDB)
	default:
		return kv.NewMemoryStore(), nil
	}
}

func resolveBuildInfo(commit, buildTime string) (string, string) {
	// Prefer ldflags-injected values (production builds) but fall back to the Go
	// build info when available (useful for `go run` / dev builds).
	if bi, ok := debug.ReadBuildInfo(); ok {
		for _, s := range bi.Settings {
			switch s.Key {
			case "vcs.revision":
				if commit == "" {
					commit = s.Value
				}
			case "vcs.time":
				if buildTime == "" {
					buildTime = s.Value
				}
			}
		}
	}

	return commit, buildTime
}
