// Package config loads server configuration from environment variables and
// command-line flags (flags win) and constructs the process logger.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "WHISPER_LISTEN_ADDR"
	envVarMode            = "WHISPER_MODE"
	envVarLogFormat       = "WHISPER_LOG_FORMAT"
	envVarLogLevel        = "WHISPER_LOG_LEVEL"
	envVarShutdownTimeout = "WHISPER_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Admin credentials for the code-management endpoints.
	envVarAdminSecret       = "ADMIN_SECRET"
	envVarAdminPasswordHash = "ADMIN_PASSWORD_HASH"

	// Key-value backend for access codes and rate counters.
	envVarKVBackend     = "KV_BACKEND"
	envVarRedisAddr     = "REDIS_ADDR"
	envVarRedisUsername = "REDIS_USERNAME"
	envVarRedisPassword = "REDIS_PASSWORD"
	envVarRedisDB       = "REDIS_DB"
	envVarBackendTimeout = "BACKEND_TIMEOUT"

	// Janitor sweeps.
	envVarSessionIdleTimeout   = "SESSION_IDLE_TIMEOUT"
	envVarSessionSweepInterval = "SESSION_SWEEP_INTERVAL"
	envVarCodeSweepInterval    = "CODE_SWEEP_INTERVAL"

	// Brute-force limiting on /auth/validate.
	envVarMaxValidationAttempts = "MAX_VALIDATION_ATTEMPTS"
	envVarValidationWindow      = "VALIDATION_WINDOW"

	// Signaling WebSocket hardening.
	envVarMaxSignalingMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxSignalingMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
	envVarSignalingWSIdleTimeout        = "SIGNALING_WS_IDLE_TIMEOUT"
	envVarSignalingWSPingInterval       = "SIGNALING_WS_PING_INTERVAL"
)

const (
	DefaultListenAddr      = "127.0.0.1:8000"
	DefaultShutdownTimeout = 15 * time.Second
	DefaultMode            = ModeDev

	// DefaultAdminPasswordHash is SHA-256 of the well-known development
	// password. Running with it in prod triggers a startup warning.
	DefaultAdminPasswordHash = "b5672e2a8605c7cdb48041581767fbe5678cef5faec7b31c0718eec18620613b"

	DefaultBackendTimeout = 2 * time.Second

	DefaultSessionIdleTimeout   = 10 * time.Minute
	DefaultSessionSweepInterval = 5 * time.Minute
	DefaultCodeSweepInterval    = 10 * time.Minute

	DefaultMaxValidationAttempts = 5
	DefaultValidationWindow      = 15 * time.Minute

	DefaultMaxSignalingMessageBytes      = int64(64 * 1024)
	DefaultMaxSignalingMessagesPerSecond = 50
	DefaultSignalingWSIdleTimeout        = 60 * time.Second
	DefaultSignalingWSPingInterval       = 20 * time.Second
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type KVBackend string

const (
	KVBackendMemory KVBackend = "memory"
	KVBackendRedis  KVBackend = "redis"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration
	AllowedOrigins  []string

	AdminSecret       string
	AdminPasswordHash string

	KVBackend      KVBackend
	RedisAddr      string
	RedisUsername  string
	RedisPassword  string
	RedisDB        int
	BackendTimeout time.Duration

	SessionIdleTimeout   time.Duration
	SessionSweepInterval time.Duration
	CodeSweepInterval    time.Duration

	MaxValidationAttempts int
	ValidationWindow      time.Duration

	MaxSignalingMessageBytes      int64
	MaxSignalingMessagesPerSecond int
	SignalingWSIdleTimeout        time.Duration
	SignalingWSPingInterval       time.Duration
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, "*")
	adminSecret := envOrDefault(lookup, envVarAdminSecret, "")
	adminPasswordHash := envOrDefault(lookup, envVarAdminPasswordHash, DefaultAdminPasswordHash)
	kvBackendStr := envOrDefault(lookup, envVarKVBackend, string(KVBackendMemory))
	redisAddr := envOrDefault(lookup, envVarRedisAddr, "127.0.0.1:6379")
	redisUsername := envOrDefault(lookup, envVarRedisUsername, "")
	redisPassword := envOrDefault(lookup, envVarRedisPassword, "")

	redisDB, err := envIntOrDefault(lookup, envVarRedisDB, 0)
	if err != nil {
		return Config{}, err
	}
	maxValidationAttempts, err := envIntOrDefault(lookup, envVarMaxValidationAttempts, DefaultMaxValidationAttempts)
	if err != nil {
		return Config{}, err
	}
	maxSignalingMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxSignalingMessagesPerSecond, DefaultMaxSignalingMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	backendTimeout, err := envDurationOrDefault(lookup, envVarBackendTimeout, DefaultBackendTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionIdleTimeout, err := envDurationOrDefault(lookup, envVarSessionIdleTimeout, DefaultSessionIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	sessionSweepInterval, err := envDurationOrDefault(lookup, envVarSessionSweepInterval, DefaultSessionSweepInterval)
	if err != nil {
		return Config{}, err
	}
	codeSweepInterval, err := envDurationOrDefault(lookup, envVarCodeSweepInterval, DefaultCodeSweepInterval)
	if err != nil {
		return Config{}, err
	}
	validationWindow, err := envDurationOrDefault(lookup, envVarValidationWindow, DefaultValidationWindow)
	if err != nil {
		return Config{}, err
	}
	signalingWSIdleTimeout, err := envDurationOrDefault(lookup, envVarSignalingWSIdleTimeout, DefaultSignalingWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	signalingWSPingInterval, err := envDurationOrDefault(lookup, envVarSignalingWSPingInterval, DefaultSignalingWSPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxSignalingMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxSignalingMessageBytes = n
	}

	fs := flag.NewFlagSet("whisper-signaling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod (env "+envVarMode+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.StringVar(&allowedOriginsStr, "allowed-origins", allowedOriginsStr, "Comma-separated list of allowed browser origins, or * (env "+envVarAllowedOrigins+")")
	fs.StringVar(&adminSecret, "admin-secret", adminSecret, "Bearer secret for admin endpoints (env "+envVarAdminSecret+")")
	fs.StringVar(&adminPasswordHash, "admin-password-hash", adminPasswordHash, "SHA-256 hex digest of the admin password (env "+envVarAdminPasswordHash+")")
	fs.StringVar(&kvBackendStr, "kv-backend", kvBackendStr, "Key-value backend: memory or redis (env "+envVarKVBackend+")")
	fs.StringVar(&redisAddr, "redis-addr", redisAddr, "Redis address (env "+envVarRedisAddr+")")
	fs.StringVar(&redisUsername, "redis-username", redisUsername, "Redis username (env "+envVarRedisUsername+")")
	fs.StringVar(&redisPassword, "redis-password", redisPassword, "Redis password (env "+envVarRedisPassword+")")
	fs.IntVar(&redisDB, "redis-db", redisDB, "Redis database number (env "+envVarRedisDB+")")
	fs.DurationVar(&backendTimeout, "backend-timeout", backendTimeout, "Per-call timeout for key-value backend operations (env "+envVarBackendTimeout+")")
	fs.DurationVar(&sessionIdleTimeout, "session-idle-timeout", sessionIdleTimeout, "Evict signaling sessions idle longer than this (env "+envVarSessionIdleTimeout+")")
	fs.DurationVar(&sessionSweepInterval, "session-sweep-interval", sessionSweepInterval, "How often to sweep idle sessions (env "+envVarSessionSweepInterval+")")
	fs.DurationVar(&codeSweepInterval, "code-sweep-interval", codeSweepInterval, "How often to sweep expired access codes (env "+envVarCodeSweepInterval+")")
	fs.IntVar(&maxValidationAttempts, "max-validation-attempts", maxValidationAttempts, "Failed code validations allowed per client per window (env "+envVarMaxValidationAttempts+")")
	fs.DurationVar(&validationWindow, "validation-window", validationWindow, "Window for the validation attempt limit (env "+envVarValidationWindow+")")
	fs.Int64Var(&maxSignalingMessageBytes, "max-signaling-message-bytes", maxSignalingMessageBytes, "Max inbound signaling WS message size in bytes (env "+envVarMaxSignalingMessageBytes+")")
	fs.IntVar(&maxSignalingMessagesPerSecond, "max-signaling-messages-per-second", maxSignalingMessagesPerSecond, "Max inbound signaling WS messages per second per connection (env "+envVarMaxSignalingMessagesPerSecond+")")
	fs.DurationVar(&signalingWSIdleTimeout, "signaling-ws-idle-timeout", signalingWSIdleTimeout, "Close idle signaling WebSocket connections after this duration (env "+envVarSignalingWSIdleTimeout+")")
	fs.DurationVar(&signalingWSPingInterval, "signaling-ws-ping-interval", signalingWSPingInterval, "Ping interval on signaling WebSocket connections; must be < idle timeout (env "+envVarSignalingWSPingInterval+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	setFlags := map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		setFlags[f.Name] = true
	})

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}

	if !envLogFormatSet && !setFlags["log-format"] {
		logFormatStr = defaultLogFormatForMode(string(mode))
	}
	if !envLogLevelSet && !setFlags["log-level"] {
		logLevelStr = defaultLogLevelForMode(string(mode))
	}

	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	level, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	kvBackend, err := parseKVBackend(kvBackendStr)
	if err != nil {
		return Config{}, err
	}

	if listenAddr == "" {
		return Config{}, fmt.Errorf("listen address must not be empty")
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("shutdown timeout must be > 0")
	}
	if backendTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--backend-timeout must be > 0", envVarBackendTimeout)
	}
	if sessionIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--session-idle-timeout must be > 0", envVarSessionIdleTimeout)
	}
	if sessionSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--session-sweep-interval must be > 0", envVarSessionSweepInterval)
	}
	if codeSweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--code-sweep-interval must be > 0", envVarCodeSweepInterval)
	}
	if maxValidationAttempts <= 0 {
		return Config{}, fmt.Errorf("%s/--max-validation-attempts must be > 0", envVarMaxValidationAttempts)
	}
	if validationWindow <= 0 {
		return Config{}, fmt.Errorf("%s/--validation-window must be > 0", envVarValidationWindow)
	}
	if signalingWSPingInterval > 0 && signalingWSIdleTimeout > 0 && signalingWSPingInterval >= signalingWSIdleTimeout {
		return Config{}, fmt.Errorf("%s must be shorter than %s", envVarSignalingWSPingInterval, envVarSignalingWSIdleTimeout)
	}
	if kvBackend == KVBackendRedis && redisAddr == "" {
		return Config{}, fmt.Errorf("%s is required when %s=redis", envVarRedisAddr, envVarKVBackend)
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        level,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  splitAndTrim(allowedOriginsStr),

		AdminSecret:       adminSecret,
		AdminPasswordHash: adminPasswordHash,

		KVBackend:      kvBackend,
		RedisAddr:      redisAddr,
		RedisUsername:  redisUsername,
		RedisPassword:  redisPassword,
		RedisDB:        redisDB,
		BackendTimeout: backendTimeout,

		SessionIdleTimeout:   sessionIdleTimeout,
		SessionSweepInterval: sessionSweepInterval,
		CodeSweepInterval:    codeSweepInterval,

		MaxValidationAttempts: maxValidationAttempts,
		ValidationWindow:      validationWindow,

		MaxSignalingMessageBytes:      maxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: maxSignalingMessagesPerSecond,
		SignalingWSIdleTimeout:        signalingWSIdleTimeout,
		SignalingWSPingInterval:       signalingWSPingInterval,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (want dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (want text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}

func parseKVBackend(raw string) (KVBackend, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(KVBackendMemory):
		return KVBackendMemory, nil
	case string(KVBackendRedis):
		return KVBackendRedis, nil
	default:
		return "", fmt.Errorf("invalid kv backend %q (want memory or redis)", raw)
	}
}
