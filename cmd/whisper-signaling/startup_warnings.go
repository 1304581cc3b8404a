package main

import (
	"log/slog"
	"strings"

	"github.com/wh15p3r/signaling/internal/config"
)

func logStartupSecurityWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if strings.EqualFold(cfg.AdminPasswordHash, config.DefaultAdminPasswordHash) {
		logger.Warn("startup security warning: ADMIN_PASSWORD_HASH is the well-known development default (anyone can add codes)",
			"warning_code", "admin_password_hash_default",
			"mode", cfg.Mode,
		)
	}

	if cfg.AdminSecret == "" {
		logger.Warn("startup security warning: ADMIN_SECRET is empty (all bearer-authenticated admin endpoints reject every request)",
			"warning_code", "admin_secret_empty",
			"mode", cfg.Mode,
		)
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: ALLOWED_ORIGINS contains '*' (allows any origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.KVBackend == config.KVBackendMemory {
		logger.Warn("startup security warning: KV_BACKEND=memory while --mode=prod (access codes and rate counters are lost on restart)",
			"warning_code", "memory_backend_in_prod",
			"kv_backend", cfg.KVBackend,
			"mode", cfg.Mode,
		)
	}

	// A very large message cap weakens the relay's per-message allocation
	// hardening.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-message allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}
}

func containsString(xs []string, v string) bool {
	for _, s := range xs {
		if s == v {
			return true
		}
	}
	return false
}
