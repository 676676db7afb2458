package main

import (
	"log/slog"

	"github.com/huddlekit/huddle/internal/config"
)

func logStartupWarnings(logger *slog.Logger, cfg config.Config) {
	if logger == nil {
		logger = slog.Default()
	}

	if containsString(cfg.AllowedOrigins, "*") {
		logger.Warn("startup security warning: HUDDLE_ALLOWED_ORIGINS contains '*' (allows any browser origin)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && len(cfg.AllowedOrigins) == 0 {
		logger.Warn("startup security warning: no allowed origins configured while --mode=prod (only same-origin browsers can connect)",
			"warning_code", "allowed_origins_empty_in_prod",
			"mode", cfg.Mode,
		)
	}

	if err := cfg.ICEConfigError(); err != nil {
		logger.Warn("startup warning: ICE server configuration is invalid; /webrtc/ice will return an error until fixed",
			"warning_code", "ice_config_invalid",
			"err", err,
			"mode", cfg.Mode,
		)
	} else if cfg.Mode == config.ModeProd && len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no STUN/TURN servers configured while --mode=prod (peers behind NAT will fail to connect)",
			"warning_code", "ice_servers_empty_in_prod",
			"mode", cfg.Mode,
		)
	}

	// Oversized signaling frames are the relay's main allocation exposure; SDP
	// bodies comfortably fit in 64KiB.
	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup security warning: HUDDLE_MAX_SIGNALING_MESSAGE_BYTES is very large (weakens per-message allocation hardening)",
			"warning_code", "max_signaling_message_bytes_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
			"mode", cfg.Mode,
		)
	}

	if cfg.WSPingInterval >= cfg.WSIdleTimeout {
		logger.Warn("startup warning: ws ping interval is not shorter than the idle timeout; healthy idle connections will be dropped",
			"warning_code", "ws_ping_interval_too_long",
			"ws_ping_interval", cfg.WSPingInterval,
			"ws_idle_timeout", cfg.WSIdleTimeout,
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
