package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Config file  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the TCPSESS_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value.  This should be called BEFORE
// CLI flag parsing so that flags take precedence.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("TCPSESS_HOST"); v != "" {
		cfg.Host = v
	}
	if v := envInt("TCPSESS_PORT"); v > 0 && v <= 65535 {
		cfg.Port = uint16(v)
	}
	if v := envInt("TCPSESS_LOCAL_PORT"); v > 0 {
		cfg.LocalPort = v
	}
	if v := os.Getenv("TCPSESS_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := envInt("TCPSESS_TIMEOUT"); v > 0 {
		cfg.Timeout = secondsDuration(v)
	}
	if envBool("TCPSESS_SECURE") {
		cfg.Secure = true
	}

	// Session
	if v := envInt("TCPSESS_CHUNK_SIZE"); v > 0 {
		cfg.ChunkSize = v
	}
	if v := envInt("TCPSESS_RETRIES"); v > 0 {
		cfg.Retries = v
	}

	// Output
	if v := envInt("TCPSESS_VERBOSE"); v > 0 {
		cfg.Verbose = v
	}
	if envBool("TCPSESS_METRICS") {
		cfg.ShowMetrics = true
	}
	if v := os.Getenv("TCPSESS_CONFIG"); v != "" {
		cfg.ConfigFile = v
	}
}

// ── helpers ──────────────────────────────────────────────────────────

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}
