package config

import (
	"fmt"
	"os"
	"strings"
)

// Default returns the baseline configuration before file, env, and flag
// overlays are applied.
func Default() Config {
	return Config{
		Addr:       ":8080",
		LogLevel:   "info",
		ModelsDir:  "~/models/llm",
		Executable: "llama-cli",
	}
}

// ApplyEnv overlays INFERD_* environment variables onto c. Unset variables
// leave the current value untouched.
func (c *Config) ApplyEnv() {
	c.Addr = envStr("INFERD_ADDR", c.Addr)
	c.LogLevel = envStr("INFERD_LOG_LEVEL", c.LogLevel)
	c.LogJSON = envBool("INFERD_LOG_JSON", c.LogJSON)
	c.ModelsDir = envStr("INFERD_MODELS_DIR", c.ModelsDir)
	c.DefaultModel = envStr("INFERD_DEFAULT_MODEL", c.DefaultModel)
	c.Executable = envStr("INFERD_EXECUTABLE", c.Executable)

	c.Pool.MaxInstances = envInt("INFERD_MAX_INSTANCES", c.Pool.MaxInstances)
	c.Pool.TimeoutMs = envInt("INFERD_TIMEOUT_MS", c.Pool.TimeoutMs)
	c.Pool.StartupTimeoutMs = envInt("INFERD_STARTUP_TIMEOUT_MS", c.Pool.StartupTimeoutMs)
	c.Pool.ReadyMarker = envStr("INFERD_READY_MARKER", c.Pool.ReadyMarker)
	if v := os.Getenv("INFERD_STOP_MARKERS"); v != "" {
		c.Pool.StopMarkers = splitCSV(v)
	}
	c.Pool.CtxSize = envInt("INFERD_CTX_SIZE", c.Pool.CtxSize)
	c.Pool.Threads = envInt("INFERD_THREADS", c.Pool.Threads)

	if v := os.Getenv("INFERD_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitCSV(v)
	}
	c.QueryTimeoutSeconds = int64(envInt("INFERD_QUERY_TIMEOUT_S", int(c.QueryTimeoutSeconds)))
	c.MaxBodyMB = envInt("INFERD_MAX_BODY_MB", c.MaxBodyMB)
}

// splitCSV splits a comma-separated list, trimming whitespace and dropping
// empty entries. Returns nil for an empty input.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	s := strings.ToLower(v)
	return s == "1" || s == "true" || s == "yes"
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
