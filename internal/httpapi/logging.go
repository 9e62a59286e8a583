package httpapi

import (
	"net/http"
	"os"

	"github.com/rs/zerolog"
)

// zlog is an optional structured logger. If unset, falls back to log.Printf.
var zlog *zerolog.Logger

// SetLogger installs a structured logger used by the HTTP layer.
func SetLogger(l zerolog.Logger) { zlog = &l }

// LogLevel controls per-request logging behavior.
type LogLevel int

const (
	LevelOff LogLevel = iota
	LevelError
	LevelInfo
	LevelDebug
)

func parseLevel(s string) LogLevel {
	switch s {
	case "off", "":
		return LevelOff
	case "error":
		return LevelError
	case "info":
		return LevelInfo
	case "debug":
		return LevelDebug
	default:
		return LevelInfo
	}
}

// global default, read once
var defaultLogLevel = parseLevel(os.Getenv("INFERD_HTTP_LOG_LEVEL"))

func requestLogLevel(r *http.Request) LogLevel {
	// Per-request overrides
	if v := r.URL.Query().Get("log"); v != "" {
		if v == "1" {
			return LevelDebug
		}
		return parseLevel(v)
	}
	if v := r.Header.Get("X-Log-Level"); v != "" {
		return parseLevel(v)
	}
	return defaultLogLevel
}
