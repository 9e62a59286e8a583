package httpapi

import (
	"net/http/httptest"
	"testing"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"":      LevelOff,
		"off":   LevelOff,
		"error": LevelError,
		"info":  LevelInfo,
		"debug": LevelDebug,
		"weird": LevelInfo, // default
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRequestLogLevel_Overrides(t *testing.T) {
	// query param ?log=debug
	r := httptest.NewRequest("GET", "/x?log=debug", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("query override failed: %v", got)
	}
	// shorthand query param ?log=1
	r = httptest.NewRequest("GET", "/x?log=1", nil)
	if got := requestLogLevel(r); got != LevelDebug {
		t.Fatalf("shorthand query override failed: %v", got)
	}
	// header X-Log-Level
	r = httptest.NewRequest("GET", "/x", nil)
	r.Header.Set("X-Log-Level", "error")
	if got := requestLogLevel(r); got != LevelError {
		t.Fatalf("header override failed: %v", got)
	}
	// query param wins over header
	r = httptest.NewRequest("GET", "/x?log=info", nil)
	r.Header.Set("X-Log-Level", "debug")
	if got := requestLogLevel(r); got != LevelInfo {
		t.Fatalf("precedence failed: %v", got)
	}
}
