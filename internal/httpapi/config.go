package httpapi

import "time"

// maxBodyBytes controls the maximum allowed request body size for JSON endpoints.
// Default remains 1 MiB for backward compatibility.
var maxBodyBytes int64 = 1 << 20

// SetMaxBodyBytes allows configuring the maximum request body size.
func SetMaxBodyBytes(n int64) {
	if n <= 0 {
		maxBodyBytes = 1 << 20
		return
	}
	maxBodyBytes = n
}

// queryTimeout bounds a /query request end to end, admission wait included.
// Zero means no HTTP-layer timeout beyond the pool's own exchange window.
var queryTimeout = int64(0) // seconds

// SetQueryTimeoutSeconds sets the /query timeout in seconds (0 disables).
func SetQueryTimeoutSeconds(sec int64) {
	if sec < 0 {
		sec = 0
	}
	queryTimeout = sec
}

func queryTimeoutDuration() time.Duration {
	return time.Duration(queryTimeout) * time.Second
}

// CORS configuration (opt-in). If disabled, no CORS middleware is added.
var (
	corsEnabled        bool
	corsAllowedOrigins []string
	corsAllowedMethods []string
	corsAllowedHeaders []string
)

// SetCORSOptions configures CORS behavior for the HTTP server.
func SetCORSOptions(enabled bool, origins, methods, headers []string) {
	corsEnabled = enabled
	corsAllowedOrigins = append([]string(nil), origins...)
	corsAllowedMethods = append([]string(nil), methods...)
	corsAllowedHeaders = append([]string(nil), headers...)
}
