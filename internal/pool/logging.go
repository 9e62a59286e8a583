package pool

import (
	"io"

	"github.com/rs/zerolog"
)

// zlog is the package logger. Discard by default so importing the package
// never writes to stderr uninvited; the daemon installs a real logger.
var zlog = zerolog.New(io.Discard)

// SetLogger installs a zerolog logger for pool lifecycle noise.
func SetLogger(l zerolog.Logger) { zlog = l }
