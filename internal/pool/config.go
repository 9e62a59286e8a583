package pool

import (
	"fmt"
	"time"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultMaxInstances   = 2
	defaultTimeoutMs      = 120000
	defaultStartupTimeout = 30 * time.Second
	defaultReadyMarker    = "READY"
)

// Bounds enforced by Validate.
const (
	minTimeoutMs = 1000
	maxTimeoutMs = 300000
)

// Params are the sampling parameters applied to a worker at spawn time.
// They are fixed for the lifetime of a generation; changing them means a
// Reinitialize. Zero values are omitted from the spawn argv so the engine
// keeps its own defaults.
type Params struct {
	MaxTokens        int
	Temperature      float64
	TopP             float64
	TopK             int
	RepeatPenalty    float64
	PresencePenalty  float64
	FrequencyPenalty float64
}

// Config encapsulates all tunables for one pool generation. Immutable once
// the generation is running; Reinitialize swaps it wholesale.
type Config struct {
	// Executable is the inference engine binary (e.g. llama-cli).
	Executable string
	// Model is the path to the model file passed via -m.
	Model string
	// MaxInstances is the fleet ceiling and the admission-gate width.
	MaxInstances int
	// TimeoutMs bounds one exchange, measured from the stdin write.
	TimeoutMs int
	// StartupTimeout bounds the wait for the readiness marker.
	StartupTimeout time.Duration
	// ReadyMarker is the stdout substring that signals the engine is up.
	ReadyMarker string
	// StopMarkers extend the built-in end-of-generation marker set.
	StopMarkers []string
	// CtxSize and Threads map to the engine's -c and -t flags when > 0.
	CtxSize int
	Threads int
	// ExtraArgs are appended verbatim to the spawn argv.
	ExtraArgs []string
	// Params are the generation's sampling parameters.
	Params Params
}

// withDefaults returns a copy of cfg with unset fields filled in.
func (c Config) withDefaults() Config {
	if c.MaxInstances == 0 {
		c.MaxInstances = defaultMaxInstances
	}
	if c.TimeoutMs == 0 {
		c.TimeoutMs = defaultTimeoutMs
	}
	if c.StartupTimeout == 0 {
		c.StartupTimeout = defaultStartupTimeout
	}
	if c.ReadyMarker == "" {
		c.ReadyMarker = defaultReadyMarker
	}
	return c
}

// Validate rejects configurations the pool cannot run with. All violations
// are collected into a single InvalidConfiguration error.
func (c Config) Validate() error {
	var reasons []string
	if c.Executable == "" {
		reasons = append(reasons, "executable path is empty")
	}
	if c.Model == "" {
		reasons = append(reasons, "model path is empty")
	}
	if c.MaxInstances < 1 {
		reasons = append(reasons, fmt.Sprintf("maxInstances must be >= 1, got %d", c.MaxInstances))
	}
	if c.TimeoutMs < minTimeoutMs || c.TimeoutMs > maxTimeoutMs {
		reasons = append(reasons, fmt.Sprintf("timeoutMs must be within [%d, %d], got %d", minTimeoutMs, maxTimeoutMs, c.TimeoutMs))
	}
	if len(reasons) > 0 {
		return invalidConfigError{reasons: reasons}
	}
	return nil
}

// timeout returns the per-exchange window as a duration.
func (c Config) timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}
