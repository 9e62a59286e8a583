package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/veighnsche/inferd/internal/pool"
)

// Config holds runtime parameters for the daemon.
// Zero values mean "unspecified" and will be replaced by defaults in main.
type Config struct {
	Addr         string       `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel     string       `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogJSON      bool         `json:"log_json" yaml:"log_json" toml:"log_json"`
	ModelsDir    string       `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	DefaultModel string       `json:"default_model" yaml:"default_model" toml:"default_model"`
	Executable   string       `json:"executable" yaml:"executable" toml:"executable"`
	Pool         PoolSettings `json:"pool" yaml:"pool" toml:"pool"`

	// HTTP layer knobs.
	CORSOrigins         []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	QueryTimeoutSeconds int64    `json:"query_timeout_s" yaml:"query_timeout_s" toml:"query_timeout_s"`
	MaxBodyMB           int      `json:"max_body_mb" yaml:"max_body_mb" toml:"max_body_mb"`
}

// PoolSettings maps onto pool.Config; sampling parameters are flattened in
// because they are fixed per generation just like the rest.
type PoolSettings struct {
	MaxInstances     int      `json:"max_instances" yaml:"max_instances" toml:"max_instances"`
	TimeoutMs        int      `json:"timeout_ms" yaml:"timeout_ms" toml:"timeout_ms"`
	StartupTimeoutMs int      `json:"startup_timeout_ms" yaml:"startup_timeout_ms" toml:"startup_timeout_ms"`
	ReadyMarker      string   `json:"ready_marker" yaml:"ready_marker" toml:"ready_marker"`
	StopMarkers      []string `json:"stop_markers" yaml:"stop_markers" toml:"stop_markers"`
	CtxSize          int      `json:"ctx_size" yaml:"ctx_size" toml:"ctx_size"`
	Threads          int      `json:"threads" yaml:"threads" toml:"threads"`
	ExtraArgs        []string `json:"extra_args" yaml:"extra_args" toml:"extra_args"`

	MaxTokens        int     `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
	Temperature      float64 `json:"temperature" yaml:"temperature" toml:"temperature"`
	TopP             float64 `json:"top_p" yaml:"top_p" toml:"top_p"`
	TopK             int     `json:"top_k" yaml:"top_k" toml:"top_k"`
	RepeatPenalty    float64 `json:"repeat_penalty" yaml:"repeat_penalty" toml:"repeat_penalty"`
	PresencePenalty  float64 `json:"presence_penalty" yaml:"presence_penalty" toml:"presence_penalty"`
	FrequencyPenalty float64 `json:"frequency_penalty" yaml:"frequency_penalty" toml:"frequency_penalty"`
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	err := LoadInto(path, &cfg)
	return cfg, err
}

// LoadInto unmarshals a configuration file over cfg, so fields the file does
// not mention keep their current values. This is how file settings overlay
// the built-in defaults.
func LoadInto(path string, cfg *Config) error {
	if path == "" {
		return fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return err
		}
	case ".json":
		if err := json.Unmarshal(b, cfg); err != nil {
			return err
		}
	case ".toml":
		if err := toml.Unmarshal(b, cfg); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported config extension: %s", ext)
	}
	return nil
}

// PoolConfig assembles the pool configuration for one generation from the
// daemon settings and a resolved model path. Unset fields stay zero; the
// pool fills its own defaults.
func (c Config) PoolConfig(modelPath string) pool.Config {
	p := c.Pool
	return pool.Config{
		Executable:     c.Executable,
		Model:          modelPath,
		MaxInstances:   p.MaxInstances,
		TimeoutMs:      p.TimeoutMs,
		StartupTimeout: time.Duration(p.StartupTimeoutMs) * time.Millisecond,
		ReadyMarker:    p.ReadyMarker,
		StopMarkers:    p.StopMarkers,
		CtxSize:        p.CtxSize,
		Threads:        p.Threads,
		ExtraArgs:      p.ExtraArgs,
		Params: pool.Params{
			MaxTokens:        p.MaxTokens,
			Temperature:      p.Temperature,
			TopP:             p.TopP,
			TopK:             p.TopK,
			RepeatPenalty:    p.RepeatPenalty,
			PresencePenalty:  p.PresencePenalty,
			FrequencyPenalty: p.FrequencyPenalty,
		},
	}
}
