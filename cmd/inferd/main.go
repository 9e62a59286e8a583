package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veighnsche/inferd/internal/common/fsutil"
	"github.com/veighnsche/inferd/internal/config"
	"github.com/veighnsche/inferd/internal/daemon"
	"github.com/veighnsche/inferd/internal/httpapi"
	"github.com/veighnsche/inferd/internal/logx"
	"github.com/veighnsche/inferd/internal/pool"
	"github.com/veighnsche/inferd/internal/registry"
	"github.com/veighnsche/inferd/pkg/types"
)

// Overridden at build time via -ldflags.
var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "inferd:", err)
		os.Exit(1)
	}
}

// newRootCmd wires flags over the config chain: defaults < file < env < flags.
func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "inferd",
		Short:         "Daemon keeping a pool of warm llama.cpp workers behind an HTTP API",
		Version:       fmt.Sprintf("%s (sha=%s date=%s)", version, buildSHA, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				p, err := fsutil.ExpandHome(configPath)
				if err != nil {
					return err
				}
				if err := config.LoadInto(p, &cfg); err != nil {
					return fmt.Errorf("load config %s: %w", configPath, err)
				}
			}
			cfg.ApplyEnv()
			applyFlags(cmd, &cfg)
			return runServe(cfg)
		},
	}

	root.Flags().StringVarP(&configPath, "config", "c", os.Getenv("INFERD_CONFIG"), "Config file (.yaml/.json/.toml)")
	root.Flags().String("addr", "", "HTTP listen address, e.g. :8080")
	root.Flags().String("models-dir", "", "Directory to scan for *.gguf model files")
	root.Flags().String("default-model", "", "Model id, name, or path served at startup (defaults to the first scanned model)")
	root.Flags().String("executable", "", "Inference engine binary (e.g. llama-cli)")
	root.Flags().Int("max-instances", 0, "Worker fleet ceiling")
	root.Flags().Int("timeout-ms", 0, "Per-exchange response window in milliseconds")
	root.Flags().Int("startup-timeout-ms", 0, "Readiness window for a spawning worker in milliseconds")
	root.Flags().String("ready-marker", "", "Stdout substring that signals engine readiness")
	root.Flags().StringSlice("stop-markers", nil, "Extra end-of-generation markers")
	root.Flags().Int("ctx-size", 0, "Engine context size (-c)")
	root.Flags().Int("threads", 0, "Engine thread count (-t)")
	root.Flags().String("log-level", "", "Log level: debug|info|warn|error")
	root.Flags().Bool("log-json", false, "Emit JSON logs instead of console format")
	root.Flags().StringSlice("cors-origins", nil, "Allowed CORS origins (enables CORS when set)")
	root.Flags().Int64("query-timeout-s", 0, "End-to-end /query timeout in seconds (0 disables)")
	root.Flags().Int("max-body-mb", 0, "Request body cap in MB")

	return root
}

// applyFlags overlays only the flags the user actually set.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("addr") {
		cfg.Addr, _ = f.GetString("addr")
	}
	if f.Changed("models-dir") {
		cfg.ModelsDir, _ = f.GetString("models-dir")
	}
	if f.Changed("default-model") {
		cfg.DefaultModel, _ = f.GetString("default-model")
	}
	if f.Changed("executable") {
		cfg.Executable, _ = f.GetString("executable")
	}
	if f.Changed("max-instances") {
		cfg.Pool.MaxInstances, _ = f.GetInt("max-instances")
	}
	if f.Changed("timeout-ms") {
		cfg.Pool.TimeoutMs, _ = f.GetInt("timeout-ms")
	}
	if f.Changed("startup-timeout-ms") {
		cfg.Pool.StartupTimeoutMs, _ = f.GetInt("startup-timeout-ms")
	}
	if f.Changed("ready-marker") {
		cfg.Pool.ReadyMarker, _ = f.GetString("ready-marker")
	}
	if f.Changed("stop-markers") {
		cfg.Pool.StopMarkers, _ = f.GetStringSlice("stop-markers")
	}
	if f.Changed("ctx-size") {
		cfg.Pool.CtxSize, _ = f.GetInt("ctx-size")
	}
	if f.Changed("threads") {
		cfg.Pool.Threads, _ = f.GetInt("threads")
	}
	if f.Changed("log-level") {
		cfg.LogLevel, _ = f.GetString("log-level")
	}
	if f.Changed("log-json") {
		cfg.LogJSON, _ = f.GetBool("log-json")
	}
	if f.Changed("cors-origins") {
		cfg.CORSOrigins, _ = f.GetStringSlice("cors-origins")
	}
	if f.Changed("query-timeout-s") {
		cfg.QueryTimeoutSeconds, _ = f.GetInt64("query-timeout-s")
	}
	if f.Changed("max-body-mb") {
		cfg.MaxBodyMB, _ = f.GetInt("max-body-mb")
	}
}

func runServe(cfg config.Config) error {
	logx.Configure(cfg.LogLevel, cfg.LogJSON)
	logger := logx.Log
	pool.SetLogger(logger)
	httpapi.SetLogger(logger)

	modelsDir, err := fsutil.ExpandHome(cfg.ModelsDir)
	if err != nil {
		return err
	}
	models, err := registry.LoadDir(modelsDir)
	if err != nil {
		return fmt.Errorf("scan models dir %s: %w", cfg.ModelsDir, err)
	}
	current, err := pickModel(models, cfg.DefaultModel)
	if err != nil {
		return err
	}

	pcfg := cfg.PoolConfig(current.Path)
	p, err := pool.New(pcfg)
	if err != nil {
		return err
	}
	bus := pool.NewBus()
	p.SetPublisher(bus)
	d := daemon.New(p, bus, modelsDir, current)

	baseCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	httpapi.SetBaseContext(baseCtx)
	if len(cfg.CORSOrigins) > 0 {
		httpapi.SetCORSOptions(true, cfg.CORSOrigins, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type"})
	}
	if cfg.QueryTimeoutSeconds > 0 {
		httpapi.SetQueryTimeoutSeconds(cfg.QueryTimeoutSeconds)
	}
	if cfg.MaxBodyMB > 0 {
		httpapi.SetMaxBodyBytes(int64(cfg.MaxBodyMB) << 20)
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.NewMux(d), ReadHeaderTimeout: 10 * time.Second}

	if rep := d.SanityCheck(); !rep.EngineFound || !rep.ModelFound {
		logger.Warn().Str("reason", rep.Error).Msg("preflight found missing engine dependencies")
	}

	// Workers come up in the background; /readyz flips once the fleet is ready.
	go func() {
		logger.Info().Str("model", current.Path).Str("executable", pcfg.Executable).Msg("initializing worker fleet")
		start := time.Now()
		if err := p.Init(baseCtx, func(ready, failed, want int) {
			logger.Info().Int("ready", ready).Int("failed", failed).Int("want", want).Msg("fleet progress")
		}); err != nil {
			logger.Error().Err(err).Msg("fleet initialization failed")
			return
		}
		logger.Info().Dur("took", time.Since(start)).Uint64("generation", p.Generation()).Msg("fleet ready")
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Addr).Str("models_dir", modelsDir).Str("version", version).Msg("inferd listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		cancel()
		d.Close()
		return err
	}

	cancel()
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown")
	}
	d.Close()
	return nil
}

// pickModel resolves the startup model: an explicit reference against the
// registry (or as a literal path), otherwise the first scanned model.
func pickModel(models []types.Model, ref string) (types.Model, error) {
	if ref == "" {
		if len(models) == 0 {
			return types.Model{}, fmt.Errorf("no *.gguf models found; populate the models dir or pass --default-model")
		}
		return models[0], nil
	}
	if m, ok := registry.Resolve(models, ref); ok {
		return m, nil
	}
	if st, err := os.Stat(ref); err == nil && !st.IsDir() {
		name := filepath.Base(ref)
		return types.Model{ID: name, Name: name, Path: ref}, nil
	}
	return types.Model{}, fmt.Errorf("default model %q not found in registry", ref)
}
