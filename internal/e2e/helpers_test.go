package e2e

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/veighnsche/inferd/internal/daemon"
	"github.com/veighnsche/inferd/internal/httpapi"
	"github.com/veighnsche/inferd/internal/pool"
	"github.com/veighnsche/inferd/internal/registry"
)

// createTempModelsDir creates a temporary directory populated with empty .gguf files
// and returns the directory path and the list of model IDs (filenames).
func createTempModelsDir(t *testing.T, names ...string) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		p := filepath.Join(dir, n)
		if err := os.WriteFile(p, []byte(""), 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir, names
}

// buildFakeEngine compiles the shared fake inference engine and returns its
// path. The source lives next to the pool tests; it speaks the same stdio
// protocol as a real engine, including the CRASH/HANG magic prompts.
func buildFakeEngine(t *testing.T) string {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "fake_engine")
	cmd := exec.Command("go", "build", "-o", bin, "../pool/testdata/fake_engine.go")
	cmd.Dir = "."
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake engine: %v: %s", err, string(out))
	}
	return bin
}

func newServerForDir(t *testing.T, modelsDir, engineBin string) (*httptest.Server, *daemon.Daemon) {
	t.Helper()
	return newServerForDirWithConfig(t, modelsDir, pool.Config{
		Executable:   engineBin,
		MaxInstances: 1,
		TimeoutMs:    5000,
	})
}

// newServerForDirWithConfig stands up the full stack (registry scan, pool,
// event bus, daemon, HTTP mux) over an httptest server. The pool is
// initialized before returning; cfg.Model defaults to the first scanned file.
func newServerForDirWithConfig(t *testing.T, modelsDir string, cfg pool.Config) (*httptest.Server, *daemon.Daemon) {
	t.Helper()
	models, err := registry.NewGGUFScanner().Scan(modelsDir)
	if err != nil {
		t.Fatalf("scan models: %v", err)
	}
	if len(models) == 0 {
		t.Fatalf("no models under %s", modelsDir)
	}
	if cfg.Model == "" {
		cfg.Model = models[0].Path
	}
	if cfg.StartupTimeout == 0 {
		cfg.StartupTimeout = 10 * time.Second
	}
	p, err := pool.New(cfg)
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	bus := pool.NewBus()
	p.SetPublisher(bus)
	if err := p.Init(context.Background(), nil); err != nil {
		t.Fatalf("pool init: %v", err)
	}
	d := daemon.New(p, bus, modelsDir, models[0])
	srv := httptest.NewServer(httpapi.NewMux(d))
	t.Cleanup(func() {
		srv.Close()
		d.Close()
	})
	return srv, d
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

func httpPostJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, body
}

// waitUntil polls cond every 50ms until it returns true or the deadline
// passes, then reports the final answer.
func waitUntil(d time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return cond()
}
