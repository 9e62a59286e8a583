package blackbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"testing"
	"time"
)

// findFreePort picks an available TCP port on localhost.
func findFreePort(t *testing.T) (int, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	cleanup := func() { _ = ln.Close() }
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	return port, cleanup
}

func projectRootFromThisFile(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("runtime.Caller failed")
	}
	// this file: <root>/tests/blackbox/blackbox_test.go
	bbDir := filepath.Dir(thisFile)
	root := filepath.Dir(filepath.Dir(bbDir))
	return root
}

func buildBinary(t *testing.T) string {
	t.Helper()
	root := projectRootFromThisFile(t)
	outDir := t.TempDir()
	binPath := filepath.Join(outDir, "inferd")
	cmd := exec.Command("go", "build", "-o", binPath, "./cmd/inferd")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build failed: %v\n%s", err, string(out))
	}
	return binPath
}

func buildFakeEngine(t *testing.T) string {
	t.Helper()
	root := projectRootFromThisFile(t)
	bin := filepath.Join(t.TempDir(), "fake_engine")
	cmd := exec.Command("go", "build", "-o", bin, "./internal/pool/testdata/fake_engine.go")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0")
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build fake engine: %v\n%s", err, string(out))
	}
	return bin
}

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

type serverProc struct {
	cmd  *exec.Cmd
	base string // http base URL, e.g. http://127.0.0.1:18080
}

func startServer(t *testing.T, bin, engineBin, modelsDir, defaultModel string, port int) *serverProc {
	t.Helper()
	addr := fmt.Sprintf(":%d", port)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)
	args := []string{
		"--addr", addr,
		"--models-dir", modelsDir,
		"--executable", engineBin,
		"--max-instances", "1",
	}
	if defaultModel != "" {
		args = append(args, "--default-model", defaultModel)
	}
	cmd := exec.Command(bin, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// One knob goes through the environment so that path gets end-to-end
	// coverage too.
	cmd.Env = append(os.Environ(), "INFERD_TIMEOUT_MS=10000")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start server: %v", err)
	}
	// Wait for healthz
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, err := http.Get(base + "/healthz")
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				break
			}
		}
		if time.Now().After(deadline) {
			_ = cmd.Process.Kill()
			t.Fatalf("server did not become healthy in time")
		}
		time.Sleep(50 * time.Millisecond)
	}
	sp := &serverProc{cmd: cmd, base: base}
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return sp
}

func get(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func postJSON(t *testing.T, url string, payload []byte) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func TestBlackbox_Flow(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildBinary(t)
	engine := buildFakeEngine(t)
	modelsDir, models := createTempModelsDir(t, "alpha.gguf", "beta.gguf")
	// Reserve a free port, then release the listener before starting the server
	port, release := findFreePort(t)
	release()
	sp := startServer(t, bin, engine, modelsDir, models[0], port)

	// /healthz
	resp, body := get(t, sp.base+"/healthz")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/healthz %d %s", resp.StatusCode, string(body))
	}

	// /models
	resp, body = get(t, sp.base+"/models")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/models %d %s", resp.StatusCode, string(body))
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("/models content-type=%s", ct)
	}
	var modelsResp struct {
		Models []struct {
			ID string `json:"id"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &modelsResp); err != nil {
		t.Fatalf("/models json: %v body=%s", err, string(body))
	}
	if len(modelsResp.Models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(modelsResp.Models))
	}

	// Workers come up in the background after the listener; /readyz flips
	// once the fleet is ready.
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, _ = get(t, sp.base+"/readyz")
		if resp.StatusCode == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("/readyz did not become ready in time; last=%d", resp.StatusCode)
		}
		time.Sleep(25 * time.Millisecond)
	}

	// /query round trip through the spawned engine
	resp, body = postJSON(t, sp.base+"/query", []byte(`{"prompt":"hello"}`))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/query %d %s", resp.StatusCode, string(body))
	}
	var queryResp struct {
		Text     string `json:"text"`
		WorkerID string `json:"worker_id"`
	}
	if err := json.Unmarshal(body, &queryResp); err != nil {
		t.Fatalf("/query json: %v body=%s", err, string(body))
	}
	if queryResp.Text != "echo: hello" {
		t.Fatalf("/query text=%q", queryResp.Text)
	}

	// /status shows the single worker
	resp, body = get(t, sp.base+"/status")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("/status %d %s", resp.StatusCode, string(body))
	}
	var statusResp struct {
		State   string `json:"state"`
		Workers []any  `json:"workers"`
	}
	if err := json.Unmarshal(body, &statusResp); err != nil {
		t.Fatalf("/status json: %v body=%s", err, string(body))
	}
	if statusResp.State != "ready" || len(statusResp.Workers) != 1 {
		t.Fatalf("/status state=%s workers=%d", statusResp.State, len(statusResp.Workers))
	}

	// SIGTERM drains the server and exits cleanly.
	if err := sp.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		t.Fatalf("signal: %v", err)
	}
	waitCh := make(chan error, 1)
	go func() { waitCh <- sp.cmd.Wait() }()
	select {
	case err := <-waitCh:
		if err != nil {
			t.Fatalf("server exited with %v, want clean shutdown", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatalf("server did not exit after SIGTERM")
	}
}

func TestBlackbox_NoModelsFailsFast(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildBinary(t)
	engine := buildFakeEngine(t)
	emptyDir := t.TempDir()
	port, release := findFreePort(t)
	release()

	cmd := exec.Command(bin,
		"--addr", fmt.Sprintf(":%d", port),
		"--models-dir", emptyDir,
		"--executable", engine,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		t.Fatalf("server started with no models, want startup error")
	}
	if !strings.Contains(stderr.String(), "no *.gguf models found") {
		t.Fatalf("stderr = %q, want missing-models notice", stderr.String())
	}
}

func TestBlackbox_UnknownDefaultModelFailsFast(t *testing.T) {
	if testing.Short() {
		t.Skip("short mode")
	}
	bin := buildBinary(t)
	engine := buildFakeEngine(t)
	modelsDir, _ := createTempModelsDir(t, "alpha.gguf")
	port, release := findFreePort(t)
	release()

	cmd := exec.Command(bin,
		"--addr", fmt.Sprintf(":%d", port),
		"--models-dir", modelsDir,
		"--executable", engine,
		"--default-model", "missing.gguf",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err == nil {
		t.Fatalf("server started with unknown default model, want startup error")
	}
	if !strings.Contains(stderr.String(), "missing.gguf") {
		t.Fatalf("stderr = %q, want model ref in error", stderr.String())
	}
}
