package pool

import (
	"bufio"
	"io"
	"sync/atomic"
	"testing"
	"time"
)

// testConfig returns a valid config for in-memory pool tests. The stub
// spawner never runs the executable; the path only has to pass validation.
func testConfig(n int) Config {
	return Config{
		Executable:     "/usr/bin/true",
		Model:          "stub.gguf",
		MaxInstances:   n,
		TimeoutMs:      minTimeoutMs,
		StartupTimeout: 2 * time.Second,
	}
}

// engineScript drives the in-memory engine behind a stubbed spawn. The stub
// protocol is one frame line per exchange, so scripted tests send requests
// without a system prompt.
type engineScript struct {
	reply          string // body written before the marker on each frame
	marker         string // defaults to "</s>"
	hangs          bool   // swallow frames and never reply
	crashAfter     int    // close the output stream on the n-th frame (1-based)
	queryTimeoutMs int    // per-exchange timeout override for the worker
}

// newScriptedWorker builds a healthy worker over in-memory pipes with a
// goroutine playing the engine side according to script.
func newScriptedWorker(t *testing.T, cfg Config, gen uint64, script engineScript) *Worker {
	t.Helper()
	if script.queryTimeoutMs > 0 {
		cfg.TimeoutMs = script.queryTimeoutMs
	}
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	w := newWorkerFromStreams(gen, cfg, nil, inW, outR, newTailBuffer(512))
	w.healthy.Store(true)
	marker := script.marker
	if marker == "" {
		marker = "</s>"
	}
	go func() {
		defer func() { _ = outW.Close() }()
		br := bufio.NewReader(inR)
		frames := 0
		for {
			if _, err := br.ReadString('\n'); err != nil {
				return
			}
			frames++
			if script.crashAfter > 0 && frames >= script.crashAfter {
				return
			}
			if script.hangs {
				continue
			}
			if _, err := outW.Write([]byte(script.reply + marker)); err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() {
		_ = outW.Close()
		_ = inR.Close()
	})
	return w
}

// stubPool builds a pool whose spawns produce scripted in-memory workers.
// The returned counter tracks spawn attempts.
func stubPool(t *testing.T, n int, script engineScript) (*Pool, *atomic.Int32) {
	t.Helper()
	p, err := New(testConfig(n))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var spawns atomic.Int32
	p.spawn = func(cfg Config, gen uint64) (*Worker, error) {
		spawns.Add(1)
		return newScriptedWorker(t, cfg, gen, script), nil
	}
	return p, &spawns
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s: %s", d, msg)
}
