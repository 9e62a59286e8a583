package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/veighnsche/inferd/pkg/types"
)

const (
	// chunkBuffer bounds how far the reader goroutine may run ahead of the
	// query loop before backpressure kicks in.
	chunkBuffer = 64
	// disposeGrace is how long Dispose waits after SIGTERM before SIGKILL.
	disposeGrace = 2 * time.Second
	// exitProbeWait is how long an EOF path waits for the exit status to
	// decide between a truncated completion and a process failure.
	exitProbeWait = 1 * time.Second
	// stderrTailCap bounds the retained stderr tail used in diagnostics.
	stderrTailCap = 4096
)

// queryState tracks where a worker is in its exchange lifecycle. Completed
// exchanges return to idle; timed_out and failed are terminal.
type queryState int32

const (
	stateIdle queryState = iota
	stateAwaiting
	stateTimedOut
	stateFailed
)

func (s queryState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAwaiting:
		return "awaiting_response"
	case stateTimedOut:
		return "timed_out"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

// readChunk is one unit from the stdout reader goroutine. A terminal chunk
// carries err (io.EOF included) and is followed by channel close.
type readChunk struct {
	data string
	err  error
}

// Worker owns one external inference process and the request/response
// exchange over its stdin/stdout. It does not arbitrate concurrent use;
// exclusivity is the Pool's job, enforced through leases.
type Worker struct {
	ID  string
	gen uint64

	cmd     *exec.Cmd
	pid     int
	stdin   io.WriteCloser
	chunks  chan readChunk
	stderr  *tailBuffer
	markers markerSet
	timeout time.Duration
	started time.Time

	healthy atomic.Bool
	state   atomic.Int32
	queries atomic.Uint64

	// exitStatus is written exactly once before exitCh closes.
	exitCh     chan struct{}
	exitStatus error

	disposeOnce sync.Once
}

// newWorkerFromStreams wires a worker around already-open streams and starts
// its reader and reaper goroutines. cmd may be nil for in-memory workers in
// tests; readiness and health are the caller's responsibility.
func newWorkerFromStreams(gen uint64, cfg Config, cmd *exec.Cmd, stdin io.WriteCloser, stdout io.Reader, stderr *tailBuffer) *Worker {
	w := &Worker{
		ID:      uuid.NewString(),
		gen:     gen,
		cmd:     cmd,
		stdin:   stdin,
		chunks:  make(chan readChunk, chunkBuffer),
		stderr:  stderr,
		markers: newMarkerSet(cfg.StopMarkers),
		timeout: cfg.timeout(),
		started: time.Now(),
		exitCh:  make(chan struct{}),
	}
	if cmd != nil && cmd.Process != nil {
		w.pid = cmd.Process.Pid
	}
	readerDone := make(chan struct{})
	go w.readLoop(stdout, readerDone)
	go func() {
		// Reap only after the reader has drained the pipe; calling Wait
		// earlier would close the read side under unread output.
		<-readerDone
		if cmd != nil {
			w.exitStatus = cmd.Wait()
		}
		close(w.exitCh)
	}()
	return w
}

// startWorker spawns the engine process and blocks until the readiness
// marker shows up on stdout, the process dies, or the startup deadline
// passes. On success the worker is healthy and idle.
func startWorker(cfg Config, gen uint64) (*Worker, error) {
	cmd := exec.Command(cfg.Executable, buildArgs(cfg)...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, ErrStartup(fmt.Sprintf("stdin pipe: %v", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, ErrStartup(fmt.Sprintf("stdout pipe: %v", err))
	}
	stderr := newTailBuffer(stderrTailCap)
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, ErrStartup(fmt.Sprintf("start %s: %v", cfg.Executable, err))
	}
	w := newWorkerFromStreams(gen, cfg, cmd, stdin, stdout, stderr)
	zlog.Debug().Str("worker_id", w.ID).Int("pid", w.pid).Str("model", cfg.Model).Msg("worker spawned, waiting for readiness")

	deadline := time.NewTimer(cfg.StartupTimeout)
	defer deadline.Stop()
	var boot strings.Builder
	scanned := 0
	for {
		select {
		case c, ok := <-w.chunks:
			if !ok || c.err != nil {
				exitErr := w.exitError(disposeGrace)
				w.Dispose()
				if exitErr != nil {
					return nil, ErrStartup(fmt.Sprintf("%s exited before ready: %v; stderr tail: %s", cfg.Executable, exitErr, w.stderr.Tail()))
				}
				return nil, ErrStartup(fmt.Sprintf("%s closed stdout before ready; stderr tail: %s", cfg.Executable, w.stderr.Tail()))
			}
			boot.WriteString(c.data)
			s := boot.String()
			from := scanned - len(cfg.ReadyMarker) + 1
			if from < 0 {
				from = 0
			}
			if strings.Contains(s[from:], cfg.ReadyMarker) {
				w.healthy.Store(true)
				zlog.Info().Str("worker_id", w.ID).Int("pid", w.pid).Uint64("generation", gen).Msg("worker ready")
				return w, nil
			}
			scanned = len(s)
		case <-deadline.C:
			w.Dispose()
			return nil, ErrStartup(fmt.Sprintf("%s not ready within %s; stderr tail: %s", cfg.Executable, cfg.StartupTimeout, w.stderr.Tail()))
		}
	}
}

// readLoop moves stdout bytes into the chunk channel until the stream ends,
// then emits one terminal chunk and closes. readerDone is closed last so the
// reaper only calls Wait on a fully drained pipe.
func (w *Worker) readLoop(r io.Reader, readerDone chan<- struct{}) {
	defer close(readerDone)
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			w.chunks <- readChunk{data: string(buf[:n])}
		}
		if err != nil {
			w.chunks <- readChunk{err: err}
			close(w.chunks)
			return
		}
	}
}

// Healthy reports whether the worker can still serve exchanges. The flag is
// one-way: once false it never recovers.
func (w *Worker) Healthy() bool { return w.healthy.Load() }

// State returns the worker's exchange state as a stable string.
func (w *Worker) State() string { return queryState(w.state.Load()).String() }

// PID returns the engine process ID, 0 for in-memory workers.
func (w *Worker) PID() int { return w.pid }

// Query runs one exchange: write the framed request to stdin, then
// accumulate stdout until an end-of-generation marker, end-of-stream, the
// per-exchange timeout, or caller cancellation. The caller must hold
// exclusive use of the worker (a Lease); the worker itself does not lock
// exchanges against each other.
func (w *Worker) Query(ctx context.Context, req types.QueryRequest) (types.QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return types.QueryResult{}, err
	}
	if !w.healthy.Load() {
		return types.QueryResult{}, ErrProcessFailure(w.ID, errors.New("worker is unhealthy"))
	}

	w.state.Store(int32(stateAwaiting))
	start := time.Now()
	if _, err := w.stdin.Write(buildFrame(req)); err != nil {
		w.markUnhealthy(stateFailed)
		metricQueryDuration.WithLabelValues("process_failure").Observe(time.Since(start).Seconds())
		return types.QueryResult{}, ErrProcessFailure(w.ID, err)
	}

	timer := time.NewTimer(w.timeout)
	defer timer.Stop()
	var acc strings.Builder
	scanned := 0
	for {
		select {
		case c, ok := <-w.chunks:
			if !ok || c.err != nil {
				return w.finishAtStreamEnd(req, acc.String(), start, c.err)
			}
			acc.WriteString(c.data)
			s := acc.String()
			if idx, marker := w.markers.findFrom(s, w.markers.rescanFrom(scanned)); idx >= 0 {
				w.state.Store(int32(stateIdle))
				w.queries.Add(1)
				metricQueryDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
				zlog.Debug().Str("worker_id", w.ID).Str("marker", marker).Int("output_bytes", idx).Msg("exchange complete")
				return w.result(req, strings.TrimSpace(s[:idx]), start, false), nil
			}
			scanned = len(s)
		case <-timer.C:
			w.markUnhealthy(stateTimedOut)
			metricQueryDuration.WithLabelValues("timeout").Observe(time.Since(start).Seconds())
			zlog.Warn().Str("worker_id", w.ID).Dur("after", w.timeout).Msg("exchange timed out")
			return types.QueryResult{}, ErrQueryTimeout(w.ID, w.timeout)
		case <-ctx.Done():
			// The stream may carry a half-written response now; the worker
			// cannot be trusted for another exchange.
			w.markUnhealthy(stateFailed)
			metricQueryDuration.WithLabelValues("cancelled").Observe(time.Since(start).Seconds())
			return types.QueryResult{}, ctx.Err()
		}
	}
}

// finishAtStreamEnd resolves the end-of-stream cases: a non-zero exit is a
// process failure, a clean close yields the accumulated text as a truncated
// completion. Either way the stream is gone, so the worker leaves service.
func (w *Worker) finishAtStreamEnd(req types.QueryRequest, acc string, start time.Time, readErr error) (types.QueryResult, error) {
	if readErr != nil && !errors.Is(readErr, io.EOF) {
		w.markUnhealthy(stateFailed)
		metricQueryDuration.WithLabelValues("process_failure").Observe(time.Since(start).Seconds())
		return types.QueryResult{}, ErrProcessFailure(w.ID, readErr)
	}
	if exitErr := w.exitError(exitProbeWait); exitErr != nil {
		w.markUnhealthy(stateFailed)
		metricQueryDuration.WithLabelValues("process_failure").Observe(time.Since(start).Seconds())
		return types.QueryResult{}, ErrProcessFailure(w.ID, fmt.Errorf("engine exited: %w; stderr tail: %s", exitErr, w.stderr.Tail()))
	}
	w.markUnhealthy(stateFailed)
	w.queries.Add(1)
	metricQueryDuration.WithLabelValues("ok").Observe(time.Since(start).Seconds())
	text, _ := w.markers.clean(acc)
	return w.result(req, text, start, true), nil
}

func (w *Worker) result(req types.QueryRequest, text string, start time.Time, truncated bool) types.QueryResult {
	return types.QueryResult{
		Text:         text,
		DurationMs:   time.Since(start).Milliseconds(),
		InputTokens:  estimateTokens(req.SystemPrompt) + estimateTokens(req.Prompt),
		OutputTokens: estimateTokens(text),
		Truncated:    truncated,
		WorkerID:     w.ID,
	}
}

func (w *Worker) markUnhealthy(s queryState) {
	w.state.Store(int32(s))
	if w.healthy.CompareAndSwap(true, false) {
		metricUnhealthyTotal.WithLabelValues(s.String()).Inc()
	}
}

// exitError waits up to d for the reaper and returns the recorded exit
// status. A nil return means the process either exited cleanly or has not
// been reaped yet.
func (w *Worker) exitError(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.exitCh:
		return w.exitStatus
	case <-t.C:
		return nil
	}
}

// Dispose terminates the engine process and releases the stream handles:
// close stdin (engines reading a closed stdin exit on their own), SIGTERM,
// and SIGKILL after a grace period. Idempotent and safe from any goroutine.
func (w *Worker) Dispose() {
	w.disposeOnce.Do(func() {
		w.healthy.Store(false)
		_ = w.stdin.Close()
		if w.cmd != nil && w.cmd.Process != nil {
			_ = w.cmd.Process.Signal(syscall.SIGTERM)
		}
		// Drain so the reader goroutine can reach EOF even if nobody is
		// mid-Query on this worker.
		go func() {
			for range w.chunks {
			}
		}()
		t := time.NewTimer(disposeGrace)
		defer t.Stop()
		select {
		case <-w.exitCh:
		case <-t.C:
			if w.cmd != nil && w.cmd.Process != nil {
				_ = w.cmd.Process.Kill()
			}
			<-w.exitCh
		}
		zlog.Debug().Str("worker_id", w.ID).Int("pid", w.pid).Msg("worker disposed")
	})
}

// snapshot renders the worker for /status. The RSS probe goes through
// gopsutil and is best effort.
func (w *Worker) snapshot() types.WorkerStatus {
	st := types.WorkerStatus{
		ID:          w.ID,
		PID:         w.pid,
		State:       w.State(),
		Healthy:     w.healthy.Load(),
		Queries:     w.queries.Load(),
		StartedUnix: w.started.Unix(),
	}
	if w.pid > 0 {
		if proc, err := process.NewProcess(int32(w.pid)); err == nil {
			if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
				st.RSSMB = int(mi.RSS / (1 << 20))
			}
		}
	}
	return st
}

// tailBuffer is an io.Writer keeping only the last cap bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	cap int
}

func newTailBuffer(n int) *tailBuffer { return &tailBuffer{cap: n} }

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.cap {
		b.buf = b.buf[len(b.buf)-b.cap:]
	}
	return len(p), nil
}

func (b *tailBuffer) Tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
