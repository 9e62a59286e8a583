package pool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/veighnsche/inferd/pkg/types"
)

// State is the pool lifecycle state reported by /status.
type State string

const (
	StateInitializing State = "initializing"
	StateReady        State = "ready"
	StateReloading    State = "reloading"
	StateClosed       State = "closed"
	StateError        State = "error"
)

// Occupancy is a point-in-time view of the pool counters, attached to
// backpressure errors for diagnosis.
type Occupancy struct {
	Available int
	Leased    int
	Total     int
	Max       int
}

// ProgressFunc receives fan-out progress during Init and Reinitialize.
type ProgressFunc func(ready, failed, want int)

// spawnFunc produces one ready worker; swapped out by tests for in-memory
// workers.
type spawnFunc func(cfg Config, gen uint64) (*Worker, error)

// Pool maintains up to MaxInstances workers behind a permit gate. Admission
// is a buffered channel pre-filled with one token per slot: Acquire takes a
// token (cancellable), release puts it back. Workers found unhealthy are
// disposed and replaced rather than recycled; a hot-swap bumps the
// generation and strands in-flight leases, which drain on release.
//
// total counts workers owned by the current generation only. It dips below
// MaxInstances while a replacement spawn is in flight and resets on
// reinitialize.
type Pool struct {
	mu        sync.Mutex
	cfg       Config
	gen       uint64
	permits   chan struct{}
	available []*Worker
	leased    map[*Worker]struct{}
	total     int
	state     State
	lastErr   string
	closed    bool
	reloading bool

	started      time.Time
	spawns       atomic.Uint64
	replacements atomic.Uint64

	publisher EventPublisher
	spawn     spawnFunc
}

// New validates cfg and builds an idle pool. Call Init to spawn the fleet.
func New(cfg Config) (*Pool, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Pool{
		cfg:       cfg,
		gen:       1,
		permits:   newGate(cfg.MaxInstances),
		available: make([]*Worker, 0, cfg.MaxInstances),
		leased:    make(map[*Worker]struct{}),
		state:     StateInitializing,
		started:   time.Now(),
		publisher: noopPublisher{},
		spawn:     startWorker,
	}, nil
}

// newGate builds a full admission gate: capacity n, n tokens inside.
func newGate(n int) chan struct{} {
	ch := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		ch <- struct{}{}
	}
	return ch
}

// SetPublisher installs an event publisher. Call before Init; the default
// drops events.
func (p *Pool) SetPublisher(pub EventPublisher) {
	if pub == nil {
		pub = noopPublisher{}
	}
	p.mu.Lock()
	p.publisher = pub
	p.mu.Unlock()
}

func (p *Pool) publish(e Event) {
	p.mu.Lock()
	pub := p.publisher
	p.mu.Unlock()
	e.Time = time.Now()
	pub.Publish(e)
}

// Init spawns up to MaxInstances workers concurrently. Partial failure is
// tolerated: the pool runs at whatever capacity came up, as long as it is
// not zero. Zero survivors is fatal and reported as a StartupError that
// aggregates the individual causes.
func (p *Pool) Init(ctx context.Context, onProgress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.state = StateInitializing
	gen := p.gen
	cfg := p.cfg
	p.mu.Unlock()
	return p.fanOut(gen, cfg, onProgress)
}

// fanOut runs the concurrent spawn burst for one generation and registers
// the survivors. State writes are skipped when the generation has moved on
// underneath us (a reinitialize overtook this burst).
func (p *Pool) fanOut(gen uint64, cfg Config, onProgress ProgressFunc) error {
	want := cfg.MaxInstances
	results := make(chan error, want)
	for i := 0; i < want; i++ {
		go func() {
			w, err := p.spawnWorker(cfg, gen)
			if err != nil {
				results <- err
				return
			}
			p.mu.Lock()
			if p.closed || p.gen != gen {
				p.mu.Unlock()
				w.Dispose()
				results <- nil
				return
			}
			p.available = append(p.available, w)
			p.total++
			p.mu.Unlock()
			results <- nil
		}()
	}

	ready, failed := 0, 0
	var causes []string
	for i := 0; i < want; i++ {
		if err := <-results; err != nil {
			failed++
			causes = append(causes, err.Error())
		} else {
			ready++
		}
		if onProgress != nil {
			onProgress(ready, failed, want)
		}
	}

	if ready == 0 {
		msg := fmt.Sprintf("no workers came up (0/%d): %s", want, strings.Join(causes, "; "))
		p.mu.Lock()
		if p.gen == gen && !p.closed {
			p.state = StateError
			p.lastErr = msg
		}
		p.mu.Unlock()
		p.publish(Event{Name: EventInitFailed, Gen: gen, Fields: map[string]any{"want": want, "error": msg}})
		return ErrStartup(msg)
	}
	p.mu.Lock()
	if p.gen == gen && !p.closed {
		p.state = StateReady
		if failed > 0 {
			p.lastErr = fmt.Sprintf("partial init: %d/%d workers failed: %s", failed, want, strings.Join(causes, "; "))
		}
	}
	p.mu.Unlock()
	if failed > 0 {
		zlog.Warn().Int("ready", ready).Int("failed", failed).Int("want", want).Msg("pool initialized at reduced capacity")
	} else {
		zlog.Info().Int("ready", ready).Uint64("generation", gen).Msg("pool initialized")
	}
	p.publish(Event{Name: EventInitDone, Gen: gen, Fields: map[string]any{"ready": ready, "failed": failed, "want": want}})
	return nil
}

// spawnWorker wraps the spawn hook with metrics and events.
func (p *Pool) spawnWorker(cfg Config, gen uint64) (*Worker, error) {
	start := time.Now()
	w, err := p.spawn(cfg, gen)
	if err != nil {
		metricSpawnsTotal.WithLabelValues("error").Inc()
		p.publish(Event{Name: EventSpawnFailed, Gen: gen, Fields: map[string]any{"error": err.Error()}})
		return nil, err
	}
	p.spawns.Add(1)
	metricSpawnsTotal.WithLabelValues("ok").Inc()
	metricSpawnDuration.Observe(time.Since(start).Seconds())
	p.publish(Event{Name: EventSpawnReady, WorkerID: w.ID, Gen: gen, Fields: map[string]any{"pid": w.pid}})
	return w, nil
}

// Acquire blocks on the admission gate until a permit frees up or ctx
// fires, then hands out a healthy worker under a single-use lease. Gate
// waiters are served in no particular order. With a permit in hand,
// unhealthy workers found in the available set are disposed and the hunt
// continues; an empty set falls back to a synchronous fresh spawn. If no
// healthy worker can be produced, the permit goes back and the caller gets
// a PoolExhausted error carrying the occupancy counters. Cancellation
// consumes nothing and surfaces as the context's own error.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	waitStart := time.Now()
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		gate := p.permits
		p.mu.Unlock()

		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			returnPermit(gate)
			return nil, ErrClosed
		}
		if p.permits != gate {
			// A reinitialize replaced the gate while we waited; retry
			// against the new one.
			p.mu.Unlock()
			returnPermit(gate)
			continue
		}
		metricAcquireWait.Observe(time.Since(waitStart).Seconds())

		// Hunt the available set for a healthy worker, setting duds aside.
		var w *Worker
		var duds []*Worker
		for len(p.available) > 0 {
			n := len(p.available)
			cand := p.available[n-1]
			p.available = p.available[:n-1]
			if cand.Healthy() {
				w = cand
				break
			}
			duds = append(duds, cand)
			p.total--
		}
		if w != nil {
			p.leased[w] = struct{}{}
		}
		gen := p.gen
		cfg := p.cfg
		p.mu.Unlock()

		for _, d := range duds {
			go func(d *Worker) {
				zlog.Warn().Str("worker_id", d.ID).Msg("unhealthy worker found in available set, disposing")
				d.Dispose()
				p.publish(Event{Name: EventWorkerDisposed, WorkerID: d.ID, Gen: d.gen, Fields: map[string]any{"reason": "unhealthy_in_pool"}})
			}(d)
		}
		if w != nil {
			metricLeasesInFlight.Inc()
			return &Lease{w: w, p: p, gen: gen}, nil
		}

		// Nothing available: spawn a replacement for the permit we hold.
		nw, err := p.spawnWorker(cfg, gen)
		if err != nil {
			occ := p.Occupancy()
			returnPermit(gate)
			metricExhaustedTotal.Inc()
			return nil, ErrPoolExhausted(occ, err)
		}
		p.mu.Lock()
		if p.closed || p.gen != gen {
			closed := p.closed
			p.mu.Unlock()
			nw.Dispose()
			returnPermit(gate)
			if closed {
				return nil, ErrClosed
			}
			continue
		}
		p.total++
		p.leased[nw] = struct{}{}
		p.mu.Unlock()
		metricLeasesInFlight.Inc()
		return &Lease{w: nw, p: p, gen: gen}, nil
	}
}

// returnPermit puts a token back without ever blocking. The gate holds at
// most one token per past take, so the send cannot actually drop; the
// default arm only guards against misuse.
func returnPermit(gate chan struct{}) {
	select {
	case gate <- struct{}{}:
	default:
	}
}

// release is the single hand-back path, reached through Lease.Release.
// Healthy workers of the current generation rejoin the available set and
// the permit returns immediately. Unhealthy ones are disposed and replaced
// in the background; their permit is withheld until the replacement attempt
// finishes, so permit accounting never overstates real capacity. Stale
// generations are disposed outright: the hot-swap already rebuilt a full
// gate, so no permit is owed.
func (p *Pool) release(w *Worker, gen uint64) {
	metricLeasesInFlight.Dec()
	p.mu.Lock()
	delete(p.leased, w)
	if p.closed {
		if gen == p.gen && p.total > 0 {
			p.total--
		}
		p.mu.Unlock()
		w.Dispose()
		return
	}
	if gen != p.gen {
		p.mu.Unlock()
		w.Dispose()
		p.publish(Event{Name: EventWorkerDisposed, WorkerID: w.ID, Gen: gen, Fields: map[string]any{"reason": "stale_generation"}})
		return
	}
	gate := p.permits
	if w.Healthy() {
		p.available = append(p.available, w)
		p.mu.Unlock()
		returnPermit(gate)
		return
	}

	// Unhealthy: shrink now, replace in the background.
	p.total--
	cfg := p.cfg
	p.mu.Unlock()
	reason := w.State()
	w.Dispose()
	p.publish(Event{Name: EventWorkerDisposed, WorkerID: w.ID, Gen: gen, Fields: map[string]any{"reason": reason}})
	p.replacements.Add(1)
	metricReplacementsTotal.Inc()
	go func() {
		defer returnPermit(gate)
		nw, err := p.spawnWorker(cfg, gen)
		if err != nil {
			p.mu.Lock()
			if p.gen == gen {
				p.lastErr = fmt.Sprintf("replacement spawn failed: %v", err)
			}
			p.mu.Unlock()
			zlog.Error().Err(err).Uint64("generation", gen).Msg("replacement spawn failed")
			return
		}
		p.mu.Lock()
		if p.closed || p.gen != gen {
			p.mu.Unlock()
			nw.Dispose()
			return
		}
		p.available = append(p.available, nw)
		p.total++
		p.mu.Unlock()
		zlog.Info().Str("worker_id", nw.ID).Uint64("generation", gen).Msg("replacement worker ready")
	}()
}

// Reinitialize hot-swaps the fleet onto a new executable/model pair: the
// available workers of the old generation are disposed, the admission gate
// is rebuilt at full width, and a fresh fan-out runs under a bumped
// generation number. Leases still out against the old generation are not
// revoked; they drain as stale on release. Only one reinitialize may run at
// a time.
func (p *Pool) Reinitialize(ctx context.Context, executable, model string, onProgress ProgressFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.reloading {
		p.mu.Unlock()
		return ErrReloadInProgress
	}
	next := p.cfg
	if executable != "" {
		next.Executable = executable
	}
	if model != "" {
		next.Model = model
	}
	if err := next.Validate(); err != nil {
		p.mu.Unlock()
		return err
	}
	p.reloading = true
	p.state = StateReloading
	p.cfg = next
	p.gen++
	gen := p.gen
	old := p.available
	p.available = make([]*Worker, 0, next.MaxInstances)
	p.total = 0
	p.permits = newGate(next.MaxInstances)
	stranded := len(p.leased)
	p.mu.Unlock()

	p.publish(Event{Name: EventReloadStarted, Gen: gen, Fields: map[string]any{"model": next.Model, "stranded_leases": stranded}})
	disposeAll(old)

	err := p.fanOut(gen, next, onProgress)
	p.mu.Lock()
	p.reloading = false
	p.mu.Unlock()
	if err != nil {
		p.publish(Event{Name: EventReloadFailed, Gen: gen, Fields: map[string]any{"error": err.Error()}})
		return err
	}
	p.publish(Event{Name: EventReloadDone, Gen: gen, Fields: map[string]any{"model": next.Model}})
	return nil
}

// Close disposes the available fleet and rejects further acquires.
// Outstanding leases drain on their own; their workers are disposed at
// release without resurrection. Idempotent.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.state = StateClosed
	old := p.available
	p.available = nil
	p.total -= len(old)
	p.mu.Unlock()

	disposeAll(old)
	zlog.Info().Int("disposed", len(old)).Msg("pool closed")
	p.publish(Event{Name: EventPoolClosed, Fields: map[string]any{"disposed": len(old)}})
}

func disposeAll(ws []*Worker) {
	var wg sync.WaitGroup
	for _, w := range ws {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Dispose()
		}(w)
	}
	wg.Wait()
}

// Ready reports whether the pool can serve: initialized, not closed, and
// holding at least one live worker.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateReady && p.total > 0
}

// AvailableCount returns the number of idle workers.
func (p *Pool) AvailableCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// LeasedCount returns the number of workers currently checked out,
// stale-generation leases included.
func (p *Pool) LeasedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.leased)
}

// TotalInstances returns the live worker count for the current generation;
// it dips below MaxInstances while replacements are in flight.
func (p *Pool) TotalInstances() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// MaxInstances returns the configured fleet ceiling.
func (p *Pool) MaxInstances() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxInstances
}

// Generation returns the current hot-swap generation. The first fleet is
// generation 1; every successful reinitialize bumps it.
func (p *Pool) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}

// Occupancy snapshots the admission counters.
func (p *Pool) Occupancy() Occupancy {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Occupancy{
		Available: len(p.available),
		Leased:    len(p.leased),
		Total:     p.total,
		Max:       p.cfg.MaxInstances,
	}
}

// Status assembles the full /status payload, including per-worker snapshots
// and a host memory probe.
func (p *Pool) Status() types.StatusResponse {
	p.mu.Lock()
	resp := types.StatusResponse{
		State:             string(p.state),
		Generation:        p.gen,
		MaxInstances:      p.cfg.MaxInstances,
		TotalInstances:    p.total,
		AvailableCount:    len(p.available),
		LeasedCount:       len(p.leased),
		Model:             p.cfg.Model,
		Executable:        p.cfg.Executable,
		SpawnsTotal:       p.spawns.Load(),
		ReplacementsTotal: p.replacements.Load(),
		LastError:         p.lastErr,
		UptimeSeconds:     int64(time.Since(p.started).Seconds()),
		ServerTimeUnix:    time.Now().Unix(),
	}
	workers := make([]*Worker, 0, len(p.available)+len(p.leased))
	workers = append(workers, p.available...)
	for w := range p.leased {
		workers = append(workers, w)
	}
	p.mu.Unlock()

	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	resp.Workers = make([]types.WorkerStatus, 0, len(workers))
	for _, w := range workers {
		resp.Workers = append(resp.Workers, w.snapshot())
	}
	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		resp.Memory = &types.MemoryStatus{
			TotalMB:     int(vm.Total / (1 << 20)),
			AvailableMB: int(vm.Available / (1 << 20)),
			UsedPercent: vm.UsedPercent,
		}
	}
	return resp
}
