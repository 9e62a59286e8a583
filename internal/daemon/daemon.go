// Package daemon glues the worker pool, the model registry, and the event
// bus into the service surface the HTTP layer exposes.
package daemon

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/veighnsche/inferd/internal/pool"
	"github.com/veighnsche/inferd/internal/registry"
	"github.com/veighnsche/inferd/pkg/types"
)

type Daemon struct {
	mu        sync.RWMutex
	pool      *pool.Pool
	bus       *pool.Bus
	modelsDir string
	models    []types.Model
	current   types.Model
}

// New wires a daemon over an initialized pool. modelsDir may be empty when
// the daemon serves a single model file outside any registry directory.
func New(p *pool.Pool, bus *pool.Bus, modelsDir string, current types.Model) *Daemon {
	d := &Daemon{pool: p, bus: bus, modelsDir: modelsDir, current: current}
	_ = d.RefreshRegistry()
	return d
}

// RefreshRegistry rescans the models directory. The previous scan is kept
// when the rescan fails, so a transient directory error does not wipe the
// model list.
func (d *Daemon) RefreshRegistry() error {
	if d.modelsDir == "" {
		return nil
	}
	models, err := registry.LoadDir(d.modelsDir)
	if err != nil {
		return err
	}
	d.mu.Lock()
	d.models = models
	d.mu.Unlock()
	return nil
}

// Query borrows one worker for one exchange. The borrow spans the whole
// exchange; the worker goes back to the pool whatever the outcome.
func (d *Daemon) Query(ctx context.Context, req types.QueryRequest) (types.QueryResult, error) {
	lease, err := d.pool.Acquire(ctx)
	if err != nil {
		return types.QueryResult{}, err
	}
	defer lease.Release()
	return lease.Query(ctx, req)
}

// Status reports pool counters plus a preflight view of the engine deps.
func (d *Daemon) Status() types.StatusResponse {
	st := d.pool.Status()
	sanity := sanityCheck(st.Executable, st.Model)
	st.Sanity = &sanity
	return st
}

// ListModels returns the registry, rescanning the models directory first so
// freshly dropped files show up without a restart.
func (d *Daemon) ListModels() []types.Model {
	_ = d.RefreshRegistry()
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.Model, len(d.models))
	copy(out, d.models)
	return out
}

// Reload hot-swaps the fleet onto a new model and/or executable. The model
// reference resolves against the registry first, then as a literal path.
func (d *Daemon) Reload(ctx context.Context, req types.ReloadRequest) (types.ReloadResponse, error) {
	var target types.Model
	if req.Model != "" {
		m, err := d.resolveModel(req.Model)
		if err != nil {
			return types.ReloadResponse{}, err
		}
		target = m
	}

	start := time.Now()
	if err := d.pool.Reinitialize(ctx, req.Executable, target.Path, nil); err != nil {
		return types.ReloadResponse{}, err
	}
	if target.Path != "" {
		d.mu.Lock()
		d.current = target
		d.mu.Unlock()
	}
	return types.ReloadResponse{
		Generation:     d.pool.Generation(),
		TotalInstances: d.pool.TotalInstances(),
		DurationMs:     time.Since(start).Milliseconds(),
	}, nil
}

// resolveModel maps a registry ID, name, or file path to a model.
func (d *Daemon) resolveModel(ref string) (types.Model, error) {
	_ = d.RefreshRegistry()
	d.mu.RLock()
	m, ok := registry.Resolve(d.models, ref)
	d.mu.RUnlock()
	if ok {
		return m, nil
	}
	if st, err := os.Stat(ref); err == nil && !st.IsDir() {
		return types.Model{ID: ref, Name: ref, Path: ref, SizeMB: int(st.Size() / (1 << 20))}, nil
	}
	return types.Model{}, ErrModelNotFound(ref)
}

// CurrentModel reports the model the serving generation was spawned with.
func (d *Daemon) CurrentModel() types.Model {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.current
}

func (d *Daemon) Ready() bool {
	return d.pool.Ready()
}

// Subscribe taps the lifecycle event stream.
func (d *Daemon) Subscribe(buffer int) (<-chan pool.Event, func()) {
	return d.bus.Subscribe(buffer)
}

// Close shuts the pool down. Outstanding leases drain on their own.
func (d *Daemon) Close() {
	d.pool.Close()
}
