package pool

import "time"

// Event names published by the pool.
const (
	EventSpawnReady     = "spawn_ready"
	EventSpawnFailed    = "spawn_failed"
	EventInitDone       = "init_done"
	EventInitFailed     = "init_failed"
	EventWorkerDisposed = "worker_disposed"
	EventReloadStarted  = "reload_started"
	EventReloadDone     = "reload_done"
	EventReloadFailed   = "reload_failed"
	EventPoolClosed     = "pool_closed"
)

// Event represents a pool lifecycle event. Minimal and stable: name plus
// worker/generation identity and optional fields via key/values. The JSON
// shape doubles as the /events wire frame.
type Event struct {
	Name     string         `json:"name"`
	WorkerID string         `json:"worker_id,omitempty"`
	Gen      uint64         `json:"generation"`
	Time     time.Time      `json:"time"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// EventPublisher receives events from the pool. Implementations should be
// lightweight and non-blocking; Publish must not panic.
type EventPublisher interface {
	Publish(Event)
}

// noopPublisher is the default; it drops events.
type noopPublisher struct{}

func (noopPublisher) Publish(Event) {}
