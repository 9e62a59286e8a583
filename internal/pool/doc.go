// Package pool maintains a fixed fleet of external inference processes and
// arbitrates exclusive access to them. It is structured into small files by
// concern:
//
//   - config.go: Config, generation parameters, defaults and validation.
//   - worker.go: Worker type; process spawn, readiness scan, the stdin/stdout
//     exchange protocol, health transitions, disposal.
//   - lease.go: Lease, the single-use scoped borrow handed out by Acquire.
//   - pool.go: Pool type; permit-gate admission, replacement, hot-swap, status.
//   - markers.go: end-of-generation marker set and scanning.
//   - proto.go: request framing, spawn argv, token estimation.
//   - errors.go: error kinds and predicates (IsStartup, IsTimeout, ...).
//   - events.go: Event and EventPublisher; eventpub_memory.go and
//     eventpub_bus.go provide the test and fan-out implementations.
//   - metrics.go: Prometheus collectors for spawns, leases and queries.
//   - logging.go: package logger wiring.
//
// A Worker is never shared: callers go through Acquire, use the returned
// Lease for exactly one exchange at a time, and Release it. Health is
// one-way; a worker that times out or breaks its pipe is disposed and
// replaced rather than recycled.
package pool
