// Package durabletask is the replay engine and history store of a durable
// orchestration framework.
//
// Orchestrations are plain Go functions. They request durable side effects
// (activity tasks, timers, sub-orchestrations, outgoing events) through an
// OrchestrationContext and await the results as Futures. Nothing runs in
// the background: a dispatcher owned by the application delivers events to
// the Engine one episode at a time, and the Engine tells it what to do next.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. Orchestrator
//  3. Episode
//  4. History
//
// # Engine
//
// The Engine holds registered orchestrators and an instance store. It
// provides APIs to:
//   - start an instance (StartOrchestration)
//   - run an episode with newly delivered events (RunEpisode)
//   - read status and history
//   - purge instances, one by one or by creation date
//   - rewind failed instance trees
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - MongoDB
//
// Payloads too large for a row are gzip-compressed into an object store:
// in-memory, a bbolt file or Redis.
//
// # Orchestrator
//
// An orchestrator must be deterministic. Every episode runs it again from
// the top against the recorded history; each request it makes is numbered
// in request order and matched against the recorded confirmations. A
// mismatch aborts the episode with ErrNonDeterminism and nothing is
// written.
//
//	func checkout(ctx durabletask.OrchestrationContext) (any, error) {
//	    var order Order
//	    if err := ctx.GetInput(&order); err != nil {
//	        return nil, err
//	    }
//	    receipt, err := durabletask.CallTask[string](ctx, "Charge", order)
//	    if err != nil {
//	        return nil, err
//	    }
//	    return receipt, ctx.CreateTimer(ctx.CurrentTime().Add(time.Hour)).Await(nil)
//	}
//
// Use ctx.CurrentTime instead of time.Now, timers instead of sleeping, and
// activity tasks for anything that talks to the outside world.
//
// # Episode
//
// RunEpisode loads the committed history, replays the orchestrator over it
// plus the new events, records the new requests as history events and
// appends them in one logical checkpoint. The returned EpisodeOutcome lists
// the actions the dispatcher has to carry out, and the terminal result once
// the orchestration finished.
//
// Appends are guarded by an optimistic concurrency token. When two workers
// run an episode for the same instance, the loser gets a SplitBrainError
// (matching ErrConcurrencyConflict) and should drop its work.
//
// # Configuration
//
// Settings and Backend are read from DURABLETASK_* environment variables
// by Open, or passed explicitly to NewEngine and OpenPersistence.
//
// # Observability
//
// Observer receives callbacks for episodes, history reads and writes,
// split brains, purges and rewinds. LoggingObserver writes them to a
// log/slog logger, BasicMetrics counts them and CompositeObserver fans out.
// History store operations are also traced with OpenTelemetry spans.
package durabletask
