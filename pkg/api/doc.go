// Package api contains the types shared by the replay engine, the history
// store and their callers: history events, actions, the orchestration
// context, errors, statuses and observers.
//
// Most users interact with the higher-level durabletask package, which
// re-exports selected types and helpers from this package. The api package
// is intended for dispatcher implementations and custom integrations.
//
// # History events and actions
//
// HistoryEvent and Action are closed sets: every implementation lives in
// this package, and consumers switch over them exhaustively. Payloads are
// opaque strings produced by a DataConverter (JSON by default).
//
// # Errors
//
// Sentinel errors (ErrNonDeterminism, ErrConcurrencyConflict, ...) are
// matched with errors.Is. The typed errors NonDeterminismError,
// TaskFailedError, SubOrchestrationFailedError and SplitBrainError carry
// details and unwrap to their sentinel.
package api
