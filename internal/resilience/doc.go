// Package resilience guards calls to flaky external services.
//
// It combines three pieces:
//   - a per-service circuit breaker (Closed/Open/HalfOpen) that stops calling
//     a dependency for a cooldown after repeated failures,
//   - a retry executor with exponential backoff and optional fallback,
//   - an error classifier + bounded error log feeding aggregate statistics.
//
// Breakers for different service names are fully independent; a breaker's
// own state transitions are guarded by a single mutex, so CanExecute,
// RecordSuccess and RecordFailure are safe under concurrent callers.
package resilience
