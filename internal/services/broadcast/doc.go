// Package broadcast sends one payload to many targets.
//
// Payloads
//
// A Payload is literal text, a single observed message, or an album. Replays
// go out in copy mode (new messages, caption from the first item with text)
// or forward mode (platform forward keeping attribution).
//
// Delivery semantics
//
// Targets are processed strictly in list order with a fixed or random pause
// between sends. A failed target is recorded and skipped; there is no retry.
// Cancellation takes effect between sends.
//
// Jobs
//
// Service queues Jobs and runs them one at a time on a single worker,
// keeps a bounded in-memory status per job and appends an audit entry when
// a job finishes.
package broadcast
