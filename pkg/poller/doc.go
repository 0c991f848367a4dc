// Package poller implements the adaptive polling engine that watches a
// single remote operation until it reaches a terminal status.
//
// A Poller owns the full lifecycle of one watch task: scheduling,
// exponential backoff, attempt caps and cancellation. Every observed
// status and every fetch error is reported through configured callbacks;
// Start and Stop never fail. The Registry enforces the one-active-poller
// per-target rule on top.
//
// The poller is modeled as an explicit state machine:
//
//	Idle -> Scheduled -> Running -> {Idle, Scheduled}
//
// with a single pending timer handle and a generation counter. Stop
// bumps the generation and invalidates the handle, so a stale tick can
// never fire after cancellation, regardless of timer state.
package poller
