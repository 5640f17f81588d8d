// Package notifier turns camera events into Bot API deliveries.
//
// Events flow through chained queues of Item values:
//
//	input -> [pre-stage] -> Scheduler -> send queue -> Dispatcher -> Worker
//	                                          ^                        |
//	                                          +------ Retry <----------+
//
// The Scheduler matches each event against the cluster rules of the current
// Snapshot and queues one DeliveryMessage per subscribed Target. The
// Dispatcher drains the send queue into a bounded pool of Workers. Transient
// failures go back to the send queue through the Retry scheduler. A Cleanup
// loop deletes delivered messages once their expiry passes.
//
// # Shutdown
//
// Pipeline.Stop ends timed waits (retry back-off, cleanup interval), lets
// cut-short retries re-queue, then pushes a stop Item into the first queue. Every stage forwards exactly one
// stop Item downstream before it exits, so everything queued ahead of it is
// still delivered. If the Stop context expires first, in-flight sends and
// limiter waits are aborted.
package notifier
