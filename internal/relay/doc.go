// Package relay delivers reminder pings to a sink.
//
// The reminder engine publishes review.TopicPing on the event bus and does not
// care what happens next. The relay subscribes to that topic and runs each
// ping through an async pipeline: dedup window, bounded queue, worker pool,
// rate limit and retry. Delivered pings are recorded in storage.
//
// # Dedup
//
// A ping for a pull request is suppressed while an earlier ping for the same
// pull request is inside the dedup window. Windows are kept in memory and,
// when a store is configured, persisted so they survive a restart.
//
// # Events
//
// Lifecycle events are published back on the bus as relay.queued,
// relay.sent, relay.failed, relay.deduped and relay.dropped.
package relay
