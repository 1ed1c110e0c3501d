// Package progress carries pipeline progress events from workers to sinks.
// Emit never blocks; events are batched on a background goroutine and handed
// to each sink in order.
package progress
