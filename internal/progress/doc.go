// Package progress carries job lifecycle events from workers to sinks. Emit
// never blocks a worker; events are batched and fanned out in the background.
package progress
