// Package wiring defines the small callback-port interfaces that let
// independently-owned components call into each other without importing
// one another directly: the error grouper broadcasts through a hub port,
// the (out-of-scope) settings surface restarts the watcher and notifies
// retention through theirs. Grounded on spec.md §9's note that cyclic
// callbacks between components should be expressed as interface
// abstractions rather than direct package imports.
package wiring

// HubEvent is the generic SSE envelope the Push Hub fans out to every
// connected dashboard client.
type HubEvent struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

// HubBroadcaster is the port the Error Grouper and Retention Sweeper use
// to publish events without depending on the Push Hub's concrete type.
type HubBroadcaster interface {
	Broadcast(event HubEvent)
}

// WatcherRestarter is the port an (out-of-scope) settings surface would
// use to apply a changed Railway token/project/environment without the
// Log Watcher exposing its internals.
type WatcherRestarter interface {
	Restart() error
}

// RetentionNotifier is the port an (out-of-scope) settings surface would
// use to tell the running sweeper that the retention-days value changed.
// The sweeper itself re-reads the setting from the store on every tick.
type RetentionNotifier interface {
	NotifyRetentionDaysChanged(days int)
}
