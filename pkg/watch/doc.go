// Package watch subscribes to filesystem change notifications for a single
// file and emits an unbounded sequence of change events.
//
// A [Source] watches the parent directory of its file so that editor
// rename-replace cycles and recreate-after-delete are observed. Metadata-only
// (chmod) notifications are dropped here rather than downstream, because the
// underlying notification mechanism conflates event types. Subscription
// establishment and recovery use bounded retries with exponential backoff;
// exhaustion closes the event channel and is reported via [Source.Err].
package watch
