package daemon

//go:generate go tool stringer -type=State -trimprefix=State

// State is the lifecycle state of a [Pipeline].
type State int

const (
	// StateStarting validates configuration and establishes the filesystem
	// subscription, including its bounded retries.
	StateStarting State = iota
	// StateWatching is idle: subscribed, no pending change.
	StateWatching
	// StateDebouncing has an open burst whose quiet-period timer is running.
	StateDebouncing
	// StateRestarting has a restart request being serviced. The pipeline
	// returns to StateWatching regardless of the outcome.
	StateRestarting
	// StateFailed is terminal: the subscription could not be established or
	// recovered. The process exits non-zero so the supervisor respawns it.
	StateFailed
)
