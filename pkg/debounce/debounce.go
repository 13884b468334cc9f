// Package debounce collapses bursts of filesystem change events into single
// settled-change restart requests.
//
// Editors and config-management tools frequently perform multiple writes
// (truncate, write, rename) for one logical edit; without coalescing, one
// edit would restart the target several times. A quiet-period timer settles
// a burst; a maximum-coalescing deadline guarantees an emit even under a
// pathological continuous event stream.
package debounce

import (
	"context"
	"log/slog"
	"time"

	"github.com/bouncehq/bounce/pkg/log"
	"github.com/bouncehq/bounce/pkg/restart"
	"github.com/bouncehq/bounce/pkg/watch"
)

// Defaults for burst settling.
const (
	DefaultQuietPeriod = 2 * time.Second

	// DefaultMaxCoalesceFactor scales the quiet period into the forced-emit
	// deadline when no explicit maximum is configured.
	DefaultMaxCoalesceFactor = 5
)

// pendingChange is the single outstanding unsettled change. It exists
// exactly while a burst is open and is owned by the Run goroutine alone.
type pendingChange struct {
	first  time.Time
	last   time.Time
	events int
}

// Debouncer turns a sequence of change events into restart requests.
// One Debouncer serves one watched file.
type Debouncer struct {
	onPending   func(time.Time)
	onSettle    func(restart.Request)
	out         chan restart.Request
	quiet       time.Duration
	maxCoalesce time.Duration
}

// Opt configures a [Debouncer].
type Opt func(*Debouncer)

// WithQuietPeriod sets the duration with no further events required before a
// burst is considered settled.
func WithQuietPeriod(d time.Duration) Opt {
	return func(db *Debouncer) {
		db.quiet = d
	}
}

// WithMaxCoalesce sets the forced-emit deadline, measured from the first
// event of a burst. Zero derives [DefaultMaxCoalesceFactor] times the quiet
// period.
func WithMaxCoalesce(d time.Duration) Opt {
	return func(db *Debouncer) {
		db.maxCoalesce = d
	}
}

// WithObserver registers callbacks for burst start and settle transitions.
func WithObserver(onPending func(time.Time), onSettle func(restart.Request)) Opt {
	return func(db *Debouncer) {
		db.onPending = onPending
		db.onSettle = onSettle
	}
}

// New creates a [Debouncer].
func New(opts ...Opt) *Debouncer {
	db := &Debouncer{
		quiet: DefaultQuietPeriod,
		out:   make(chan restart.Request),
	}
	for _, opt := range opts {
		opt(db)
	}

	if db.maxCoalesce <= 0 {
		db.maxCoalesce = DefaultMaxCoalesceFactor * db.quiet
	}

	return db
}

// Requests returns the settled-change output channel. It closes when
// [Debouncer.Run] returns.
func (db *Debouncer) Requests() <-chan restart.Request {
	return db.out
}

// Run consumes events until the channel closes or ctx is canceled. Event
// arrival and timer expiry are serialized on this goroutine; nothing else
// touches the pending record.
//
//nolint:gocognit // Single select loop, one case per concern.
func (db *Debouncer) Run(ctx context.Context, events <-chan watch.Event) {
	defer close(db.out)

	logger := log.WithContext(ctx)

	quiet := newStoppedTimer()
	defer quiet.Stop()

	force := newStoppedTimer()
	defer force.Stop()

	var (
		pending *pendingChange
		path    string
	)

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Source terminated. The pending record is cleared without
				// emitting; a settled change requires a subscription to
				// confirm the quiet period.
				return
			}

			path = ev.Path

			if pending == nil {
				pending = &pendingChange{first: ev.Time, last: ev.Time, events: 1}
				quiet.Reset(db.quiet)
				force.Reset(db.maxCoalesce)

				logger.DebugContext(ctx, "burst started",
					slog.String("path", path),
					slog.Time("first", ev.Time),
				)

				if db.onPending != nil {
					db.onPending(ev.Time)
				}

				continue
			}

			pending.last = ev.Time
			pending.events++
			resetTimer(quiet, db.quiet)

		case <-quiet.C:
			if pending == nil {
				continue
			}

			drainTimer(force)

			if !db.emit(ctx, logger, path, pending, false) {
				return
			}

			pending = nil

		case <-force.C:
			if pending == nil {
				continue
			}

			drainTimer(quiet)

			logger.WarnContext(ctx, "forced emit, events arriving faster than quiet period",
				slog.String("path", path),
				slog.Int("events", pending.events),
			)

			if !db.emit(ctx, logger, path, pending, true) {
				return
			}

			pending = nil

		case <-ctx.Done():
			return
		}
	}
}

func (db *Debouncer) emit(
	ctx context.Context,
	logger *slog.Logger,
	path string,
	pending *pendingChange,
	forced bool,
) bool {
	req := restart.Request{
		First:  pending.first,
		Last:   pending.last,
		Path:   path,
		Events: pending.events,
		Forced: forced,
	}

	logger.InfoContext(ctx, "change settled",
		slog.String("path", path),
		slog.Int("events", req.Events),
		slog.Bool("forced", forced),
	)

	if db.onSettle != nil {
		db.onSettle(req)
	}

	select {
	case db.out <- req:
		return true
	case <-ctx.Done():
		return false
	}
}

// newStoppedTimer returns a timer that is guaranteed not to fire until the
// first Reset.
func newStoppedTimer() *time.Timer {
	t := time.NewTimer(time.Hour)
	if !t.Stop() {
		<-t.C
	}

	return t
}

// resetTimer re-arms a timer that may have fired without being drained.
func resetTimer(t *time.Timer, d time.Duration) {
	drainTimer(t)
	t.Reset(d)
}

func drainTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
