package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fsnotify/fsnotify"
	"github.com/google/cel-go/cel"

	"github.com/bouncehq/bounce/pkg/expr"
	"github.com/bouncehq/bounce/pkg/log"
)

var (
	// ErrPathUnavailable is returned when the watched path does not exist at
	// subscription time, or is removed and not recreated within the grace
	// window.
	ErrPathUnavailable = errors.New("watched path unavailable")

	// ErrSubscriptionLost is returned when the notification channel is lost
	// and cannot be re-established.
	ErrSubscriptionLost = errors.New("subscription lost")
)

// Defaults for subscription establishment and recovery.
const (
	DefaultRetryAttempts = 5
	DefaultRetryBackoff  = 1 * time.Second
	DefaultRemovalGrace  = 30 * time.Second
)

// filterEnv declares the variables available to event filter expressions.
var filterEnv = expr.MustNewEnvironment(
	cel.Variable("file", cel.StringType),
	cel.Variable("fs.event", cel.IntType),
)

// NewFilter creates a lazily compiled event filter program.
// Example: `fs.event.has(fs.WRITE, fs.CREATE, fs.RENAME) && pathExt(file) == ".conf"`.
func NewFilter(expression string) *expr.LazyProgram {
	return expr.NewLazyProgram(expression, filterEnv)
}

// Event is a timestamped notification that the watched path changed.
type Event struct {
	Time time.Time
	Path string
	Op   fsnotify.Op
}

// Source watches exactly one file. Create it with [New], start it with
// [Source.Subscribe]. The event sequence is infinite from the caller's
// perspective; once the channel closes the subscription is finished and
// [Source.Err] reports why.
type Source struct {
	newWatcher   func() (*fsnotify.Watcher, error)
	filter       *expr.LazyProgram
	watcher      *fsnotify.Watcher
	events       chan Event
	err          error
	path         string
	dir          string
	retryBackoff time.Duration
	removalGrace time.Duration
	retries      int
	mu           sync.Mutex
}

// SourceOpt configures a [Source].
type SourceOpt func(*Source)

// WithFilter sets a CEL event filter. A nil program keeps every retained
// event.
func WithFilter(program *expr.LazyProgram) SourceOpt {
	return func(s *Source) {
		s.filter = program
	}
}

// WithRetry bounds subscription establishment and recovery: attempts tries
// with exponential backoff starting at base.
func WithRetry(attempts int, base time.Duration) SourceOpt {
	return func(s *Source) {
		s.retries = attempts
		s.retryBackoff = base
	}
}

// WithRemovalGrace sets how long the watched file may be absent before the
// subscription fails with [ErrPathUnavailable].
func WithRemovalGrace(d time.Duration) SourceOpt {
	return func(s *Source) {
		s.removalGrace = d
	}
}

// WithWatcherFactory overrides how the underlying fsnotify watcher is
// created. Used by tests to inject establishment failures.
func WithWatcherFactory(fn func() (*fsnotify.Watcher, error)) SourceOpt {
	return func(s *Source) {
		s.newWatcher = fn
	}
}

// New creates a [Source] for the file at path. The path must be absolute.
func New(path string, opts ...SourceOpt) (*Source, error) {
	if !filepath.IsAbs(path) {
		return nil, fmt.Errorf("watch path %q: must be absolute", path)
	}

	s := &Source{
		path:         filepath.Clean(path),
		dir:          filepath.Dir(filepath.Clean(path)),
		retries:      DefaultRetryAttempts,
		retryBackoff: DefaultRetryBackoff,
		removalGrace: DefaultRemovalGrace,
		newWatcher:   fsnotify.NewWatcher,
		events:       make(chan Event, 64),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Path returns the watched file path.
func (s *Source) Path() string {
	return s.path
}

// Subscribe establishes the filesystem subscription, retrying with bounded
// backoff, and starts event delivery. The returned channel closes when the
// subscription terminates; [Source.Err] reports the terminal error, or nil
// after a graceful shutdown.
func (s *Source) Subscribe(ctx context.Context) (<-chan Event, error) {
	w, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}

	s.watcher = w

	logger := log.WithContext(ctx).With(slog.String("path", s.path))
	if info, statErr := os.Stat(s.path); statErr == nil {
		logger.InfoContext(ctx, "subscription established",
			//nolint:gosec // G115: file sizes are non-negative.
			slog.String("size", humanize.Bytes(uint64(info.Size()))),
			slog.String("modified", humanize.Time(info.ModTime())),
		)
	} else {
		logger.InfoContext(ctx, "subscription established")
	}

	go s.run(ctx)

	return s.events, nil
}

// Err returns the terminal subscription error. It is valid after the event
// channel has closed; nil means the shutdown was graceful.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

func (s *Source) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.err = err
}

// connect attaches a watcher to the parent directory, retrying with
// exponential backoff until the attempt budget is exhausted.
func (s *Source) connect(ctx context.Context) (*fsnotify.Watcher, error) {
	logger := log.WithContext(ctx).With(slog.String("path", s.path))

	var lastErr error

	for attempt := 1; attempt <= s.retries; attempt++ {
		if attempt > 1 {
			delay := s.retryBackoff << (attempt - 2)
			logger.WarnContext(ctx, "retrying subscription",
				slog.Int("attempt", attempt),
				slog.Duration("backoff", delay),
				slog.Any("error", lastErr),
			)

			err := sleep(ctx, delay)
			if err != nil {
				return nil, fmt.Errorf("subscribe %s: %w", s.path, err)
			}
		}

		w, err := s.attach()
		if err == nil {
			return w, nil
		}

		lastErr = err
	}

	return nil, fmt.Errorf("subscribe %s: %d attempts: %w", s.path, s.retries, lastErr)
}

func (s *Source) attach() (*fsnotify.Watcher, error) {
	_, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPathUnavailable, err)
	}

	w, err := s.newWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	err = w.Add(s.dir)
	if err != nil {
		_ = w.Close()

		return nil, fmt.Errorf("add %q to watcher: %w", s.dir, err)
	}

	return w, nil
}

//nolint:gocognit // Single select loop, one case per concern.
func (s *Source) run(ctx context.Context) {
	defer close(s.events)
	defer s.closeWatcher()

	logger := log.WithContext(ctx).With(slog.String("path", s.path))

	// Armed while the watched file is absent. Expiry terminates the
	// subscription with ErrPathUnavailable.
	var (
		graceTimer *time.Timer
		grace      <-chan time.Time
	)

	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-s.watcher.Events:
			if !ok {
				if !s.resubscribe(ctx, logger) {
					return
				}

				continue
			}

			if evt.Name != s.path {
				continue
			}

			if evt.Op.Has(fsnotify.Remove) || evt.Op.Has(fsnotify.Rename) {
				if grace == nil {
					graceTimer = time.NewTimer(s.removalGrace)
					grace = graceTimer.C

					logger.WarnContext(ctx, "watched file removed",
						slog.Duration("grace", s.removalGrace),
					)
				}

				continue
			}

			if grace != nil {
				graceTimer.Stop()
				graceTimer, grace = nil, nil

				logger.InfoContext(ctx, "watched file recreated")
			}

			// Ignore events that are not related to file content changes.
			if evt.Has(fsnotify.Chmod) {
				continue
			}

			if !s.keep(ctx, evt) {
				continue
			}

			e := Event{Path: s.path, Op: evt.Op, Time: time.Now()}
			logger.DebugContext(ctx, "change event", slog.String("op", evt.Op.String()))

			select {
			case s.events <- e:
			case <-ctx.Done():
				return
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				if !s.resubscribe(ctx, logger) {
					return
				}

				continue
			}

			logger.WarnContext(ctx, "watcher error", slog.Any("error", err))

		case <-grace:
			s.setErr(fmt.Errorf("%w: %s not recreated within %s",
				ErrPathUnavailable, s.path, s.removalGrace))

			return
		}
	}
}

// resubscribe replaces a lost watcher, reusing the bounded backoff policy.
// It reports whether delivery can continue.
func (s *Source) resubscribe(ctx context.Context, logger *slog.Logger) bool {
	logger.WarnContext(ctx, "subscription lost, resubscribing")
	s.closeWatcher()

	w, err := s.connect(ctx)
	if err != nil {
		s.setErr(fmt.Errorf("%w: %w", ErrSubscriptionLost, err))

		return false
	}

	s.watcher = w
	logger.InfoContext(ctx, "subscription re-established")

	return true
}

func (s *Source) keep(ctx context.Context, evt fsnotify.Event) bool {
	if s.filter == nil {
		return true
	}

	program, err := s.filter.Get()
	if err != nil {
		log.WithContext(ctx).WarnContext(ctx, "compile event filter",
			slog.String("path", s.path),
			slog.Any("error", err),
		)

		return true
	}

	out, _, err := program.Eval(map[string]any{
		"file":     s.path,
		"fs.event": int64(evt.Op),
	})
	if err != nil {
		log.WithContext(ctx).WarnContext(ctx, "evaluate event filter",
			slog.String("path", s.path),
			slog.Any("error", err),
		)

		return true
	}

	keep, ok := out.Value().(bool)

	return ok && keep
}

func (s *Source) closeWatcher() {
	if s.watcher == nil {
		return
	}

	err := s.watcher.Close()
	if err != nil {
		slog.Error("close watcher", slog.Any("error", err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // Return the original error.
	}
}
