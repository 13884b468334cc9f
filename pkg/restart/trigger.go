package restart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bouncehq/bounce/pkg/execs"
	"github.com/bouncehq/bounce/pkg/log"
)

var (
	// ErrTargetNotFound is returned when the restart target does not exist.
	// This is a configuration error requiring operator intervention; it is
	// never retried.
	ErrTargetNotFound = errors.New("target not found")

	// ErrRestartFailed is returned when the restart command keeps failing
	// transiently after the retry budget is exhausted.
	ErrRestartFailed = errors.New("restart failed")

	// ErrHookFailed is returned when a pre-restart hook fails, aborting the
	// restart without retry.
	ErrHookFailed = errors.New("pre-restart hook failed")
)

// Defaults for the restart attempt cycle.
const (
	DefaultAttempts       = 3
	DefaultBackoff        = 1 * time.Second
	DefaultAttemptTimeout = 30 * time.Second
)

// Request is one logical instruction to restart the target, produced after a
// burst of change events settles.
type Request struct {
	// First and Last are the timestamps of the first and last change events
	// coalesced into this request.
	First time.Time
	Last  time.Time
	// Path is the watched file that changed.
	Path string
	// Events is the number of coalesced change events.
	Events int
	// Forced marks a request emitted by the maximum-coalescing safety valve
	// rather than a quiet period.
	Forced bool
}

// Merge combines a queued request with a newly settled one.
func Merge(a, b Request) Request {
	return Request{
		First:  a.First,
		Last:   b.Last,
		Path:   a.Path,
		Events: a.Events + b.Events,
		Forced: a.Forced || b.Forced,
	}
}

// Status classifies the result of servicing a [Request].
type Status int

const (
	StatusSuccess Status = iota
	StatusTargetNotFound
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusTargetNotFound:
		return "target-not-found"
	case StatusFailed:
		return "failed"
	}

	return fmt.Sprintf("Status(%d)", int(s))
}

// Outcome is the result of servicing a [Request]. Logged, never persisted.
type Outcome struct {
	Err      error
	Request  Request
	Duration time.Duration
	Attempts int
	Status   Status
}

// Trigger services restart requests for one target.
type Trigger struct {
	tracer         trace.Tracer
	runtime        *Runtime
	hooks          *Hooks
	onStart        func(Request)
	onOutcome      func(Outcome)
	target         string
	attempts       int
	backoffBase    time.Duration
	attemptTimeout time.Duration
	dryRun         bool
}

// TriggerOpt configures a [Trigger].
type TriggerOpt func(*Trigger)

// WithHooks sets the pre and post restart hooks.
func WithHooks(h *Hooks) TriggerOpt {
	return func(t *Trigger) {
		t.hooks = h
	}
}

// WithRetry bounds transient-failure retries: attempts tries with
// exponential backoff starting at base.
func WithRetry(attempts int, base time.Duration) TriggerOpt {
	return func(t *Trigger) {
		t.attempts = attempts
		t.backoffBase = base
	}
}

// WithAttemptTimeout bounds each restart command execution.
func WithAttemptTimeout(d time.Duration) TriggerOpt {
	return func(t *Trigger) {
		t.attemptTimeout = d
	}
}

// WithDryRun logs the restart command instead of executing it.
func WithDryRun(dryRun bool) TriggerOpt {
	return func(t *Trigger) {
		t.dryRun = dryRun
	}
}

// WithObserver registers callbacks for restart start and completion.
func WithObserver(onStart func(Request), onOutcome func(Outcome)) TriggerOpt {
	return func(t *Trigger) {
		t.onStart = onStart
		t.onOutcome = onOutcome
	}
}

// New creates a [Trigger] for the named target using the given runtime.
func New(target string, runtime *Runtime, opts ...TriggerOpt) (*Trigger, error) {
	if target == "" {
		return nil, errors.New("target must not be empty")
	}
	if runtime == nil {
		return nil, errors.New("runtime must not be nil")
	}

	t := &Trigger{
		tracer:         otel.Tracer("restart-trigger"),
		target:         target,
		runtime:        runtime,
		attempts:       DefaultAttempts,
		backoffBase:    DefaultBackoff,
		attemptTimeout: DefaultAttemptTimeout,
	}
	for _, opt := range opts {
		opt(t)
	}

	return t, nil
}

// Target returns the restart target identifier.
func (t *Trigger) Target() string {
	return t.target
}

// Run services requests until reqs closes or ctx is canceled. It always
// accepts from reqs, runs at most one restart at a time, and preserves
// settle order. Requests that settle while a restart is executing coalesce
// into a single queued request.
func (t *Trigger) Run(ctx context.Context, reqs <-chan Request) {
	logger := log.WithContext(ctx).With(slog.String("target", t.target))

	done := make(chan Outcome, 1)

	var (
		queued  *Request
		running bool
	)

	for {
		if !running && queued != nil {
			req := *queued
			queued = nil
			running = true

			go func() {
				done <- t.Restart(ctx, req)
			}()
		}

		select {
		case req, ok := <-reqs:
			if !ok {
				// Drain: the running restart finishes, then any queued
				// request is serviced before shutdown.
				if running {
					t.complete(ctx, <-done)
				}

				if queued != nil {
					t.complete(ctx, t.Restart(ctx, *queued))
				}

				return
			}

			if queued != nil {
				merged := Merge(*queued, req)
				queued = &merged

				logger.InfoContext(ctx, "coalesced backlog into queued restart",
					slog.Int("events", merged.Events),
				)
			} else {
				queued = &req
			}

		case out := <-done:
			running = false
			t.complete(ctx, out)

		case <-ctx.Done():
			if running {
				t.complete(ctx, <-done)
			}

			return
		}
	}
}

// Restart services a single request synchronously. [Trigger.Run] is the
// normal entry point; it guarantees at most one Restart is in flight.
func (t *Trigger) Restart(ctx context.Context, req Request) Outcome {
	ctx, span := t.tracer.Start(ctx, "restart", trace.WithAttributes(
		attribute.String("target", t.target),
		attribute.String("path", req.Path),
		attribute.Int("events", req.Events),
		attribute.Bool("forced", req.Forced),
	))
	defer span.End()

	logger := log.WithContext(ctx).With(
		slog.String("path", req.Path),
		slog.String("target", t.target),
	)

	if t.onStart != nil {
		t.onStart(req)
	}

	start := time.Now()
	out := Outcome{Request: req}

	err := t.runPreHooks(ctx, logger)
	if err != nil {
		out.Status = StatusFailed
		out.Err = fmt.Errorf("%w: %w", ErrHookFailed, err)
		out.Duration = time.Since(start)

		return out
	}

	t.attemptCycle(ctx, logger, &out)

	if out.Status == StatusSuccess {
		t.runPostHooks(ctx, logger)
	}

	out.Duration = time.Since(start)

	return out
}

func (t *Trigger) attemptCycle(ctx context.Context, logger *slog.Logger, out *Outcome) {
	for attempt := 1; attempt <= t.attempts; attempt++ {
		out.Attempts = attempt

		if t.dryRun {
			logger.InfoContext(ctx, "dry run, restart command not executed",
				slog.String("command", t.runtime.String()+" "+t.target),
			)

			out.Status = StatusSuccess

			return
		}

		logger.InfoContext(ctx, "restart attempt", slog.Int("attempt", attempt))

		e := execs.NewExecutor(t.runtime.Command,
			execs.WithExtraArgs(t.target),
			execs.WithTimeout(t.attemptTimeout),
		)

		result, err := e.Exec(ctx, "")
		if err == nil {
			out.Status = StatusSuccess

			return
		}

		if result != nil && t.runtime.IsNotFound(result.Stderr) {
			out.Status = StatusTargetNotFound
			out.Err = fmt.Errorf("%w: %s", ErrTargetNotFound, t.target)

			return
		}

		if ctx.Err() != nil {
			out.Status = StatusFailed
			out.Err = fmt.Errorf("restart canceled: %w", ctx.Err())

			return
		}

		if attempt == t.attempts {
			out.Status = StatusFailed
			out.Err = fmt.Errorf("%w: %d attempts: %w", ErrRestartFailed, t.attempts, err)

			return
		}

		delay := t.backoffBase << (attempt - 1)
		logger.WarnContext(ctx, "restart attempt failed",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.Any("error", err),
		)

		err = wait(ctx, delay)
		if err != nil {
			out.Status = StatusFailed
			out.Err = fmt.Errorf("restart canceled: %w", err)

			return
		}
	}
}

func (t *Trigger) runPreHooks(ctx context.Context, logger *slog.Logger) error {
	if t.hooks == nil {
		return nil
	}

	for _, hook := range t.hooks.PreRestart {
		result, err := hook.Exec(ctx, t.attemptTimeout)
		if err != nil {
			if result != nil {
				return fmt.Errorf("%q: %w\n%s", hook.String(), err, result.Stderr)
			}

			return fmt.Errorf("%q: %w", hook.String(), err)
		}

		logger.DebugContext(ctx, "pre-restart hook succeeded",
			slog.String("command", hook.String()),
		)
	}

	return nil
}

func (t *Trigger) runPostHooks(ctx context.Context, logger *slog.Logger) {
	if t.hooks == nil {
		return
	}

	for _, hook := range t.hooks.PostRestart {
		_, err := hook.Exec(ctx, t.attemptTimeout)
		if err != nil {
			// A failing post-restart hook does not change the outcome.
			logger.ErrorContext(ctx, "post-restart hook failed",
				slog.String("command", hook.String()),
				slog.Any("error", err),
			)

			continue
		}

		logger.DebugContext(ctx, "post-restart hook succeeded",
			slog.String("command", hook.String()),
		)
	}
}

func (t *Trigger) complete(ctx context.Context, out Outcome) {
	logger := log.WithContext(ctx).With(
		slog.String("path", out.Request.Path),
		slog.String("target", t.target),
		slog.String("status", out.Status.String()),
		slog.Int("attempts", out.Attempts),
		slog.Duration("duration", out.Duration),
	)

	switch out.Status {
	case StatusSuccess:
		logger.InfoContext(ctx, "restart complete")

	case StatusTargetNotFound:
		logger.ErrorContext(ctx, "restart target not found, operator intervention required",
			slog.Any("error", out.Err),
		)

	case StatusFailed:
		logger.ErrorContext(ctx, "restart failed, monitoring continues",
			slog.Any("error", out.Err),
		)
	}

	if t.onOutcome != nil {
		t.onOutcome(out)
	}
}

func wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck // Return the original error.
	}
}
