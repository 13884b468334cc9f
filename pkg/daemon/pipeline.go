package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bouncehq/bounce/pkg/debounce"
	"github.com/bouncehq/bounce/pkg/log"
	"github.com/bouncehq/bounce/pkg/restart"
	"github.com/bouncehq/bounce/pkg/watch"
)

// PipelineConfig is the immutable configuration for one watch target.
type PipelineConfig struct {
	// Runtime restarts the target. Required.
	Runtime *restart.Runtime
	// Hooks run around each restart attempt cycle. Optional.
	Hooks *restart.Hooks

	// Path is the absolute path of the file to observe.
	Path string
	// Target identifies the service or container to restart.
	Target string
	// Filter is an optional CEL event filter expression.
	Filter string

	// QuietPeriod settles a burst; zero applies the debounce default.
	QuietPeriod time.Duration
	// MaxCoalesce forces an emit under continuous activity; zero derives
	// from the quiet period.
	MaxCoalesce time.Duration
	// SubscribeRetries and SubscribeBackoff bound subscription
	// establishment and recovery; zero applies the watch defaults.
	SubscribeRetries int
	SubscribeBackoff time.Duration
	// RemovalGrace is how long the file may be absent before the pipeline
	// fails; zero applies the watch default.
	RemovalGrace time.Duration
	// RestartAttempts and RestartBackoff bound transient-failure retries;
	// zero applies the restart defaults.
	RestartAttempts int
	RestartBackoff  time.Duration
	// AttemptTimeout bounds each restart command execution; zero applies
	// the restart default.
	AttemptTimeout time.Duration

	// DryRun logs restart commands instead of executing them.
	DryRun bool
}

// Pipeline wires one EventSource through a Debouncer into a RestartTrigger.
// Pipelines are independent; each owns its pending state and its trigger.
type Pipeline struct {
	source    *watch.Source
	debouncer *debounce.Debouncer
	trigger   *restart.Trigger
	onState   func(State)
	path      string
	target    string
	state     State
	mu        sync.Mutex
}

// PipelineOpt configures a [Pipeline].
type PipelineOpt func(*Pipeline)

// WithStateObserver registers a callback invoked on every state transition.
func WithStateObserver(fn func(State)) PipelineOpt {
	return func(p *Pipeline) {
		p.onState = fn
	}
}

// NewPipeline builds a [Pipeline] from its configuration. Configuration
// errors (relative path, empty target, nil runtime) fail fast here; the
// existence of the watched path is established during Run's Starting phase,
// which retries with bounded backoff.
func NewPipeline(cfg PipelineConfig, opts ...PipelineOpt) (*Pipeline, error) {
	p := &Pipeline{
		path:   cfg.Path,
		target: cfg.Target,
		state:  StateStarting,
	}
	for _, opt := range opts {
		opt(p)
	}

	sourceOpts := []watch.SourceOpt{}
	if cfg.Filter != "" {
		sourceOpts = append(sourceOpts, watch.WithFilter(watch.NewFilter(cfg.Filter)))
	}
	if cfg.SubscribeRetries > 0 {
		backoff := cfg.SubscribeBackoff
		if backoff <= 0 {
			backoff = watch.DefaultRetryBackoff
		}

		sourceOpts = append(sourceOpts, watch.WithRetry(cfg.SubscribeRetries, backoff))
	}
	if cfg.RemovalGrace > 0 {
		sourceOpts = append(sourceOpts, watch.WithRemovalGrace(cfg.RemovalGrace))
	}

	source, err := watch.New(cfg.Path, sourceOpts...)
	if err != nil {
		return nil, fmt.Errorf("watch target: %w", err)
	}

	triggerOpts := []restart.TriggerOpt{
		restart.WithHooks(cfg.Hooks),
		restart.WithDryRun(cfg.DryRun),
		restart.WithObserver(
			func(restart.Request) { p.setState(StateRestarting) },
			func(restart.Outcome) { p.setState(StateWatching) },
		),
	}
	if cfg.RestartAttempts > 0 {
		backoff := cfg.RestartBackoff
		if backoff <= 0 {
			backoff = restart.DefaultBackoff
		}

		triggerOpts = append(triggerOpts, restart.WithRetry(cfg.RestartAttempts, backoff))
	}
	if cfg.AttemptTimeout > 0 {
		triggerOpts = append(triggerOpts, restart.WithAttemptTimeout(cfg.AttemptTimeout))
	}

	trigger, err := restart.New(cfg.Target, cfg.Runtime, triggerOpts...)
	if err != nil {
		return nil, fmt.Errorf("restart target: %w", err)
	}

	debounceOpts := []debounce.Opt{
		debounce.WithObserver(
			func(time.Time) { p.setState(StateDebouncing) },
			func(restart.Request) { p.setState(StateWatching) },
		),
	}
	if cfg.QuietPeriod > 0 {
		debounceOpts = append(debounceOpts, debounce.WithQuietPeriod(cfg.QuietPeriod))
	}
	if cfg.MaxCoalesce > 0 {
		debounceOpts = append(debounceOpts, debounce.WithMaxCoalesce(cfg.MaxCoalesce))
	}

	p.source = source
	p.trigger = trigger
	p.debouncer = debounce.New(debounceOpts...)

	return p, nil
}

// Path returns the watched file path.
func (p *Pipeline) Path() string {
	return p.path
}

// Target returns the restart target identifier.
func (p *Pipeline) Target() string {
	return p.target
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

func (p *Pipeline) setState(s State) {
	p.mu.Lock()
	if p.state == s || p.state == StateFailed {
		p.mu.Unlock()

		return
	}

	from := p.state
	p.state = s
	p.mu.Unlock()

	slog.Debug("pipeline state transition",
		slog.String("path", p.path),
		slog.String("from", from.String()),
		slog.String("to", s.String()),
	)

	if p.onState != nil {
		p.onState(s)
	}
}

// Run drives the pipeline until ctx is canceled (returns nil) or the
// subscription terminally fails (returns the terminal error). Restart
// failures never terminate the pipeline.
func (p *Pipeline) Run(ctx context.Context) error {
	p.setState(StateStarting)

	logger := log.WithContext(ctx).With(
		slog.String("path", p.path),
		slog.String("target", p.target),
	)
	logger.InfoContext(ctx, "pipeline starting")

	events, err := p.source.Subscribe(ctx)
	if err != nil {
		p.setState(StateFailed)

		return fmt.Errorf("pipeline %s: %w", p.path, err)
	}

	p.setState(StateWatching)

	var wg sync.WaitGroup

	wg.Add(1)

	go func() {
		defer wg.Done()
		p.trigger.Run(ctx, p.debouncer.Requests())
	}()

	p.debouncer.Run(ctx, events)
	wg.Wait()

	err = p.source.Err()
	if err != nil {
		p.setState(StateFailed)

		return fmt.Errorf("pipeline %s: %w", p.path, err)
	}

	logger.InfoContext(ctx, "pipeline stopped")

	return nil
}
