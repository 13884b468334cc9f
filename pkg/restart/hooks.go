package restart

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/bouncehq/bounce/pkg/execs"
)

// ErrHookExecution is returned when a hook command fails.
var ErrHookExecution = errors.New("hook execution")

// Hooks are commands run around the restart attempt cycle. A failing
// pre-restart hook aborts the restart without retry (the hook acts as a
// validation gate, e.g. `nginx -t`). Post-restart hook failures are logged
// but do not change the outcome.
type Hooks struct {
	PreRestart  []*HookCommand `json:"preRestart,omitempty"`
	PostRestart []*HookCommand `json:"postRestart,omitempty"`
}

// NewHooks creates a new [Hooks] instance with the given options.
func NewHooks(opts ...HookOpt) (*Hooks, error) {
	h := &Hooks{}
	for _, opt := range opts {
		opt(h)
	}

	err := h.Build()
	if err != nil {
		return nil, fmt.Errorf("build hooks: %w", err)
	}

	return h, nil
}

// MustNewHooks creates a new [Hooks] instance and panics on error.
func MustNewHooks(opts ...HookOpt) *Hooks {
	h, err := NewHooks(opts...)
	if err != nil {
		panic(err)
	}

	return h
}

// HookOpt is a functional option for configuring [Hooks].
type HookOpt func(*Hooks)

// WithPreRestart adds pre-restart hooks.
func WithPreRestart(hooks ...*HookCommand) HookOpt {
	return func(h *Hooks) {
		h.PreRestart = append(h.PreRestart, hooks...)
	}
}

// WithPostRestart adds post-restart hooks.
func WithPostRestart(hooks ...*HookCommand) HookOpt {
	return func(h *Hooks) {
		h.PostRestart = append(h.PostRestart, hooks...)
	}
}

func (h *Hooks) Build() error {
	for _, cmd := range h.PreRestart {
		err := cmd.Build()
		if err != nil {
			return fmt.Errorf("preRestart hook: %w", err)
		}
	}

	for _, cmd := range h.PostRestart {
		err := cmd.Build()
		if err != nil {
			return fmt.Errorf("postRestart hook: %w", err)
		}
	}

	return nil
}

// HookCommand is a single hook command to execute.
type HookCommand struct {
	Command execs.Command `json:",inline"`
}

// NewHookCommand creates a new hook command.
func NewHookCommand(command string, opts ...HookCommandOpt) (*HookCommand, error) {
	hc := &HookCommand{
		Command: execs.Command{
			Command: command,
		},
	}
	for _, opt := range opts {
		opt(hc)
	}

	err := hc.Build()
	if err != nil {
		return nil, fmt.Errorf("hook %q: %w", command, err)
	}

	return hc, nil
}

// MustNewHookCommand creates a new hook command and panics on error.
func MustNewHookCommand(command string, opts ...HookCommandOpt) *HookCommand {
	hc, err := NewHookCommand(command, opts...)
	if err != nil {
		panic(err)
	}

	return hc
}

// HookCommandOpt is a functional option for configuring a [HookCommand].
type HookCommandOpt func(*HookCommand)

// WithHookArgs sets the command arguments for the hook command.
func WithHookArgs(args ...string) HookCommandOpt {
	return func(hc *HookCommand) {
		hc.Command.Args = args
	}
}

// WithHookEnvVar adds a single environment variable to the hook command.
func WithHookEnvVar(envVar execs.EnvVar) HookCommandOpt {
	return func(hc *HookCommand) {
		hc.Command.AddEnvVar(envVar)
	}
}

// WithHookEnvFrom adds envFrom sources to the hook command.
func WithHookEnvFrom(envFrom []execs.EnvFromSource) HookCommandOpt {
	return func(hc *HookCommand) {
		hc.Command.AddEnvFrom(envFrom)
	}
}

func (hc *HookCommand) Build() error {
	hc.Command.SetBaseEnv(os.Environ())

	err := hc.Command.CompilePatterns()
	if err != nil {
		return fmt.Errorf("compile patterns: %w", err)
	}

	return nil
}

// Exec executes the hook command with the given per-execution timeout.
func (hc *HookCommand) Exec(ctx context.Context, timeout time.Duration) (*execs.Result, error) {
	e := execs.NewExecutor(hc.Command, execs.WithTimeout(timeout))

	result, err := e.Exec(ctx, "")
	if err != nil {
		return result, fmt.Errorf("%w: %w", ErrHookExecution, err)
	}

	return result, nil
}

func (hc *HookCommand) String() string {
	return hc.Command.String()
}
