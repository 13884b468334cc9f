package execs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bouncehq/bounce/pkg/log"
)

// Executor executes a [Command] with optional extra arguments and a
// per-execution timeout.
type Executor struct {
	tracer    trace.Tracer
	cmd       Command
	extraArgs []string
	timeout   time.Duration
}

// ExecutorOpt configures an [Executor].
type ExecutorOpt func(*Executor)

// WithExtraArgs appends arguments after the command's configured arguments.
func WithExtraArgs(args ...string) ExecutorOpt {
	return func(e *Executor) {
		e.extraArgs = append(e.extraArgs, args...)
	}
}

// WithTimeout bounds each execution. Zero means no bound beyond the caller's
// context.
func WithTimeout(d time.Duration) ExecutorOpt {
	return func(e *Executor) {
		e.timeout = d
	}
}

func NewExecutor(cmd Command, opts ...ExecutorOpt) Executor {
	e := Executor{
		tracer: otel.Tracer("executor"),
		cmd:    cmd,
	}
	for _, opt := range opts {
		opt(&e)
	}

	return e
}

func (e Executor) Exec(ctx context.Context, dir string) (*Result, error) {
	return e.ExecWithStdin(ctx, dir, nil)
}

func (e Executor) ExecWithStdin(ctx context.Context, dir string, stdin []byte) (*Result, error) {
	ctx, span := e.tracer.Start(ctx, "exec", trace.WithAttributes(
		attribute.String("command", e.String()),
		attribute.String("path", dir),
	))
	defer span.End()

	if e.cmd.Command == "" {
		return nil, ErrEmptyCommand
	}

	if e.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	logger := log.WithContext(ctx).With(
		slog.String("command", e.String()),
	)

	start := time.Now()

	env := e.cmd.GetEnv()

	allArgs := append([]string{}, e.cmd.Args...)
	allArgs = append(allArgs, e.extraArgs...)

	//nolint:gosec // G204: Subprocess launched with a potential tainted input or cmd arguments.
	cmd := exec.CommandContext(ctx, e.cmd.Command, allArgs...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
	}

	if err != nil {
		logger.DebugContext(ctx, "command failed",
			slog.Duration("duration", time.Since(start)),
			slog.Any("error", err),
		)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, fmt.Errorf("%w: %w", ErrCommandExecution, ctxErr)
		}

		return result, fmt.Errorf("%w: %w", ErrCommandExecution, err)
	}

	logger.DebugContext(ctx, "command executed successfully",
		slog.Duration("duration", time.Since(start)),
	)

	return result, nil
}

func (e Executor) String() string {
	allArgs := append([]string{}, e.cmd.Args...)
	allArgs = append(allArgs, e.extraArgs...)

	if len(allArgs) == 0 {
		return e.cmd.Command
	}

	return fmt.Sprintf("%s %s", e.cmd.Command, strings.Join(allArgs, " "))
}
