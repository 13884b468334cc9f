package restart_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bouncehq/bounce/pkg/execs"
	"github.com/bouncehq/bounce/pkg/restart"
)

const waitTimeout = 10 * time.Second

// shRuntime builds a runtime that runs script via sh. The appended target
// identifier lands in $0 and is ignored by the scripts.
func shRuntime(t *testing.T, script string) *restart.Runtime {
	t.Helper()

	rt := &restart.Runtime{
		Command: execs.Command{
			Command: "sh",
			Args:    []string{"-c", script},
		},
	}
	require.NoError(t, rt.Build())

	return rt
}

func request(events int) restart.Request {
	now := time.Now()

	return restart.Request{
		First:  now.Add(-time.Second),
		Last:   now,
		Path:   "/etc/app/app.conf",
		Events: events,
	}
}

func TestRestartSucceeds(t *testing.T) {
	t.Parallel()

	tr, err := restart.New("web", shRuntime(t, "exit 0"))
	require.NoError(t, err)

	out := tr.Restart(context.Background(), request(3))
	assert.Equal(t, restart.StatusSuccess, out.Status)
	assert.Equal(t, 1, out.Attempts)
	require.NoError(t, out.Err)
}

func TestRestartTargetNotFoundIsNotRetried(t *testing.T) {
	t.Parallel()

	rt := shRuntime(t, `echo "Error: No such container: web" >&2; exit 1`)
	rt.NotFoundPattern = `(?i)no such container`
	require.NoError(t, rt.Build())

	tr, err := restart.New("web", rt,
		restart.WithRetry(3, time.Millisecond),
	)
	require.NoError(t, err)

	out := tr.Restart(context.Background(), request(1))
	assert.Equal(t, restart.StatusTargetNotFound, out.Status)
	assert.Equal(t, 1, out.Attempts)
	require.ErrorIs(t, out.Err, restart.ErrTargetNotFound)
}

func TestRestartRetriesTransientFailure(t *testing.T) {
	t.Parallel()

	// Fails until the marker file exists, creating it on the first run.
	marker := filepath.Join(t.TempDir(), "ready")
	script := fmt.Sprintf(`if [ -f %[1]q ]; then exit 0; else touch %[1]q; exit 1; fi`, marker)

	tr, err := restart.New("web", shRuntime(t, script),
		restart.WithRetry(3, time.Millisecond),
	)
	require.NoError(t, err)

	out := tr.Restart(context.Background(), request(1))
	assert.Equal(t, restart.StatusSuccess, out.Status)
	assert.Equal(t, 2, out.Attempts)
}

func TestRestartFailsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	tr, err := restart.New("web", shRuntime(t, "exit 1"),
		restart.WithRetry(2, time.Millisecond),
	)
	require.NoError(t, err)

	out := tr.Restart(context.Background(), request(1))
	assert.Equal(t, restart.StatusFailed, out.Status)
	assert.Equal(t, 2, out.Attempts)
	require.ErrorIs(t, out.Err, restart.ErrRestartFailed)
}

func TestRestartDryRunSkipsExecution(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "executed")

	tr, err := restart.New("web", shRuntime(t, fmt.Sprintf("touch %q", marker)),
		restart.WithDryRun(true),
	)
	require.NoError(t, err)

	out := tr.Restart(context.Background(), request(1))
	assert.Equal(t, restart.StatusSuccess, out.Status)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "dry run must not execute the command")
}

func TestRestartPreHookFailureAbortsWithoutRetry(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "executed")

	hooks := restart.MustNewHooks(
		restart.WithPreRestart(
			restart.MustNewHookCommand("sh", restart.WithHookArgs("-c", "echo config invalid >&2; exit 1")),
		),
	)

	tr, err := restart.New("web", shRuntime(t, fmt.Sprintf("touch %q", marker)),
		restart.WithHooks(hooks),
	)
	require.NoError(t, err)

	out := tr.Restart(context.Background(), request(1))
	assert.Equal(t, restart.StatusFailed, out.Status)
	require.ErrorIs(t, out.Err, restart.ErrHookFailed)

	_, statErr := os.Stat(marker)
	assert.True(t, os.IsNotExist(statErr), "restart must not run after a failed pre-hook")
}

func TestRestartPostHookRunsOnSuccess(t *testing.T) {
	t.Parallel()

	marker := filepath.Join(t.TempDir(), "notified")

	hooks := restart.MustNewHooks(
		restart.WithPostRestart(
			restart.MustNewHookCommand("sh", restart.WithHookArgs("-c", fmt.Sprintf("touch %q", marker))),
		),
	)

	tr, err := restart.New("web", shRuntime(t, "exit 0"),
		restart.WithHooks(hooks),
	)
	require.NoError(t, err)

	out := tr.Restart(context.Background(), request(1))
	assert.Equal(t, restart.StatusSuccess, out.Status)

	_, statErr := os.Stat(marker)
	assert.NoError(t, statErr, "post-restart hook did not run")
}

func TestMerge(t *testing.T) {
	t.Parallel()

	base := time.Now()
	a := restart.Request{First: base, Last: base.Add(time.Second), Path: "/etc/a", Events: 2}
	b := restart.Request{First: base.Add(2 * time.Second), Last: base.Add(3 * time.Second), Path: "/etc/a", Events: 3, Forced: true}

	m := restart.Merge(a, b)
	assert.Equal(t, a.First, m.First)
	assert.Equal(t, b.Last, m.Last)
	assert.Equal(t, 5, m.Events)
	assert.True(t, m.Forced)
}

func TestRunServicesRequestsInOrder(t *testing.T) {
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes []restart.Outcome
	)

	tr, err := restart.New("web", shRuntime(t, "exit 0"),
		restart.WithObserver(nil, func(out restart.Outcome) {
			mu.Lock()
			defer mu.Unlock()

			outcomes = append(outcomes, out)
		}),
	)
	require.NoError(t, err)

	reqs := make(chan restart.Request)

	done := make(chan struct{})

	go func() {
		tr.Run(context.Background(), reqs)
		close(done)
	}()

	reqs <- request(1)
	reqs <- request(2)
	close(reqs)

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("trigger did not drain after close")
	}

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, outcomes, 2)
	assert.Equal(t, 1, outcomes[0].Request.Events)
	assert.Equal(t, 2, outcomes[1].Request.Events)
}

func TestRunCoalescesBacklogWhileRestarting(t *testing.T) {
	t.Parallel()

	// The first restart blocks until released, so the following requests
	// must pile up behind it and merge into one.
	release := filepath.Join(t.TempDir(), "release")
	script := fmt.Sprintf(`while [ ! -f %q ]; do sleep 0.01; done`, release)

	var (
		mu       sync.Mutex
		outcomes []restart.Outcome
	)

	tr, err := restart.New("web", shRuntime(t, script),
		restart.WithObserver(nil, func(out restart.Outcome) {
			mu.Lock()
			defer mu.Unlock()

			outcomes = append(outcomes, out)
		}),
	)
	require.NoError(t, err)

	reqs := make(chan restart.Request)

	done := make(chan struct{})

	go func() {
		tr.Run(context.Background(), reqs)
		close(done)
	}()

	reqs <- request(1)

	// These settle while the first restart is still executing.
	reqs <- request(2)
	reqs <- request(3)

	err = os.WriteFile(release, nil, 0o600)
	require.NoError(t, err)

	close(reqs)

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("trigger did not drain after close")
	}

	mu.Lock()
	defer mu.Unlock()

	require.Len(t, outcomes, 2)
	assert.Equal(t, 1, outcomes[0].Request.Events)
	assert.Equal(t, 5, outcomes[1].Request.Events, "backlog requests must coalesce")
}

func TestRunNeverBlocksSender(t *testing.T) {
	t.Parallel()

	release := filepath.Join(t.TempDir(), "release")
	script := fmt.Sprintf(`while [ ! -f %q ]; do sleep 0.01; done`, release)

	tr, err := restart.New("web", shRuntime(t, script))
	require.NoError(t, err)

	reqs := make(chan restart.Request)

	done := make(chan struct{})

	go func() {
		tr.Run(context.Background(), reqs)
		close(done)
	}()

	// All sends complete while the first restart is still running.
	for i := range 10 {
		select {
		case reqs <- request(i + 1):
		case <-time.After(waitTimeout):
			t.Fatal("send blocked while restart in flight")
		}
	}

	err = os.WriteFile(release, nil, 0o600)
	require.NoError(t, err)

	close(reqs)

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("trigger did not drain after close")
	}
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	_, err := restart.New("", shRuntime(t, "exit 0"))
	require.Error(t, err)

	_, err = restart.New("web", nil)
	require.Error(t, err)
}
