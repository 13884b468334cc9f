package execs_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bouncehq/bounce/pkg/execs"
)

func TestExecutor_Exec(t *testing.T) {
	t.Parallel()

	cmd := execs.NewCommand(os.Environ())
	cmd.Command = "echo"
	cmd.Args = []string{"hello"}

	e := execs.NewExecutor(cmd)

	result, err := e.Exec(t.Context(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "hello\n", result.Stdout)
	assert.Empty(t, result.Stderr)
	assert.Zero(t, result.ExitCode)
}

func TestExecutor_ExecWithExtraArgs(t *testing.T) {
	t.Parallel()

	cmd := execs.NewCommand(os.Environ())
	cmd.Command = "echo"
	cmd.Args = []string{"restart"}

	e := execs.NewExecutor(cmd, execs.WithExtraArgs("web-proxy"))

	result, err := e.Exec(t.Context(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "restart web-proxy\n", result.Stdout)
}

func TestExecutor_ExecFailure(t *testing.T) {
	t.Parallel()

	cmd := execs.NewCommand(os.Environ())
	cmd.Command = "sh"
	cmd.Args = []string{"-c", "echo 'No such container: web-proxy' >&2; exit 1"}

	e := execs.NewExecutor(cmd)

	result, err := e.Exec(t.Context(), t.TempDir())
	require.ErrorIs(t, err, execs.ErrCommandExecution)
	require.NotNil(t, result)
	assert.Contains(t, result.Stderr, "No such container")
	assert.Equal(t, 1, result.ExitCode)
}

func TestExecutor_ExecEmptyCommand(t *testing.T) {
	t.Parallel()

	e := execs.NewExecutor(execs.NewCommand(nil))

	_, err := e.Exec(t.Context(), t.TempDir())
	require.ErrorIs(t, err, execs.ErrEmptyCommand)
}

func TestExecutor_ExecTimeout(t *testing.T) {
	t.Parallel()

	cmd := execs.NewCommand(os.Environ())
	cmd.Command = "sleep"
	cmd.Args = []string{"10"}

	e := execs.NewExecutor(cmd, execs.WithTimeout(50*time.Millisecond))

	start := time.Now()
	_, err := e.Exec(t.Context(), t.TempDir())
	require.ErrorIs(t, err, execs.ErrCommandExecution)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecutor_ExecWithStdin(t *testing.T) {
	t.Parallel()

	cmd := execs.NewCommand(os.Environ())
	cmd.Command = "cat"

	e := execs.NewExecutor(cmd)

	result, err := e.ExecWithStdin(t.Context(), t.TempDir(), []byte("piped"))
	require.NoError(t, err)
	assert.Equal(t, "piped", result.Stdout)
}

func TestExecutor_String(t *testing.T) {
	t.Parallel()

	cmd := execs.NewCommand(nil)
	cmd.Command = "systemctl"
	cmd.Args = []string{"restart"}

	e := execs.NewExecutor(cmd, execs.WithExtraArgs("nginx.service"))
	assert.Equal(t, "systemctl restart nginx.service", e.String())
}

func TestLazyRegexp(t *testing.T) {
	t.Parallel()

	lr := execs.NewLazyRegexp(`(?i)no such (container|unit)`)
	assert.False(t, lr.IsCompiled())

	re, err := lr.Get()
	require.NoError(t, err)
	require.NotNil(t, re)
	assert.True(t, lr.IsCompiled())
	assert.True(t, re.MatchString("Error: No Such Container: web"))

	again, err := lr.Get()
	require.NoError(t, err)
	assert.Same(t, re, again)
}

func TestLazyRegexp_Invalid(t *testing.T) {
	t.Parallel()

	lr := execs.NewLazyRegexp("[")

	_, err := lr.Get()
	require.Error(t, err)
	assert.True(t, lr.IsCompiled())
}

func TestLazyRegexp_Empty(t *testing.T) {
	t.Parallel()

	lr := execs.NewLazyRegexp("")

	re, err := lr.Get()
	require.NoError(t, err)
	assert.Nil(t, re)
}
