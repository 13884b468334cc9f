package execs_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bouncehq/bounce/pkg/execs"
)

func TestNewCommand(t *testing.T) {
	t.Parallel()

	baseEnv := []string{"PATH=/usr/bin", "HOME=/home/test"}
	cmd := execs.NewCommand(baseEnv)
	assert.NotNil(t, cmd)
	assert.Empty(t, cmd.Env)
	assert.Empty(t, cmd.EnvFrom)
}

func TestCommand_AddEnvVar(t *testing.T) {
	t.Parallel()

	cmd := execs.NewCommand([]string{})
	cmd.AddEnvVar(execs.EnvVar{
		Name:  "TEST_VAR",
		Value: "test_value",
	})

	assert.Len(t, cmd.Env, 1)
	assert.Equal(t, "TEST_VAR", cmd.Env[0].Name)
	assert.Equal(t, "test_value", cmd.Env[0].Value)
}

func TestCommand_AddEnvFrom(t *testing.T) {
	t.Parallel()

	cmd := execs.NewCommand([]string{})
	cmd.AddEnvFrom([]execs.EnvFromSource{
		{CallerRef: &execs.CallerRef{Name: "HOME"}},
	})

	assert.Len(t, cmd.EnvFrom, 1)
	assert.Equal(t, "HOME", cmd.EnvFrom[0].CallerRef.Name)
}

func TestCommand_SetBaseEnv(t *testing.T) {
	t.Parallel()

	cmd := execs.NewCommand([]string{"INITIAL=value"})

	cmd.SetBaseEnv([]string{"NEW_VAR=new_value", "PATH=/usr/bin"})

	result := cmd.GetEnv()

	assert.Contains(t, result, "PATH=/usr/bin")
	assert.NotContains(t, result, "INITIAL=value")
}

func TestCommand_GetEnv(t *testing.T) {
	t.Parallel()

	tcs := map[string]struct {
		setup    func(t *testing.T) execs.Command
		validate func(t *testing.T, result []string)
	}{
		"essential vars only": {
			setup: func(t *testing.T) execs.Command {
				t.Helper()

				return execs.NewCommand([]string{
					"PATH=/usr/bin",
					"HOME=/home/test",
					"TERM=xterm-256color",
					"SECRET_TOKEN=hunter2",
				})
			},
			validate: func(t *testing.T, result []string) {
				t.Helper()
				assert.Contains(t, result, "PATH=/usr/bin")
				assert.Contains(t, result, "HOME=/home/test")
				// No TTY in the daemon, terminal vars are not essential.
				assert.NotContains(t, result, "TERM=xterm-256color")
				assert.NotContains(t, result, "SECRET_TOKEN=hunter2")
			},
		},
		"static env var": {
			setup: func(t *testing.T) execs.Command {
				t.Helper()
				cmd := execs.NewCommand([]string{})
				cmd.AddEnvVar(execs.EnvVar{Name: "STATIC_VAR", Value: "static_value"})

				return cmd
			},
			validate: func(t *testing.T, result []string) {
				t.Helper()
				assert.Contains(t, result, "STATIC_VAR=static_value")
			},
		},
		"envFrom by name": {
			setup: func(t *testing.T) execs.Command {
				t.Helper()
				cmd := execs.NewCommand([]string{"DOCKER_HOST=unix:///run/docker.sock"})
				cmd.AddEnvFrom([]execs.EnvFromSource{
					{CallerRef: &execs.CallerRef{Name: "DOCKER_HOST"}},
				})

				return cmd
			},
			validate: func(t *testing.T, result []string) {
				t.Helper()
				assert.Contains(t, result, "DOCKER_HOST=unix:///run/docker.sock")
			},
		},
		"envFrom by pattern": {
			setup: func(t *testing.T) execs.Command {
				t.Helper()
				cmd := execs.NewCommand([]string{
					"DOCKER_HOST=unix:///run/docker.sock",
					"DOCKER_TLS_VERIFY=1",
					"UNRELATED=x",
				})
				cmd.AddEnvFrom([]execs.EnvFromSource{
					{CallerRef: &execs.CallerRef{Pattern: "^DOCKER_"}},
				})
				require.NoError(t, cmd.CompilePatterns())

				return cmd
			},
			validate: func(t *testing.T, result []string) {
				t.Helper()
				assert.Contains(t, result, "DOCKER_HOST=unix:///run/docker.sock")
				assert.Contains(t, result, "DOCKER_TLS_VERIFY=1")
				assert.NotContains(t, result, "UNRELATED=x")
			},
		},
		"env var from caller reference": {
			setup: func(t *testing.T) execs.Command {
				t.Helper()
				cmd := execs.NewCommand([]string{"HOME=/home/test"})
				cmd.AddEnvVar(execs.EnvVar{
					Name:      "TARGET_HOME",
					ValueFrom: &execs.EnvVarSource{CallerRef: &execs.CallerRef{Name: "HOME"}},
				})

				return cmd
			},
			validate: func(t *testing.T, result []string) {
				t.Helper()
				assert.Contains(t, result, "TARGET_HOME=/home/test")
			},
		},
		"env var from nonexistent caller reference": {
			setup: func(t *testing.T) execs.Command {
				t.Helper()
				cmd := execs.NewCommand([]string{})
				cmd.AddEnvVar(execs.EnvVar{
					Name:      "MISSING",
					ValueFrom: &execs.EnvVarSource{CallerRef: &execs.CallerRef{Name: "NOPE"}},
				})

				return cmd
			},
			validate: func(t *testing.T, result []string) {
				t.Helper()
				for _, envVar := range result {
					assert.NotContains(t, envVar, "MISSING=")
				}
			},
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			cmd := tc.setup(t)
			tc.validate(t, cmd.GetEnv())
		})
	}
}

func TestCommand_CompilePatterns(t *testing.T) {
	t.Parallel()

	cmd := execs.NewCommand([]string{})
	cmd.AddEnvFrom([]execs.EnvFromSource{
		{CallerRef: &execs.CallerRef{Pattern: "["}},
	})

	err := cmd.CompilePatterns()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "envFrom[0]")
}

func TestCommand_String(t *testing.T) {
	t.Parallel()

	cmd := execs.Command{Command: "docker", Args: []string{"restart", "web-proxy"}}
	assert.Equal(t, "docker restart web-proxy", cmd.String())

	bare := execs.Command{Command: "true"}
	assert.Equal(t, "true", bare.String())
}
