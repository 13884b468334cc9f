package restart_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bouncehq/bounce/pkg/restart"
)

func TestDefaultRuntimes(t *testing.T) {
	t.Parallel()

	runtimes := restart.DefaultRuntimes()

	for _, name := range []string{"docker", "podman", "nerdctl", "systemd"} {
		rt, ok := runtimes[name]
		require.True(t, ok, "missing runtime %q", name)
		require.NoError(t, rt.Build())
	}

	assert.Equal(t, "docker restart", runtimes["docker"].String())
	assert.Equal(t, "systemctl restart", runtimes["systemd"].String())
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	tcs := map[string]struct {
		pattern string
		stderr  string
		want    bool
	}{
		"docker missing container": {
			pattern: `(?i)no such container`,
			stderr:  `Error response from daemon: No such container: web-proxy`,
			want:    true,
		},
		"systemd missing unit": {
			pattern: `(?i)(not found|could not be found|not loaded)`,
			stderr:  `Failed to restart app.service: Unit app.service not found.`,
			want:    true,
		},
		"transient daemon error": {
			pattern: `(?i)no such container`,
			stderr:  `Cannot connect to the Docker daemon at unix:///var/run/docker.sock`,
			want:    false,
		},
		"default pattern": {
			stderr: `Error: no such object: web-proxy`,
			want:   true,
		},
		"empty stderr": {
			pattern: `(?i)no such container`,
			stderr:  "",
			want:    false,
		},
	}

	for name, tc := range tcs {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			rt := &restart.Runtime{NotFoundPattern: tc.pattern}
			require.NoError(t, rt.Build())

			assert.Equal(t, tc.want, rt.IsNotFound(tc.stderr))
		})
	}
}

func TestBuildRejectsInvalidPattern(t *testing.T) {
	t.Parallel()

	rt := &restart.Runtime{NotFoundPattern: `([`}
	require.Error(t, rt.Build())
}
