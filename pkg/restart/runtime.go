package restart

import (
	"fmt"
	"os"

	"github.com/bouncehq/bounce/pkg/execs"
)

// DefaultNotFoundPattern matches the stderr text the common container and
// service runtimes emit when the restart target does not exist.
const DefaultNotFoundPattern = `(?i)no such (container|object|service|unit)`

// Runtime describes how to restart a target: the restart command, and the
// stderr pattern that distinguishes a missing target from a transient
// failure. The target identifier is appended as the final argument.
type Runtime struct {
	notFound *execs.LazyRegexp

	// Command is the runtime restart command, e.g. `docker restart`.
	Command execs.Command `json:",inline"`
	// NotFoundPattern is a regex matched against the command's stderr to
	// classify a missing target. Defaults to [DefaultNotFoundPattern].
	NotFoundPattern string `json:"notFoundPattern,omitempty" jsonschema:"title=Not Found Pattern,format=regex"`
}

// Build prepares the runtime for execution: base environment, env patterns,
// and the not-found classifier.
func (r *Runtime) Build() error {
	r.Command.SetBaseEnv(os.Environ())

	err := r.Command.CompilePatterns()
	if err != nil {
		return fmt.Errorf("runtime %q: %w", r.Command.Command, err)
	}

	pattern := r.NotFoundPattern
	if pattern == "" {
		pattern = DefaultNotFoundPattern
	}

	r.notFound = execs.NewLazyRegexp(pattern)

	_, err = r.notFound.Get()
	if err != nil {
		return fmt.Errorf("runtime %q: not-found pattern: %w", r.Command.Command, err)
	}

	return nil
}

// IsNotFound reports whether stderr indicates a missing restart target.
func (r *Runtime) IsNotFound(stderr string) bool {
	if r.notFound == nil {
		r.notFound = execs.NewLazyRegexp(DefaultNotFoundPattern)
	}

	re, err := r.notFound.Get()
	if err != nil || re == nil {
		return false
	}

	return re.MatchString(stderr)
}

func (r *Runtime) String() string {
	return r.Command.String()
}

// DefaultRuntimes returns the built-in runtime profiles. The returned
// runtimes are not yet built; call [Runtime.Build] before use.
func DefaultRuntimes() map[string]*Runtime {
	return map[string]*Runtime{
		"docker": {
			Command:         execs.Command{Command: "docker", Args: []string{"restart"}},
			NotFoundPattern: `(?i)no such container`,
		},
		"podman": {
			Command:         execs.Command{Command: "podman", Args: []string{"restart"}},
			NotFoundPattern: `(?i)no such container`,
		},
		"nerdctl": {
			Command:         execs.Command{Command: "nerdctl", Args: []string{"restart"}},
			NotFoundPattern: `(?i)no such container`,
		},
		"systemd": {
			Command:         execs.Command{Command: "systemctl", Args: []string{"restart"}},
			NotFoundPattern: `(?i)(not found|could not be found|not loaded)`,
		},
	}
}
