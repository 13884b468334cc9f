// Package configs defines the Configuration kind, which describes the
// watches and runtime profiles for a bounce daemon.
package configs

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/bouncehq/bounce/api"
	"github.com/bouncehq/bounce/api/v1beta1"
	"github.com/bouncehq/bounce/pkg/restart"
	"github.com/bouncehq/bounce/pkg/watch"
	"github.com/bouncehq/bounce/pkg/yaml"
)

//go:generate go run github.com/bouncehq/bounce/internal/schemagen

//go:embed config.yaml
var defaultConfigYAML []byte

//go:embed configs.v1beta1.json
var schemaJSON []byte

var (
	// DefaultValidator validates Configuration documents against the
	// embedded JSON schema.
	DefaultValidator = yaml.MustNewValidator("/configs.v1beta1.json", schemaJSON)

	_ v1beta1.Object = (*Config)(nil)
)

// Config is the v1beta1 Configuration kind.
type Config struct {
	// Defaults applies to any watch that does not set its own value.
	Defaults *Defaults `json:"defaults,omitempty"`

	// Runtimes defines named runtime profiles. The built-in docker,
	// podman, nerdctl, and systemd profiles are always available and
	// can be overridden by an entry of the same name.
	Runtimes map[string]*restart.Runtime `json:"runtimes,omitempty"`

	// Watches lists the path/target pairs the daemon supervises.
	Watches []*Watch `json:"watches,omitempty"`

	v1beta1.TypeMeta `json:",inline"`
}

// Defaults holds watch settings applied when a watch leaves them unset.
type Defaults struct {
	// QuietPeriod is the debounce window applied after the last event.
	QuietPeriod *time.Duration `json:"quietPeriod,omitempty" jsonschema:"title=Quiet Period,type=string"`

	// MaxCoalesce bounds how long a restart can be deferred by a
	// steady stream of events.
	MaxCoalesce *time.Duration `json:"maxCoalesce,omitempty" jsonschema:"title=Max Coalesce,type=string"`

	// AttemptTimeout bounds a single restart command invocation.
	AttemptTimeout *time.Duration `json:"attemptTimeout,omitempty" jsonschema:"title=Attempt Timeout,type=string"`

	// Runtime names the runtime profile used by watches that do not
	// set one.
	Runtime string `json:"runtime,omitempty" jsonschema:"title=Runtime"`
}

// Watch pairs one watched path with one restart target.
type Watch struct {
	// Hooks run around this watch's restarts.
	Hooks *restart.Hooks `json:"hooks,omitempty"`

	// QuietPeriod overrides the default debounce window.
	QuietPeriod *time.Duration `json:"quietPeriod,omitempty" jsonschema:"title=Quiet Period,type=string"`

	// MaxCoalesce overrides the default forced-emit bound.
	MaxCoalesce *time.Duration `json:"maxCoalesce,omitempty" jsonschema:"title=Max Coalesce,type=string"`

	// Path is the absolute path of the watched file.
	Path string `json:"path" jsonschema:"title=Path"`

	// Target is the container or unit passed to the runtime's restart
	// command.
	Target string `json:"target" jsonschema:"title=Target"`

	// Runtime names the runtime profile for this watch.
	Runtime string `json:"runtime,omitempty" jsonschema:"title=Runtime"`

	// Filter is a CEL expression deciding which events count. Events
	// are dropped when it evaluates to false.
	Filter string `json:"filter,omitempty" jsonschema:"title=Filter,example=pathExt(file) == '.conf'"`

	// DryRun logs the restart command instead of executing it.
	DryRun bool `json:"dryRun,omitempty" jsonschema:"title=Dry Run"`
}

// New returns an empty Configuration with its type metadata set.
func New() *Config {
	return &Config{
		TypeMeta: v1beta1.TypeMeta{
			APIVersion: v1beta1.APIVersion,
			Kind:       "Configuration",
		},
	}
}

// NewDefault returns the commented starter Configuration.
func NewDefault() (*Config, error) {
	c := &Config{}

	err := yaml.NewDecoder(bytes.NewReader(defaultConfigYAML)).Decode(c)
	if err != nil {
		return nil, fmt.Errorf("decode default config: %w", err)
	}

	c.EnsureDefaults()

	return c, nil
}

// EnsureDefaults fills unset fields and merges the built-in runtime
// profiles into [Config.Runtimes].
func (c *Config) EnsureDefaults() {
	if c.APIVersion == "" {
		c.APIVersion = v1beta1.APIVersion
	}

	if c.Kind == "" {
		c.Kind = "Configuration"
	}

	if c.Defaults == nil {
		c.Defaults = &Defaults{}
	}

	c.Defaults.EnsureDefaults()

	if c.Runtimes == nil {
		c.Runtimes = map[string]*restart.Runtime{}
	}

	for name, rt := range restart.DefaultRuntimes() {
		if _, ok := c.Runtimes[name]; !ok {
			c.Runtimes[name] = rt
		}
	}
}

// EnsureDefaults fills unset defaults.
func (d *Defaults) EnsureDefaults() {
	if d.QuietPeriod == nil {
		qp := 2 * time.Second
		d.QuietPeriod = &qp
	}

	if d.MaxCoalesce == nil {
		mc := 5 * *d.QuietPeriod
		d.MaxCoalesce = &mc
	}

	if d.AttemptTimeout == nil {
		at := 30 * time.Second
		d.AttemptTimeout = &at
	}

	if d.Runtime == "" {
		d.Runtime = "docker"
	}
}

// Validate checks the Configuration beyond what the JSON schema can
// express: runtime commands build, runtime references resolve, watch
// paths are absolute, and filters compile.
func (c *Config) Validate() error {
	var errs []error

	for name, rt := range c.Runtimes {
		if rt == nil {
			errs = append(errs, fmt.Errorf("runtime %q: empty definition", name))

			continue
		}

		if err := rt.Build(); err != nil {
			errs = append(errs, fmt.Errorf("runtime %q: %w", name, err))
		}
	}

	for i, w := range c.Watches {
		if w == nil {
			errs = append(errs, fmt.Errorf("watch %d: empty definition", i))

			continue
		}

		errs = append(errs, w.validate(i, c)...)
	}

	return errors.Join(errs...)
}

func (w *Watch) validate(i int, c *Config) []error {
	var errs []error

	if w.Path == "" {
		errs = append(errs, fmt.Errorf("watch %d: path is required", i))
	} else if !filepath.IsAbs(w.Path) {
		errs = append(errs, fmt.Errorf("watch %d: path %q must be absolute", i, w.Path))
	}

	if w.Target == "" {
		errs = append(errs, fmt.Errorf("watch %d: target is required", i))
	}

	if name := w.RuntimeName(c); name != "" {
		if _, ok := c.Runtimes[name]; !ok {
			errs = append(errs, fmt.Errorf("watch %d: unknown runtime %q", i, name))
		}
	}

	if w.Filter != "" {
		if _, err := watch.NewFilter(w.Filter).Get(); err != nil {
			errs = append(errs, fmt.Errorf("watch %d: filter: %w", i, err))
		}
	}

	if w.Hooks != nil {
		if err := w.Hooks.Build(); err != nil {
			errs = append(errs, fmt.Errorf("watch %d: hooks: %w", i, err))
		}
	}

	return errs
}

// RuntimeName resolves the runtime profile name for this watch,
// falling back to the configured default.
func (w *Watch) RuntimeName(c *Config) string {
	if w.Runtime != "" {
		return w.Runtime
	}

	if c.Defaults != nil {
		return c.Defaults.Runtime
	}

	return ""
}

// QuietFor resolves the effective quiet period for this watch.
func (w *Watch) QuietFor(c *Config) time.Duration {
	if w.QuietPeriod != nil {
		return *w.QuietPeriod
	}

	if c.Defaults != nil && c.Defaults.QuietPeriod != nil {
		return *c.Defaults.QuietPeriod
	}

	return 2 * time.Second
}

// CoalesceFor resolves the effective forced-emit bound for this watch.
func (w *Watch) CoalesceFor(c *Config) time.Duration {
	if w.MaxCoalesce != nil {
		return *w.MaxCoalesce
	}

	if c.Defaults != nil && c.Defaults.MaxCoalesce != nil {
		return *c.Defaults.MaxCoalesce
	}

	return 5 * w.QuietFor(c)
}

// MarshalYAML renders the Configuration as YAML bytes.
func (c Config) MarshalYAML() ([]byte, error) {
	type alias Config

	b, err := api.MarshalYAML(alias(c))
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	return b, nil
}

// JSONSchemaExtend pins apiVersion and kind to the allowed values.
func (Config) JSONSchemaExtend(jss *jsonschema.Schema) {
	v1beta1.ExtendSchemaWithEnums(jss, v1beta1.ValidAPIVersions, []string{"Configuration"})
}

// GetPath returns the default Configuration path under the user's
// config directory.
func GetPath() string {
	return api.GetConfigPath("config.yaml")
}

// Write writes the starter Configuration to path. With force set, an
// existing file is backed up and replaced.
func Write(path string, force bool) error {
	return api.WriteDefaultFile(path, defaultConfigYAML, force, "config")
}

// Seed writes the starter Configuration to path only when no file exists.
func Seed(path string) error {
	return api.WriteIfNotExists(path, defaultConfigYAML)
}

// Find searches for a project-local configuration file, walking up the
// directory tree from startPath. It returns an empty string when none is
// found.
func Find(startPath string) (string, error) {
	return api.FindConfigFile(startPath, []string{"bounce.yaml", ".bounce.yaml"})
}
