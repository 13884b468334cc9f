package execs

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var (
	// ErrCommandExecution is returned when command execution fails.
	ErrCommandExecution = errors.New("exec")

	// ErrEmptyCommand is returned when a command is empty.
	ErrEmptyCommand = errors.New("empty command")
)

// Result represents the result of a command execution.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// EnvFromSource represents a source for inheriting environment variables.
type EnvFromSource struct {
	// CallerRef specifies how to inherit environment variables from the daemon process.
	CallerRef *CallerRef `json:"callerRef,omitempty" jsonschema:"title=Caller Reference"`
}

// CallerRef represents a reference to environment variables of the daemon process.
type CallerRef struct {
	compiledPattern *regexp.Regexp

	// Pattern is a regex pattern for matching environment variable names.
	Pattern string `json:"pattern,omitempty" jsonschema:"title=Pattern,format=regex"`
	// Name is the specific environment variable name to inherit.
	Name string `json:"name,omitempty" jsonschema:"title=Name"`
}

// Compile compiles the caller reference pattern into a regex if a pattern is provided.
func (c *CallerRef) Compile() error {
	if c.compiledPattern == nil && c.Pattern != "" {
		pattern, err := regexp.Compile(c.Pattern)
		if err != nil {
			return fmt.Errorf("compile pattern %q: %w", c.Pattern, err)
		}

		c.compiledPattern = pattern
	}

	return nil
}

// EnvVar represents an environment variable definition.
type EnvVar struct {
	// ValueFrom specifies a source for the environment variable value.
	ValueFrom *EnvVarSource `json:"valueFrom,omitempty" jsonschema:"title=Value From"`
	// Name is the environment variable name.
	Name string `json:"name" jsonschema:"title=Name"`
	// Value is the environment variable value.
	Value string `json:"value,omitempty" jsonschema:"title=Value"`
}

// EnvVarSource represents a source for an environment variable value.
type EnvVarSource struct {
	// CallerRef specifies how to get the value from the daemon process environment.
	CallerRef *CallerRef `json:"callerRef,omitempty" jsonschema:"title=Caller Reference"`
}

// essentialVars are always inherited from the base environment. The daemon
// has no TTY, so terminal variables are deliberately absent.
var essentialVars = []string{"PATH", "HOME", "USER"}

// Command manages common command execution properties.
type Command struct {
	baseEnv map[string]string
	// Command is the command to execute.
	Command string `json:"command" jsonschema:"title=Command,pattern=^\\S+$"`
	// Args contains the command line arguments.
	Args []string `json:"args,omitempty" jsonschema:"title=Arguments" yaml:"args,flow,omitempty"`
	// Env contains environment variable definitions.
	Env []EnvVar `json:"env,omitempty" jsonschema:"title=Environment Variables"`
	// EnvFrom contains sources for inheriting environment variables.
	EnvFrom []EnvFromSource `json:"envFrom,omitempty" jsonschema:"title=Environment Variables From"`
}

// NewCommand creates a new [Command].
// It accepts a base environment, which usually will be from [os.Environ].
func NewCommand(baseEnv []string) Command {
	c := Command{
		Env:     []EnvVar{},
		EnvFrom: []EnvFromSource{},
	}
	c.SetBaseEnv(baseEnv)

	return c
}

func (c *Command) SetBaseEnv(baseEnv []string) {
	c.baseEnv = make(map[string]string)
	for _, envVar := range baseEnv {
		if eqIdx := strings.Index(envVar, "="); eqIdx != -1 {
			key := envVar[:eqIdx]
			value := envVar[eqIdx+1:]
			c.baseEnv[key] = value
		}
	}
}

// AddEnvVar adds a single environment variable.
func (c *Command) AddEnvVar(envVar EnvVar) {
	c.Env = append(c.Env, envVar)
}

// AddEnvFrom adds environment variable sources.
func (c *Command) AddEnvFrom(envFrom []EnvFromSource) {
	c.EnvFrom = append(c.EnvFrom, envFrom...)
}

// GetEnv constructs environment variables for command execution.
// Only essential variables, envFrom matches, and explicit env entries are
// present in the result.
func (c *Command) GetEnv() []string {
	envMap := make(map[string]string)

	for key, value := range c.baseEnv {
		if slices.Contains(essentialVars, key) {
			envMap[key] = value
		}
	}

	c.applyEnvFrom(envMap)
	c.applyEnv(envMap)

	env := []string{}
	for key, value := range envMap {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}

	return env
}

// CompilePatterns compiles all regex patterns.
func (c *Command) CompilePatterns() error {
	for i, envVar := range c.Env {
		if envVar.ValueFrom != nil && envVar.ValueFrom.CallerRef != nil {
			err := envVar.ValueFrom.CallerRef.Compile()
			if err != nil {
				return fmt.Errorf("env[%d]: %w", i, err)
			}
		}
	}

	for i, envFromSource := range c.EnvFrom {
		if envFromSource.CallerRef != nil {
			err := envFromSource.CallerRef.Compile()
			if err != nil {
				return fmt.Errorf("envFrom[%d]: %w", i, err)
			}
		}
	}

	return nil
}

func (c *Command) String() string {
	if len(c.Args) == 0 {
		return c.Command
	}

	return fmt.Sprintf("%s %s", c.Command, strings.Join(c.Args, " "))
}

func (c *Command) applyEnvFrom(envMap map[string]string) {
	for _, envFromSource := range c.EnvFrom {
		if envFromSource.CallerRef == nil {
			continue
		}

		pattern := envFromSource.CallerRef.compiledPattern
		if pattern != nil {
			for key, value := range c.baseEnv {
				if pattern.MatchString(key) {
					envMap[key] = value
				}
			}
		}

		nameRef := envFromSource.CallerRef.Name
		if nameRef != "" {
			if value, exists := c.baseEnv[nameRef]; exists {
				envMap[nameRef] = value
			}
		}
	}
}

func (c *Command) applyEnv(envMap map[string]string) {
	for _, envVar := range c.Env {
		if envVar.Name == "" {
			continue
		}

		if envVar.Value != "" {
			envMap[envVar.Name] = envVar.Value

			continue
		}

		if envVar.ValueFrom != nil && envVar.ValueFrom.CallerRef != nil && envVar.ValueFrom.CallerRef.Name != "" {
			if value, exists := envMap[envVar.ValueFrom.CallerRef.Name]; exists {
				envMap[envVar.Name] = value
			}
		}
	}
}
