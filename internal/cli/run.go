package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"

	"github.com/bouncehq/bounce/api/v1beta1/configs"
	"github.com/bouncehq/bounce/pkg/config"
	"github.com/bouncehq/bounce/pkg/daemon"
	"github.com/bouncehq/bounce/pkg/execs"
	"github.com/bouncehq/bounce/pkg/restart"
	"github.com/bouncehq/bounce/pkg/telemetry"
	"github.com/bouncehq/bounce/pkg/version"
)

const (
	cmdExamples = `  # Watch one file and restart one container:
  bounce /etc/nginx/nginx.conf --target web-proxy

  # Restart a systemd unit instead of a container:
  bounce /etc/prometheus/prometheus.yml --target prometheus.service --runtime systemd

  # Validate before restarting and ignore non-.conf events:
  bounce /etc/nginx/nginx.conf --target web-proxy \
    --filter 'pathExt(file) == ".conf"'

  # Custom restart command (target is appended):
  bounce /etc/haproxy/haproxy.cfg --target lb \
    --restart-command 'docker kill --signal HUP'

  # Run every watch from the configuration file:
  bounce --config /etc/bounce/config.yaml

  # Log the restart commands without executing them:
  bounce /etc/nginx/nginx.conf --target web-proxy --dry-run`

	// flagRuntimeName registers the --restart-command runtime profile.
	flagRuntimeName = "flag"
)

type RunArgs struct {
	*RootArgs

	Path           string
	Target         string
	Runtime        string
	RestartCommand string
	Filter         string
	ConfigPath     string
	QuietPeriod    time.Duration
	MaxCoalesce    time.Duration
	DryRun         bool
	WriteConfig    bool
	ShowConfig     bool
}

func NewRunArgs(rootArgs *RootArgs) *RunArgs {
	return &RunArgs{
		RootArgs: rootArgs,
	}
}

func (ra *RunArgs) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&ra.Target, "target", "t", "", "Container or unit to restart when the watched file settles")
	cmd.Flags().StringVar(&ra.Runtime, "runtime", "", "Runtime profile used to restart the target")
	cmd.Flags().StringVar(&ra.RestartCommand, "restart-command", "",
		"Restart command overriding the runtime profile, the target is appended as the final argument")
	cmd.Flags().StringVar(&ra.Filter, "filter", "", "CEL expression selecting which file events count")
	cmd.Flags().DurationVar(&ra.QuietPeriod, "quiet-period", 0, "Quiet period before a settled change triggers a restart")
	cmd.Flags().DurationVar(&ra.MaxCoalesce, "max-coalesce", 0,
		"Upper bound on how long continuous activity can defer a restart")
	cmd.Flags().BoolVar(&ra.DryRun, "dry-run", false, "Log restart commands instead of executing them")
	cmd.Flags().StringVar(&ra.ConfigPath, "config", "", "Path to the bounce configuration file")
	cmd.Flags().BoolVar(&ra.WriteConfig, "write-config", false, "Write the default configuration file and exit")
	cmd.Flags().BoolVar(&ra.ShowConfig, "show-config", false, "Print the active configuration and exit")

	err := cmd.MarkFlagFilename("config", "yaml", "yml")
	if err != nil {
		panic(fmt.Errorf("mark config flag: %w", err))
	}

	err = cmd.RegisterFlagCompletionFunc("runtime", runtimeCompletion)
	if err != nil {
		panic(fmt.Errorf("register runtime completion: %w", err))
	}
}

func NewRunCmd(ra *RunArgs) *cobra.Command {
	cmd := &cobra.Command{
		Use:               "run [path]",
		Short:             "Default command, watches files and restarts their targets",
		Example:           cmdExamples,
		Args:              cobra.MaximumNArgs(1),
		ValidArgsFunction: runCompletion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				ra.Path = args[0]
			}

			return run(cmd, ra)
		},
	}
	ra.AddFlags(cmd)

	bindEnvVars(cmd)

	return cmd
}

func runCompletion(_ *cobra.Command, args []string, _ string) ([]cobra.Completion, cobra.ShellCompDirective) {
	// First argument: path completion.
	if len(args) == 0 {
		return nil, cobra.ShellCompDirectiveDefault
	}

	return nil, cobra.ShellCompDirectiveNoFileComp
}

func runtimeCompletion(_ *cobra.Command, _ []string, _ string) ([]cobra.Completion, cobra.ShellCompDirective) {
	completions := make([]cobra.Completion, 0, len(restart.DefaultRuntimes()))
	for name, rt := range restart.DefaultRuntimes() {
		completions = append(completions, cobra.CompletionWithDesc(name, rt.String()))
	}

	return completions, cobra.ShellCompDirectiveNoFileComp
}

func run(cmd *cobra.Command, rc *RunArgs) error {
	cfg, err := resolveConfig(cmd, rc)
	if err != nil || cfg == nil {
		return err
	}

	if rc.ShowConfig {
		yamlBytes, err := cfg.MarshalYAML()
		if err != nil {
			return fmt.Errorf("marshal config yaml: %w", err)
		}

		_, err = fmt.Fprint(cmd.OutOrStdout(), string(yamlBytes))
		if err != nil {
			return fmt.Errorf("write config: %w", err)
		}

		return nil
	}

	if len(cfg.Watches) == 0 {
		return fmt.Errorf("no watches configured, pass a path and --target or populate the config file")
	}

	d, err := buildDaemon(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()

	shutdown, err := telemetry.Setup(ctx, version.GetVersion())
	if err != nil {
		slog.Warn("telemetry setup failed", slog.Any("err", err))
	} else {
		defer func() {
			err := shutdown(ctx)
			if err != nil {
				slog.Debug("telemetry shutdown", slog.Any("err", err))
			}
		}()
	}

	return d.Run(ctx) //nolint:wrapcheck // Pipeline errors are already annotated.
}

// resolveConfig produces the effective Configuration from flags or the
// config file. A nil Configuration with a nil error means the command
// already completed (e.g. --write-config).
func resolveConfig(cmd *cobra.Command, rc *RunArgs) (*configs.Config, error) {
	if rc.Path != "" || rc.Target != "" {
		cfg, err := flagConfig(rc)
		if err != nil {
			return nil, err
		}

		return cfg, nil
	}

	configPath := rc.ConfigPath
	if configPath == "" {
		// A project-local bounce.yaml wins over the user-level config.
		found, err := configs.Find(".")
		if err == nil && found != "" {
			configPath = found
		} else {
			configPath = configs.GetPath()

			err := configs.Seed(configPath)
			if err != nil {
				slog.Warn("write default config", slog.Any("err", err))
			}
		}
	}

	if rc.WriteConfig {
		err := configs.Write(configPath, true)
		if err != nil {
			return nil, fmt.Errorf("write config: %w", err)
		}

		_, err = fmt.Fprintln(cmd.OutOrStdout(), configPath)
		if err != nil {
			return nil, fmt.Errorf("write output: %w", err)
		}

		return nil, nil
	}

	cl, err := config.NewLoaderFromFile(configPath, configs.New, configs.DefaultValidator)
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", configPath, err)
	}

	err = cl.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", configPath, err)
	}

	cfg, err := cl.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", configPath, err)
	}

	err = cfg.Validate()
	if err != nil {
		return nil, fmt.Errorf("invalid config %q: %w", configPath, err)
	}

	return cfg, nil
}

// flagConfig builds a single-watch Configuration from command line flags.
func flagConfig(rc *RunArgs) (*configs.Config, error) {
	if rc.Path == "" {
		return nil, fmt.Errorf("--target requires a path argument")
	}

	if rc.Target == "" {
		return nil, fmt.Errorf("path %q requires --target", rc.Path)
	}

	absPath, err := filepath.Abs(rc.Path)
	if err != nil {
		return nil, fmt.Errorf("resolve path: %w", err)
	}

	cfg := configs.New()
	cfg.Watches = []*configs.Watch{{
		Path:    absPath,
		Target:  rc.Target,
		Runtime: rc.Runtime,
		Filter:  rc.Filter,
		DryRun:  rc.DryRun,
	}}

	if rc.QuietPeriod > 0 {
		cfg.Watches[0].QuietPeriod = &rc.QuietPeriod
	}

	if rc.MaxCoalesce > 0 {
		cfg.Watches[0].MaxCoalesce = &rc.MaxCoalesce
	}

	cfg.EnsureDefaults()

	if rc.RestartCommand != "" {
		rt, err := parseRestartCommand(rc.RestartCommand)
		if err != nil {
			return nil, err
		}

		cfg.Runtimes[flagRuntimeName] = rt
		cfg.Watches[0].Runtime = flagRuntimeName
	}

	err = cfg.Validate()
	if err != nil {
		return nil, err //nolint:wrapcheck // Validation errors are already annotated.
	}

	return cfg, nil
}

// parseRestartCommand splits a shell-style restart command into a runtime
// profile. The target identifier is appended at execution time.
func parseRestartCommand(command string) (*restart.Runtime, error) {
	parts, err := shellwords.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse restart command: %w", err)
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("restart command is empty")
	}

	return &restart.Runtime{
		Command: execs.Command{
			Command: parts[0],
			Args:    parts[1:],
		},
	}, nil
}

// buildDaemon assembles one pipeline per watch.
func buildDaemon(cfg *configs.Config) (*daemon.Daemon, error) {
	pipelines := make([]*daemon.Pipeline, 0, len(cfg.Watches))

	for i, w := range cfg.Watches {
		rt, ok := cfg.Runtimes[w.RuntimeName(cfg)]
		if !ok {
			return nil, fmt.Errorf("watch %d: unknown runtime %q", i, w.RuntimeName(cfg))
		}

		pc := daemon.PipelineConfig{
			Runtime:     rt,
			Hooks:       w.Hooks,
			Path:        w.Path,
			Target:      w.Target,
			Filter:      w.Filter,
			QuietPeriod: w.QuietFor(cfg),
			MaxCoalesce: w.CoalesceFor(cfg),
			DryRun:      w.DryRun,
		}
		if cfg.Defaults != nil && cfg.Defaults.AttemptTimeout != nil {
			pc.AttemptTimeout = *cfg.Defaults.AttemptTimeout
		}

		p, err := daemon.NewPipeline(pc)
		if err != nil {
			return nil, fmt.Errorf("watch %d (%s): %w", i, w.Path, err)
		}

		pipelines = append(pipelines, p)
	}

	d, err := daemon.New(pipelines...)
	if err != nil {
		return nil, fmt.Errorf("create daemon: %w", err)
	}

	return d, nil
}
