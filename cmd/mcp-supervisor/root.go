package main

import (
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/dull-quay940/mcp-supervisor/internal/config"
)

// Flags bound through viper; each also reads MCPSUP_<NAME>.
const (
	flagConfig      = "config"
	flagLogLevel    = "log-level"
	flagLogFormat   = "log-format"
	flagMetricsAddr = "metrics-addr"
)

type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("MCPSUP")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	a := &app{v: v, stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "mcp-supervisor",
		Short: "Run and supervise worker agents",
		Long: `mcp-supervisor starts worker programs as child processes or containers,
talks to them over a line-delimited JSON protocol on stdin/stdout, and
enforces admission policy, timeouts and retries.

Examples:
  mcp-supervisor serve --config supervisor.yaml
  mcp-supervisor run convert -p inputPath=/srv/in.pdf -p quality=80
  mcp-supervisor check convert -p inputPath=/etc/shadow
  mcp-supervisor workers`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.String(flagConfig, "", "path to the YAML configuration file")
	flags.String(flagLogLevel, "", "log level (debug|info|warn|error)")
	flags.String(flagLogFormat, "", "log format (text|json)")
	flags.String(flagMetricsAddr, "", "listen address of the /metrics endpoint")
	for _, name := range []string{flagConfig, flagLogLevel, flagLogFormat, flagMetricsAddr} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	root.AddCommand(
		newServeCommand(a),
		newRunCommand(a),
		newCheckCommand(a),
		newWorkersCommand(a),
	)
	return root
}

// loadConfig reads the config file and applies flag overrides on top.
func (a *app) loadConfig() (*config.File, error) {
	cfg, err := config.Load(a.v.GetString(flagConfig))
	if err != nil {
		return nil, err
	}
	if level := strings.TrimSpace(a.v.GetString(flagLogLevel)); level != "" {
		cfg.Observability.Logging.Level = level
	}
	if format := strings.TrimSpace(a.v.GetString(flagLogFormat)); format != "" {
		cfg.Observability.Logging.Format = format
	}
	if addr := strings.TrimSpace(a.v.GetString(flagMetricsAddr)); addr != "" {
		cfg.Observability.Metrics.Addr = addr
	}
	if err := cfg.Observability.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
