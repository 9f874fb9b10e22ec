package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"deckflow/internal/config"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// isTTY reports whether stdout is a terminal. Color is disabled otherwise.
func isTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// globalFlags are the persistent flags shared by every command.
type globalFlags struct {
	configPath  string
	baseURL     string
	streamURL   string
	token       string
	timeout     string
	logLevel    string
	logFormat   string
	metricsAddr string
	noColor     bool
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}
	v := viper.New()
	v.SetEnvPrefix("DECKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:   "deckflow",
		Short: "Follow presentation generation runs from the terminal",
		Long: `deckflow talks to the presentation backend: it checks status, starts generation,
prints history and follows the live stream of a run until it settles.

Examples:
  deckflow status deck-123
  deckflow watch deck-123
  deckflow watch deck-123 --follow-up "add a pricing slide"
  deckflow history deck-123 --format json
  deckflow mock-server --addr :8080 --scenario demo.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			if flags.noColor || !isTTY() {
				color.NoColor = true
			}
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default ~/.deckflow/config.yaml)")
	pf.StringVar(&flags.baseURL, "base-url", "", "presentation API base URL")
	pf.StringVar(&flags.streamURL, "stream-url", "", "websocket base URL (derived from --base-url when empty)")
	pf.StringVar(&flags.token, "token", "", "bearer token")
	pf.StringVar(&flags.timeout, "timeout", "", "per-request timeout, e.g. 30s")
	pf.StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&flags.logFormat, "log-format", "", "text or json")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	pf.BoolVar(&flags.noColor, "no-color", false, "disable colored output")
	_ = v.BindPFlags(pf)

	rootCmd.AddCommand(
		newStatusCmd(flags, v),
		newStartCmd(flags, v),
		newHistoryCmd(flags, v),
		newWatchCmd(flags, v),
		newMockServerCmd(flags, v),
	)
	return rootCmd
}

// loadConfig layers the changed persistent flags on top of defaults, the
// config file and DECKFLOW_* variables.
func loadConfig(cmd *cobra.Command, flags *globalFlags) (config.RuntimeConfig, config.Metadata, error) {
	overrides, err := overridesFromFlags(cmd.Flags())
	if err != nil {
		return config.RuntimeConfig{}, config.Metadata{}, err
	}
	opts := []config.Option{config.WithOverrides(overrides)}
	if flags.configPath != "" {
		opts = append(opts, config.WithPath(flags.configPath))
	}
	return config.Load(opts...)
}

func overridesFromFlags(fs *pflag.FlagSet) (config.Overrides, error) {
	var overrides config.Overrides
	str := func(name string) *string {
		if !fs.Changed(name) {
			return nil
		}
		value, _ := fs.GetString(name)
		return &value
	}
	overrides.BaseURL = str("base-url")
	overrides.StreamURL = str("stream-url")
	overrides.Token = str("token")
	overrides.LogLevel = str("log-level")
	overrides.LogFormat = str("log-format")
	overrides.MetricsAddr = str("metrics-addr")
	if raw := str("timeout"); raw != nil {
		timeout, err := parseDuration(*raw)
		if err != nil {
			return overrides, fmt.Errorf("--timeout: %w", err)
		}
		overrides.RequestTimeout = &timeout
	}
	return overrides, nil
}
