package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/mtzanidakis/phalanx/internal/config"
)

var version = "dev"

// rootOptions are the flags every command shares.
type rootOptions struct {
	cfgFile  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "phalanx",
		Short: "Orchestrate autonomous agents for authorized security assessments",
		Long: `phalanx runs scans as trees of tasks. A daemon claims pending tasks and
runs one reasoning agent per task; agents call tools, share discoveries and
delegate sub-tasks to each other until the scan completes.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default $PHALANX_CONFIG or config/phalanx.yaml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	cmd.CompletionOptions.DisableDefaultCmd = true

	cmd.AddCommand(
		newVersionCmd(),
		newServeCmd(opts),
		newToolsCmd(opts),
		newScanCmd(opts),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "phalanx %s\n", version)
		},
	}
}

// load reads the configuration and installs the default logger.
func (o *rootOptions) load(stderr io.Writer) (*config.Config, error) {
	if o.cfgFile != "" {
		if err := os.Setenv("PHALANX_CONFIG", o.cfgFile); err != nil {
			return nil, fmt.Errorf("set config path: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	setupLogging(stderr, cfg.Log.Level)
	return cfg, nil
}

func setupLogging(w io.Writer, level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l})))
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
