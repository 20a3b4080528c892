package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/pondersource/phase4/internal/config"
	"github.com/pondersource/phase4/internal/logging"
)

// globalOptions are the persistent flags shared by every command
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	cmd := &cobra.Command{
		Use:   "phase4",
		Short: "AS4 message service handler",
		Long: `phase4 exchanges ebMS3/AS4 messages with trading partners.

"serve" runs the receiving endpoint, "send" and "ping" push messages to a
partner using the P-Modes of the configuration file.`,
		Version:       Version + " (" + Commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides the config file)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "", "Log format: text or json (overrides the config file)")

	cmd.AddCommand(newServeCmd(opts), newSendCmd(opts), newPingCmd(opts))
	return cmd
}

// load reads the configuration file, or the defaults without one
func (o *globalOptions) load() (*config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.configPath)
}

// logger builds the root logger from the logging section and the flags
func (o *globalOptions) logger(cmd *cobra.Command, cfg *config.Config) *slog.Logger {
	level, format := cfg.Logging.Level, cfg.Logging.Format
	if o.logLevel != "" {
		level = o.logLevel
	}
	if o.logFormat != "" {
		format = o.logFormat
	}
	return logging.New(logging.Config{
		Level:  logging.ParseLevel(level),
		Format: logging.ParseFormat(format),
		Output: cmd.ErrOrStderr(),
	})
}
