package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"ex2gcal/internal/config"
	appLog "ex2gcal/internal/log"
)

// rootOptions are flags shared by every subcommand.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	debug      bool

	stdout io.Writer
	stderr io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:               "ex2gcal",
		Short:             "Mirror an Exchange calendar window into Google Calendar",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		SilenceErrors:     true,
		Long: `ex2gcal copies the events of the next few days from an Exchange mailbox
(or a published ICS feed) into a Google calendar. Every copy is tagged with
the source event's id, so later runs update changed events and delete the
ones that disappeared. Events created by hand in the Google calendar are never
touched.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to YAML config file (default "+config.DefaultPath()+" if it exists)")
	pf.StringVar(&opts.envFile, "env-file", ".env", "Path to dotenv file; ignored when missing")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVar(&opts.debug, "debug", false, "Shorthand for --log-level=debug")

	root.AddCommand(newSyncCmd(&syncOptions{rootOptions: opts}))
	root.AddCommand(newAuthCmd(opts))
	root.AddCommand(newVersionCmd(opts))

	return root
}

// loadConfig resolves the config file and applies the shared flags.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		if _, err := os.Stat(config.DefaultPath()); err == nil {
			path = config.DefaultPath()
		} else if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	cfg, err := config.Load(path, o.envFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.debug {
		cfg.LogLevel = string(appLog.LevelDebug)
	}
	return cfg, nil
}

func (o *rootOptions) newLogger(cfg *config.Config) *appLog.Logger {
	level, err := appLog.ParseLevel(cfg.LogLevel)
	logger := appLog.New(o.stderr, level)
	if err != nil {
		logger.Warn("invalid log level, using INFO", "value", cfg.LogLevel)
	}
	return logger
}
