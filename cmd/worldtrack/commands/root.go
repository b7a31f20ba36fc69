// Package commands implements the CLI commands for the worldtrack tracker.
package commands

import (
	"context"
	"io"

	"github.com/banshee-data/worldtrack/internal/config"
	"github.com/banshee-data/worldtrack/internal/monitoring"
	"github.com/banshee-data/worldtrack/internal/version"
	"github.com/spf13/cobra"
)

// Runner starts a tracker with the resolved configuration and blocks until
// ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, cfg *config.Config) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cfg *config.Config) error

// Run implements Runner.
func (f RunnerFunc) Run(ctx context.Context, cfg *config.Config) error { return f(ctx, cfg) }

// LogSetup receives the log streams chosen by the persistent flags.
type LogSetup func(monitoring.LogWriters)

// CLI represents the command line interface for worldtrack.
type CLI struct {
	runner  Runner
	logs    LogSetup
	rootCmd *cobra.Command
	logFile io.WriteCloser
}

// New creates a new CLI instance with the given runner. logs may be nil.
func New(r Runner, logs LogSetup) *CLI {
	rootCmd := &cobra.Command{
		Use:           "worldtrack",
		Short:         "Marker-anchored world tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Version,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to a JSON configuration file")
	rootCmd.PersistentFlags().String("log-file", "", "Also write logs to this file (rotated)")
	rootCmd.PersistentFlags().Bool("trace", false, "Enable the trace log stream")

	c := &CLI{
		runner:  r,
		logs:    logs,
		rootCmd: rootCmd,
	}

	rootCmd.PersistentPreRunE = c.setupLogging
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		if c.logFile != nil {
			return c.logFile.Close()
		}
		return nil
	}

	rootCmd.AddCommand(c.newRunCmd())
	rootCmd.AddCommand(c.newMigrateCmd())
	rootCmd.AddCommand(c.newVersionCmd())

	return c
}

func (c *CLI) setupLogging(cmd *cobra.Command, _ []string) error {
	if c.logs == nil {
		return nil
	}
	path, err := cmd.Flags().GetString("log-file")
	if err != nil {
		return err
	}
	trace, err := cmd.Flags().GetBool("trace")
	if err != nil {
		return err
	}
	var file io.Writer
	if path != "" {
		c.logFile = monitoring.NewRotatingWriter(path, 0, 5)
		file = c.logFile
	}
	c.logs(monitoring.Streams(cmd.ErrOrStderr(), file, trace))
	return nil
}

// loadConfig reads the --config file, or returns an empty configuration
// when none was given.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path == "" {
		return config.Empty(), nil
	}
	return config.Load(path)
}

// Execute runs the root command with the given context.
func (c *CLI) Execute(ctx context.Context) error {
	c.rootCmd.SetContext(ctx)
	return c.rootCmd.Execute()
}

// SetArgs sets the arguments for the root command. Used for testing.
func (c *CLI) SetArgs(args []string) {
	c.rootCmd.SetArgs(args)
}

// SetOutput redirects command output. Used for testing.
func (c *CLI) SetOutput(out, errOut io.Writer) {
	c.rootCmd.SetOut(out)
	c.rootCmd.SetErr(errOut)
}
