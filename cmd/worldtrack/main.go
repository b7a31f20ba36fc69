// Package main is the entry point for the worldtrack tracker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/banshee-data/worldtrack/cmd/worldtrack/commands"
	"github.com/banshee-data/worldtrack/internal/app"
	"github.com/banshee-data/worldtrack/internal/config"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := commands.New(commands.RunnerFunc(runTracker), app.SetLogWriters)
	cli.SetArgs(args)
	if err := cli.Execute(ctx); err != nil {
		_, _ = os.Stderr.WriteString("Error: " + err.Error() + "\n")
		return 1
	}
	return 0
}

func runTracker(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return a.Run(ctx)
}
