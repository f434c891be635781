package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"flowwatch/internal/command"
	"flowwatch/internal/config"
	"flowwatch/internal/logging"
)

var version = "dev"

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := command.BuildApp(command.Deps{
		LoadConfig: config.LoadConfig,
		Out:        os.Stdout,
		In:         os.Stdin,
	})
	app.Version = version

	if err := app.RunContext(rootCtx, os.Args); err != nil {
		logging.NewLogger(logging.Options{Level: "error", Writer: os.Stderr, Component: "flowwatch"}).Error("flowwatch failed", "err", err)
		stop()
		os.Exit(1)
	}
}
