// Package main is the entry point for the rendering-resource broker daemon.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/viznode/rrm/cmd/rrmd/app"
	"github.com/viznode/rrm/pkg/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
