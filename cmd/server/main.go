package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"stake-arena/server/internal/app"
	"stake-arena/server/internal/config"
)

func main() {
	settings, err := config.Load()
	if err != nil {
		config.Exitf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx, app.Config{Server: settings}); err != nil {
		config.Exitf("%v", err)
	}
}
