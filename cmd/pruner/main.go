package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/canopy-network/ledgerx/app/pruner"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app := pruner.Initialize(ctx)

	app.Start(ctx)
}
