package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stackr-io/stackr/internal/cli"
)

func main() {
	// An interrupted apply rolls back what it created before exiting.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Execute(ctx)
	stop()
	os.Exit(code)
}
