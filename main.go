// ./main.go
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/khlab/paperpull/cmd"
)

// main is the entry point for the paperpull application. The context
// is cancelled on SIGINT/SIGTERM so every wait in the crawl aborts
// promptly and the browser session is closed cleanly.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd.Execute(ctx)
}
