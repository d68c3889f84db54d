// Package main implements the foreman CLI: the orchestration backbone's
// server process plus operator commands against a running instance.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/c360studio/foreman/commands"
)

// Build information (set via ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := commands.NewRootCmd(fmt.Sprintf("%s (built %s)", Version, BuildTime))
	return root.ExecuteContext(ctx)
}
