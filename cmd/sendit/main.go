package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	cmd := newRootCommand()
	err := cmd.ExecuteContext(ctx)
	stop()
	os.Exit(exitCode(err))
}

// exitCode maps a command error to the process exit status. Nothing to do
// exits 1 without printing.
func exitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errNothingToDo):
		return 1
	case errors.Is(err, context.Canceled):
		return 1
	default:
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
}
