package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitInterrupted is the status of a second interrupt, which leaves without
// waiting for in-flight sessions to abort.
const exitInterrupted = 130

// errInterrupted is the cancel cause of a command stopped by SIGINT or
// SIGTERM. The sessions it aborts keep their ledger records.
var errInterrupted = errors.New("interrupted")

// forceExit is replaced in tests.
var forceExit = func() { os.Exit(exitInterrupted) }

// interruptible derives the context an upload command runs under. The first
// interrupt cancels it with errInterrupted; the second calls forceExit. stop
// releases the handler once the command is done.
func interruptible(parent context.Context, logger *slog.Logger) (ctx context.Context, stop func()) {
	ctx, cancel := context.WithCancelCause(parent)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	released := make(chan struct{})

	go func() {
		defer signal.Stop(sigCh)

		interrupts := 0

		for {
			select {
			case sig := <-sigCh:
				interrupts++
				if interrupts > 1 {
					logger.Warn("second interrupt, exiting without waiting for uploads",
						slog.String("signal", sig.String()),
					)
					forceExit()

					return
				}

				logger.Info("interrupt received, aborting uploads",
					slog.String("signal", sig.String()),
				)
				cancel(errInterrupted)
			case <-released:
				return
			case <-parent.Done():
				return
			}
		}
	}()

	return ctx, func() {
		select {
		case <-released:
		default:
			close(released)
		}

		cancel(nil)
	}
}

// wasInterrupted reports whether ctx was stopped by a signal.
func wasInterrupted(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), errInterrupted)
}

// resumeHint tells the user that an interrupted command can be rerun to
// continue from the last acknowledged chunk.
func resumeHint(ctx context.Context, cc *CLIContext) {
	writeResumeHint(ctx, os.Stderr, cc.Flags.Quiet)
}

func writeResumeHint(ctx context.Context, w io.Writer, quiet bool) {
	if !quiet && wasInterrupted(ctx) {
		fmt.Fprintln(w, "Interrupted. Run the same command again to continue where the server left off.")
	}
}
