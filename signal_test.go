package main

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// forcedExits records forceExit calls instead of exiting the test binary.
var forcedExits = make(chan struct{}, 16)

func init() {
	forceExit = func() {
		select {
		case forcedExits <- struct{}{}:
		default:
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func drainForcedExits() {
	for {
		select {
		case <-forcedExits:
		default:
			return
		}
	}
}

func TestInterruptible_FirstSignalCancelsWithCause(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, stop := interruptible(parent, quietLogger())
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "context not canceled within 2 seconds of SIGINT")
	}

	assert.True(t, wasInterrupted(ctx))
	assert.ErrorIs(t, context.Cause(ctx), errInterrupted)
}

func TestInterruptible_SecondSignalForcesExit(t *testing.T) {
	drainForcedExits()

	parent, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctx, stop := interruptible(parent, quietLogger())
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))
	<-ctx.Done()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case <-forcedExits:
	case <-time.After(2 * time.Second):
		require.FailNow(t, "second signal did not force an exit")
	}
}

func TestInterruptible_ParentCancelIsNotInterrupt(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())

	ctx, stop := interruptible(parent, quietLogger())
	defer stop()

	cancel()

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		require.FailNow(t, "context not canceled within 2 seconds of parent cancel")
	}

	assert.False(t, wasInterrupted(ctx))
}

func TestInterruptible_StopCancelsQuietly(t *testing.T) {
	ctx, stop := interruptible(context.Background(), quietLogger())

	stop()
	stop()

	<-ctx.Done()
	assert.False(t, wasInterrupted(ctx))
}

func TestResumeHint(t *testing.T) {
	ctx, cancel := context.WithCancelCause(context.Background())

	var buf bytes.Buffer

	writeResumeHint(ctx, &buf, false)
	assert.Empty(t, buf.String())

	cancel(errInterrupted)
	writeResumeHint(ctx, &buf, true)
	assert.Empty(t, buf.String(), "quiet")

	writeResumeHint(ctx, &buf, false)
	assert.Contains(t, buf.String(), "Run the same command again")
}
