//go:build !windows

package main

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShutdownSignal(t *testing.T) {
	ctx, stop := withShutdownSignal(context.Background())
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGTERM))

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("context not cancelled by SIGTERM")
	}
}

func TestShutdownSignalStop(t *testing.T) {
	ctx, stop := withShutdownSignal(context.Background())
	stop()
	stop()

	require.ErrorIs(t, ctx.Err(), context.Canceled)
}
