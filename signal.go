// Copyright (c) 2013-2014 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// shutdownSignals are the signals that start a clean shutdown.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

// withShutdownSignal returns a context that is cancelled on the first
// shutdown signal. A second signal while shutting down exits the process
// at once. The returned stop function releases the signal handler.
func withShutdownSignal(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, shutdownSignals...)

	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigs:
			log.Infof("Received signal (%s).  Shutting down...", sig)
			cancel()

		case <-done:
			return
		}

		select {
		case sig := <-sigs:
			log.Criticalf("Received signal (%s) during shutdown, "+
				"exiting now", sig)
			if logRotator != nil {
				logRotator.Close()
			}
			os.Exit(1)

		case <-done:
		}
	}()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			signal.Stop(sigs)
			close(done)
			cancel()
		})
	}

	return ctx, stop
}
