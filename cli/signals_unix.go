//go:build !windows

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hypernetix/fullmoon-go/pkg/lifecycle"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
)

// watchLifecycleSignals moves the monitor to the background on SIGUSR1 and
// back to the foreground on SIGUSR2 until ctx is done.
func watchLifecycleSignals(ctx context.Context, m *lifecycle.Monitor, logger logging.Logger) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGUSR1, syscall.SIGUSR2)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			foreground := sig == syscall.SIGUSR2
			logger.Info("Received %s, foreground=%t", sig, foreground)
			m.Set(foreground)
		}
	}
}
