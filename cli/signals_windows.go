//go:build windows

package main

import (
	"context"

	"github.com/hypernetix/fullmoon-go/pkg/lifecycle"
	"github.com/hypernetix/fullmoon-go/pkg/logging"
)

// watchLifecycleSignals waits for ctx; lifecycle changes come through the
// HTTP API only.
func watchLifecycleSignals(ctx context.Context, _ *lifecycle.Monitor, logger logging.Logger) error {
	logger.Debug("Lifecycle signals are not supported on Windows")
	<-ctx.Done()
	return nil
}
