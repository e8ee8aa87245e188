package main

import (
	"log/slog"
	"os"
)

// handleSignals shuts the server down on the first signal. A second signal
// while a job is still running calls force.
func handleSignals(sig <-chan os.Signal, logger *slog.Logger, shutdown func() error, force func()) {
	<-sig
	logger.Info("Shutting down gracefully... (signal again to force)")
	if err := shutdown(); err != nil {
		logger.Warn("shutdown", "error", err)
	}

	<-sig
	logger.Warn("second signal received, forcing exit")
	force()
}
