package workers

import (
	"context"
	"log/slog"
	"time"
)

// ConfirmationScheduler worker periodically drives the confirmation
// pipeline.
type ConfirmationScheduler struct {
	logger  *slog.Logger
	manager *DepositConfirmationManager

	// How often to run a confirmation pass
	interval time.Duration
}

// NewConfirmationScheduler creates a new confirmation scheduler worker.
func NewConfirmationScheduler(
	logger *slog.Logger,
	manager *DepositConfirmationManager,
	interval time.Duration,
) *ConfirmationScheduler {
	return &ConfirmationScheduler{
		logger:   logger,
		manager:  manager,
		interval: interval,
	}
}

// Start begins the periodic confirmation passes and blocks until the
// context is cancelled.
func (cs *ConfirmationScheduler) Start(ctx context.Context) {
	cs.logger.Info("Starting confirmation scheduler worker",
		"interval", cs.interval.String())

	// Run an initial pass immediately
	if err := cs.manager.StartConfirmationProcess(ctx); err != nil {
		cs.logger.Error("Initial confirmation pass failed", "error", err)
	}

	ticker := time.NewTicker(cs.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cs.logger.Info("Confirmation scheduler worker stopped")
			return
		case <-ticker.C:
			if err := cs.manager.StartConfirmationProcess(ctx); err != nil {
				cs.logger.Error("Confirmation pass failed", "error", err)
			}
		}
	}
}
