package sync

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Scheduler calls Runner once at startup and then every Interval until ctx
// ends.
type Scheduler struct {
	Name     string
	Runner   Runner
	Interval time.Duration
	Logger   *slog.Logger
}

func (s *Scheduler) Run(ctx context.Context) {
	if s.Runner == nil || s.Interval <= 0 {
		return
	}
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if s.Name != "" {
		logger = logger.With("loop", s.Name)
	}

	s.pass(ctx, logger)

	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pass(ctx, logger)
		}
	}
}

func (s *Scheduler) pass(ctx context.Context, logger *slog.Logger) {
	err := s.Runner.RunOnce(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ErrNoConnectorsDue), errors.Is(err, ErrSyncAlreadyRunning):
		logger.Debug("pass skipped", "reason", err)
	case ctx.Err() != nil:
	default:
		logger.Error("pass failed", "err", err)
	}
}
