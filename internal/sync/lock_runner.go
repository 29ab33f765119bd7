package sync

import (
	"context"
	"errors"
	"log/slog"
)

const schedulerLockName = "global"

type lockedRunner struct {
	locks  LockManager
	inner  Runner
	logger *slog.Logger
}

// NewLockedRunner serializes inner across instances with the scheduler
// lock. A pass that finds the lock held returns ErrSyncAlreadyRunning.
func NewLockedRunner(locks LockManager, inner Runner, logger *slog.Logger) Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &lockedRunner{locks: locks, inner: inner, logger: logger}
}

func (r *lockedRunner) RunOnce(ctx context.Context) error {
	if r == nil || r.locks == nil || r.inner == nil {
		return errors.New("sync runner is not configured")
	}
	lock, ok, err := r.locks.TryAcquire(ctx, ScopeScheduler, schedulerLockName)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSyncAlreadyRunning
	}
	return runWithManagedLock(ctx, r.logger, lock, r.inner.RunOnce)
}
