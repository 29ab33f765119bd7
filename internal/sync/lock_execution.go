package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var errSyncLockLost = errors.New("sync lock lost")

const lockReleaseTimeout = 5 * time.Second

// runWithManagedLock runs fn while heartbeating lock and releases it after.
// Losing the lock cancels fn's context; the loss is joined into the returned
// error as errSyncLockLost.
func runWithManagedLock(ctx context.Context, logger *slog.Logger, lock Lock, fn func(context.Context) error) error {
	if lock == nil {
		return errors.New("sync lock is nil")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var (
		lostMu sync.Mutex
		lost   error
	)
	stopHeartbeat := lock.StartHeartbeat(runCtx, func(err error) {
		lostMu.Lock()
		if lost == nil {
			lost = err
		}
		lostMu.Unlock()

		logger.Error("sync lock heartbeat failed", "scope_kind", lock.ScopeKind(), "scope_name", lock.ScopeName(), "err", err)
		cancelRun()
	})
	defer stopHeartbeat()

	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()
		if err := lock.Release(unlockCtx); err != nil {
			logger.Warn("failed to release sync lock", "scope_kind", lock.ScopeKind(), "scope_name", lock.ScopeName(), "err", err)
		}
	}()

	runErr := fn(runCtx)

	lostMu.Lock()
	defer lostMu.Unlock()
	if lost != nil {
		return errors.Join(runErr, fmt.Errorf("%w: %w", errSyncLockLost, lost))
	}
	return runErr
}
