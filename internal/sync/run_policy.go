package sync

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orionX123/billing/internal/db"
)

// RunPolicy decides when a schedulable connector is next due.
type RunPolicy struct {
	FailureBackoffBase time.Duration
	FailureBackoffMax  time.Duration
	Now                func() time.Time
}

func (p RunPolicy) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// NextRun returns the earliest instant conn may be synced again. The cron
// schedule is anchored on the latest of creation, last success, and last
// failure; a failure streak pushes the result out by an exponential backoff.
func (p RunPolicy) NextRun(sched cron.Schedule, conn db.TenantConnector, streak db.FailureStreak) time.Time {
	anchor := conn.CreatedAt
	if conn.LastSync != nil && conn.LastSync.After(anchor) {
		anchor = *conn.LastSync
	}
	if streak.LastFailedAt != nil && streak.LastFailedAt.After(anchor) {
		anchor = *streak.LastFailedAt
	}
	next := sched.Next(anchor)

	if streak.Count > 0 && streak.LastFailedAt != nil {
		retry := streak.LastFailedAt.Add(failureBackoffDelay(p.FailureBackoffBase, int(streak.Count), p.FailureBackoffMax))
		if retry.After(next) {
			next = retry
		}
	}
	return next
}

// Due reports whether conn should be triggered now.
func (p RunPolicy) Due(sched cron.Schedule, conn db.TenantConnector, streak db.FailureStreak) bool {
	return !p.NextRun(sched, conn, streak).After(p.now())
}

func failureBackoffDelay(base time.Duration, failures int, max time.Duration) time.Duration {
	if failures <= 0 {
		return 0
	}
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 1; i < failures; i++ {
		if delay > max/2 && max > 0 {
			delay = max
			break
		}
		delay *= 2
	}

	if max > 0 && delay > max {
		return max
	}
	return delay
}
