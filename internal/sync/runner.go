package sync

import (
	"context"
	"errors"
)

// Runner executes a single scheduling pass.
type Runner interface {
	RunOnce(context.Context) error
}

// ErrSyncAlreadyRunning is returned when a connector already has a pending or
// running non-webhook sync, or when another instance holds the scheduler lock.
var ErrSyncAlreadyRunning = errors.New("sync is already running")

// ErrConnectorInactive is returned when a sync is requested for a disabled
// connector.
var ErrConnectorInactive = errors.New("connector is inactive")

// ErrQueueFull is returned by the in-process dispatcher when its buffer is
// exhausted.
var ErrQueueFull = errors.New("sync queue is full")

// ErrNoConnectorsDue is returned when every schedulable connector is deferred
// by its frequency or failure backoff.
var ErrNoConnectorsDue = errors.New("no connectors are due to sync")
