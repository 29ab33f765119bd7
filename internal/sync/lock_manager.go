package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/orionX123/billing/internal/connectors/registry"
	"github.com/orionX123/billing/internal/db"
	"github.com/orionX123/billing/internal/metrics"
)

const (
	LockModeLease    = "lease"
	LockModeAdvisory = "advisory"

	// Lock scopes. A connector scope serializes manual and scheduled runs of
	// one connector; the scheduler scope elects one schedule pass cluster-wide.
	ScopeConnector = "connector"
	ScopeScheduler = "scheduler"

	defaultLockTTL               = 60 * time.Second
	defaultLockHeartbeatInterval = 15 * time.Second
	defaultLockHeartbeatTimeout  = 15 * time.Second

	acquirePollStart = 250 * time.Millisecond
	acquirePollMax   = 5 * time.Second
)

var errLockNotConfigured = errors.New("lock manager is not configured")

type LockManagerConfig struct {
	Mode string
	// InstanceID is recorded on lease rows for operators; it defaults to the
	// host name.
	InstanceID        string
	TTL               time.Duration
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

type Lock interface {
	ScopeKind() string
	ScopeName() string
	StartHeartbeat(ctx context.Context, onLost func(error)) (stop func())
	Release(ctx context.Context) error
}

type LockManager interface {
	TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error)
	Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error)
}

// lockBackend grants a lock on an already normalized scope.
type lockBackend interface {
	mode() string
	try(ctx context.Context, s lockScope) (Lock, bool, error)
}

// blockingBackend is implemented by backends that can wait server-side.
type blockingBackend interface {
	wait(ctx context.Context, s lockScope) (Lock, error)
}

type lockScope struct {
	kind string
	name string
}

func newLockScope(kind, name string) (lockScope, error) {
	s := lockScope{
		kind: strings.ToLower(strings.TrimSpace(kind)),
		name: strings.ToLower(strings.TrimSpace(name)),
	}
	switch {
	case s.kind == "":
		return s, errors.New("scope kind is required")
	case s.name == "":
		return s, errors.New("scope name is required")
	}
	return s, nil
}

// manager is the LockManager front shared by both backends: scope
// normalization, metrics, and polling for backends that cannot block.
type manager struct {
	backend lockBackend
}

func NewLockManager(pool *pgxpool.Pool, cfg LockManagerConfig) (LockManager, error) {
	if pool == nil {
		return nil, errors.New("lock pool is nil")
	}
	switch mode := strings.ToLower(strings.TrimSpace(cfg.Mode)); mode {
	case "", LockModeLease:
		return newLeaseLockManager(db.New(pool), cfg), nil
	case LockModeAdvisory:
		return &manager{backend: &advisoryBackend{pool: pool}}, nil
	default:
		return nil, fmt.Errorf("unknown lock mode %q", mode)
	}
}

func (m *manager) TryAcquire(ctx context.Context, scopeKind, scopeName string) (Lock, bool, error) {
	s, err := newLockScope(scopeKind, scopeName)
	if err != nil {
		return nil, false, err
	}
	if m == nil || m.backend == nil {
		return nil, false, errLockNotConfigured
	}
	lock, ok, err := m.backend.try(ctx, s)
	m.observe(s, ok, err)
	return lock, ok, err
}

// Acquire waits until the scope is free or ctx ends.
func (m *manager) Acquire(ctx context.Context, scopeKind, scopeName string) (Lock, error) {
	s, err := newLockScope(scopeKind, scopeName)
	if err != nil {
		return nil, err
	}
	if m == nil || m.backend == nil {
		return nil, errLockNotConfigured
	}
	if b, ok := m.backend.(blockingBackend); ok {
		lock, err := b.wait(ctx, s)
		m.observe(s, err == nil, err)
		return lock, err
	}

	delay := acquirePollStart
	for {
		lock, ok, err := m.backend.try(ctx, s)
		m.observe(s, ok, err)
		if err != nil {
			return nil, err
		}
		if ok {
			return lock, nil
		}
		if err := sleepWithContext(ctx, delay+rand.N(delay/2+1)); err != nil {
			return nil, err
		}
		delay = min(delay*2, acquirePollMax)
	}
}

func (m *manager) observe(s lockScope, ok bool, err error) {
	outcome := "busy"
	switch {
	case err != nil:
		outcome = "error"
	case ok:
		outcome = "acquired"
	}
	metrics.SyncLockAcquisitionsTotal.WithLabelValues(s.kind, m.backend.mode(), outcome).Inc()
}

// leaseQueries is the sync_locks surface of *db.Queries.
type leaseQueries interface {
	TryAcquireSyncLockLease(ctx context.Context, arg db.TryAcquireSyncLockLeaseParams) (pgtype.UUID, error)
	RenewSyncLockLease(ctx context.Context, arg db.RenewSyncLockLeaseParams) (pgtype.UUID, error)
	ReleaseSyncLockLease(ctx context.Context, arg db.ReleaseSyncLockLeaseParams) error
}

// leaseBackend stores expiring leases in sync_locks. A holder that stops
// heartbeating loses the lease after TTL, so a crashed worker never blocks a
// connector for longer than that.
type leaseBackend struct {
	q                leaseQueries
	instanceID       string
	ttlSeconds       int64
	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration
}

func newLeaseLockManager(q leaseQueries, cfg LockManagerConfig) *manager {
	b := &leaseBackend{
		q:                q,
		instanceID:       instanceID(cfg.InstanceID),
		ttlSeconds:       durationSecondsCeil(positiveOr(cfg.TTL, defaultLockTTL)),
		heartbeatEvery:   positiveOr(cfg.HeartbeatInterval, defaultLockHeartbeatInterval),
		heartbeatTimeout: positiveOr(cfg.HeartbeatTimeout, defaultLockHeartbeatTimeout),
	}
	return &manager{backend: b}
}

func (b *leaseBackend) mode() string { return LockModeLease }

func (b *leaseBackend) try(ctx context.Context, s lockScope) (Lock, bool, error) {
	if b.q == nil {
		return nil, false, errLockNotConfigured
	}
	token := pgtype.UUID{Bytes: uuid.New(), Valid: true}
	_, err := b.q.TryAcquireSyncLockLease(ctx, db.TryAcquireSyncLockLeaseParams{
		ScopeKind:        s.kind,
		ScopeName:        s.name,
		HolderInstanceID: b.instanceID,
		HolderToken:      token,
		LeaseSeconds:     b.ttlSeconds,
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &leaseLock{b: b, scope: s, token: token}, true, nil
}

type leaseLock struct {
	b     *leaseBackend
	scope lockScope
	token pgtype.UUID
}

func (l *leaseLock) ScopeKind() string { return l.scope.kind }
func (l *leaseLock) ScopeName() string { return l.scope.name }

// StartHeartbeat renews the lease every heartbeat interval. The first failed
// renewal reports the loss through onLost and ends the heartbeat.
func (l *leaseLock) StartHeartbeat(ctx context.Context, onLost func(error)) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	var once sync.Once
	stop = func() { once.Do(cancel) }

	go func() {
		// Jitter the first beat so locks taken together do not renew together.
		if err := sleepWithContext(hbCtx, rand.N(l.b.heartbeatEvery/3+1)); err != nil {
			return
		}
		ticker := time.NewTicker(l.b.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
			if err := l.renew(hbCtx); err != nil {
				if hbCtx.Err() != nil {
					return
				}
				metrics.SyncLocksLostTotal.WithLabelValues(l.scope.kind).Inc()
				if onLost != nil {
					onLost(err)
				}
				return
			}
		}
	}()
	return stop
}

func (l *leaseLock) renew(ctx context.Context) error {
	queryCtx, cancel := context.WithTimeout(ctx, l.b.heartbeatTimeout)
	defer cancel()
	_, err := l.b.q.RenewSyncLockLease(queryCtx, db.RenewSyncLockLeaseParams{
		LeaseSeconds: l.b.ttlSeconds,
		ScopeKind:    l.scope.kind,
		ScopeName:    l.scope.name,
		HolderToken:  l.token,
	})
	return err
}

func (l *leaseLock) Release(ctx context.Context) error {
	return l.b.q.ReleaseSyncLockLease(ctx, db.ReleaseSyncLockLeaseParams{
		ScopeKind:   l.scope.kind,
		ScopeName:   l.scope.name,
		HolderToken: l.token,
	})
}

// advisoryBackend pins one pooled connection per held lock, since Postgres
// advisory locks belong to the session. It needs no heartbeat: the lock
// disappears with the connection.
type advisoryBackend struct {
	pool *pgxpool.Pool
}

func (b *advisoryBackend) mode() string { return LockModeAdvisory }

func (b *advisoryBackend) try(ctx context.Context, s lockScope) (Lock, bool, error) {
	conn, q, key, err := b.session(ctx, s)
	if err != nil {
		return nil, false, err
	}
	ok, err := q.TryAcquireAdvisoryLock(ctx, key)
	if err != nil || !ok {
		conn.Release()
		return nil, false, err
	}
	return &advisoryLock{conn: conn, q: q, key: key, scope: s}, true, nil
}

func (b *advisoryBackend) wait(ctx context.Context, s lockScope) (Lock, error) {
	conn, q, key, err := b.session(ctx, s)
	if err != nil {
		return nil, err
	}
	if err := q.AcquireAdvisoryLock(ctx, key); err != nil {
		conn.Release()
		return nil, err
	}
	return &advisoryLock{conn: conn, q: q, key: key, scope: s}, nil
}

func (b *advisoryBackend) session(ctx context.Context, s lockScope) (*pgxpool.Conn, *db.Queries, int64, error) {
	if b.pool == nil {
		return nil, nil, 0, errLockNotConfigured
	}
	conn, err := b.pool.Acquire(ctx)
	if err != nil {
		return nil, nil, 0, err
	}
	return conn, db.New(conn), registry.ConnectorLockKey(s.kind, s.name), nil
}

type advisoryLock struct {
	conn  *pgxpool.Conn
	q     *db.Queries
	key   int64
	scope lockScope

	releaseOnce sync.Once
}

func (l *advisoryLock) ScopeKind() string { return l.scope.kind }
func (l *advisoryLock) ScopeName() string { return l.scope.name }

func (l *advisoryLock) StartHeartbeat(context.Context, func(error)) func() { return func() {} }

func (l *advisoryLock) Release(ctx context.Context) error {
	var err error
	l.releaseOnce.Do(func() {
		err = l.q.ReleaseAdvisoryLock(ctx, l.key)
		l.conn.Release()
	})
	return err
}

func instanceID(configured string) string {
	if id := strings.TrimSpace(configured); id != "" {
		return id
	}
	if h := strings.TrimSpace(os.Getenv("HOSTNAME")); h != "" {
		return h
	}
	if h, err := os.Hostname(); err == nil && strings.TrimSpace(h) != "" {
		return strings.TrimSpace(h)
	}
	return "unknown"
}

func positiveOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func durationSecondsCeil(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
