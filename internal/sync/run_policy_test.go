package sync

import (
	"testing"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/orionX123/billing/internal/db"
)

func TestFailureBackoffDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{failures: 0, want: 0},
		{failures: 1, want: time.Minute},
		{failures: 2, want: 2 * time.Minute},
		{failures: 4, want: 8 * time.Minute},
		{failures: 12, want: time.Hour},
	}
	for _, tt := range tests {
		if got := failureBackoffDelay(time.Minute, tt.failures, time.Hour); got != tt.want {
			t.Fatalf("failureBackoffDelay(%d) = %s, want %s", tt.failures, got, tt.want)
		}
	}
}

func TestRunPolicyDue(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 20, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(d)
		return &v
	}
	hourly, err := cron.ParseStandard("@hourly")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	everyMinute, err := cron.ParseStandard("@every 1m")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	policy := RunPolicy{
		FailureBackoffBase: time.Minute,
		FailureBackoffMax:  time.Hour,
		Now:                func() time.Time { return now },
	}

	tests := []struct {
		name   string
		sched  cron.Schedule
		conn   db.TenantConnector
		streak db.FailureStreak
		want   bool
	}{
		{
			name:  "never synced and created long ago",
			sched: hourly,
			conn:  db.TenantConnector{CreatedAt: now.Add(-3 * time.Hour)},
			want:  true,
		},
		{
			name:  "synced within the hour",
			sched: hourly,
			conn:  db.TenantConnector{CreatedAt: now.Add(-48 * time.Hour), LastSync: at(-10 * time.Minute)},
			want:  false,
		},
		{
			name:   "failure backoff not elapsed",
			sched:  everyMinute,
			conn:   db.TenantConnector{CreatedAt: now.Add(-48 * time.Hour), LastSync: at(-time.Hour)},
			streak: db.FailureStreak{Count: 3, LastFailedAt: at(-2 * time.Minute)},
			want:   false,
		},
		{
			name:   "failure backoff elapsed",
			sched:  everyMinute,
			conn:   db.TenantConnector{CreatedAt: now.Add(-48 * time.Hour), LastSync: at(-time.Hour)},
			streak: db.FailureStreak{Count: 3, LastFailedAt: at(-5 * time.Minute)},
			want:   true,
		},
		{
			name:   "failure does not beat the schedule",
			sched:  hourly,
			conn:   db.TenantConnector{CreatedAt: now.Add(-48 * time.Hour), LastSync: at(-3 * time.Hour)},
			streak: db.FailureStreak{Count: 1, LastFailedAt: at(-5 * time.Minute)},
			want:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := policy.Due(tt.sched, tt.conn, tt.streak); got != tt.want {
				t.Fatalf("Due = %v, want %v (next %s)", got, tt.want, policy.NextRun(tt.sched, tt.conn, tt.streak))
			}
		})
	}
}
