package sync

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/orionX123/billing/internal/connectors/registry"
)

const (
	defaultProgressInterval    = 5 * time.Second
	defaultProgressPercentStep = int64(10)
)

type progressKey struct {
	source string
	stage  string
}

type progressMark struct {
	at      time.Time
	percent int64
}

// LogReporter logs adapter progress events. Page-level progress is
// throttled per (source, stage) to one line per interval or percent step;
// errors and completions are always logged.
type LogReporter struct {
	Logger              *slog.Logger
	ProgressInterval    time.Duration
	ProgressPercentStep int64

	mu    sync.Mutex
	marks map[progressKey]progressMark
}

func (r *LogReporter) Report(e registry.Event) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := e.At
	if now.IsZero() {
		now = time.Now()
	}

	attrs := sourceAttrs(e.Source)
	if e.Stage != "" {
		attrs = append(attrs, "stage", e.Stage)
	}
	if e.Current != 0 || e.Total != 0 {
		attrs = append(attrs, "current", e.Current)
		if e.Total != registry.UnknownTotal {
			attrs = append(attrs, "total", e.Total)
		}
	}

	if e.Err != nil {
		msg := e.Message
		if msg == "" {
			msg = strings.TrimSpace(e.Stage + " failed")
		}
		attrs = append(attrs, "err", e.Err)
		logger.Warn(msg, attrs...)
		r.forget(e)
		return
	}

	msg := e.Message
	if msg == "" {
		if !e.Done {
			return
		}
		msg = strings.TrimSpace(e.Stage + " done")
	}
	if e.Done {
		r.forget(e)
		logger.Info(msg, attrs...)
		return
	}
	if r.allow(now, e) {
		logger.Info(msg, attrs...)
	}
}

// sourceAttrs splits "type:connectorID" sources into separate attributes.
func sourceAttrs(source string) []any {
	typ, id, ok := strings.Cut(source, ":")
	if !ok {
		return []any{"source", source}
	}
	return []any{"connector_type", typ, "connector_id", id}
}

func (r *LogReporter) allow(now time.Time, e registry.Event) bool {
	interval := r.ProgressInterval
	if interval <= 0 {
		interval = defaultProgressInterval
	}
	step := r.ProgressPercentStep
	if step <= 0 {
		step = defaultProgressPercentStep
	}

	percent := progressPercent(e.Current, e.Total)
	bucket := percent
	if step > 0 {
		bucket = (percent / step) * step
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marks == nil {
		r.marks = make(map[progressKey]progressMark)
	}
	key := progressKey{source: e.Source, stage: e.Stage}
	last, seen := r.marks[key]

	known := e.Total > 0
	switch {
	case !seen:
	case known && (e.Current <= 0 || e.Current >= e.Total):
	case now.Sub(last.at) >= interval:
	case known && bucket >= last.percent+step:
	default:
		return false
	}
	r.marks[key] = progressMark{at: now, percent: bucket}
	return true
}

func (r *LogReporter) forget(e registry.Event) {
	r.mu.Lock()
	delete(r.marks, progressKey{source: e.Source, stage: e.Stage})
	r.mu.Unlock()
}

func progressPercent(current, total int64) int64 {
	switch {
	case total <= 0 || current <= 0:
		return 0
	case current >= total:
		return 100
	default:
		return (current * 100) / total
	}
}
