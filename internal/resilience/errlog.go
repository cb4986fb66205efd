package resilience

import (
	"sort"
	"sync"
	"time"
)

const defaultErrorLogCap = 1000

// ErrorRecord is one classified failure kept for aggregate statistics.
type ErrorRecord struct {
	Kind       string            `json:"kind"`
	Message    string            `json:"message"`
	Severity   string            `json:"severity"`
	Time       time.Time         `json:"time"`
	Context    map[string]string `json:"context,omitempty"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
}

// ErrorLog keeps the most recent classified failures in a bounded window,
// oldest evicted on overflow.
type ErrorLog struct {
	mu      sync.Mutex
	records []ErrorRecord
	cap     int

	onAppend func(ErrorRecord)
	now      func() time.Time
}

func NewErrorLog(capacity int) *ErrorLog {
	if capacity <= 0 {
		capacity = defaultErrorLogCap
	}
	return &ErrorLog{cap: capacity, now: time.Now}
}

// OnAppend installs a hook called after each append, outside the lock.
// Used to feed counters; must be set before the log is shared.
func (l *ErrorLog) OnAppend(fn func(ErrorRecord)) {
	l.onAppend = fn
}

func (l *ErrorLog) Append(rec ErrorRecord) {
	if rec.Time.IsZero() {
		rec.Time = l.now()
	}
	l.mu.Lock()
	l.records = append(l.records, rec)
	if len(l.records) > l.cap {
		l.records = l.records[len(l.records)-l.cap:]
	}
	l.mu.Unlock()
	if l.onAppend != nil {
		l.onAppend(rec)
	}
}

// Record classifies err and appends it with the given call context.
func (l *ErrorLog) Record(err error, svc string, retryCount, maxRetries int) ErrorRecord {
	kind, sev := Classify(err)
	rec := ErrorRecord{
		Kind:       kind,
		Message:    err.Error(),
		Severity:   sev.String(),
		Time:       l.now(),
		RetryCount: retryCount,
		MaxRetries: maxRetries,
	}
	if svc != "" {
		rec.Context = map[string]string{"service": svc}
	}
	l.Append(rec)
	return rec
}

func (l *ErrorLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// KindCount pairs an error kind with its occurrence count.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// Stats aggregates the records inside a trailing window.
type Stats struct {
	WindowSeconds int            `json:"window_seconds"`
	Count         int            `json:"count"`
	BySeverity    map[string]int `json:"by_severity"`
	TopKinds      []KindCount    `json:"top_kinds"`
}

// StatsWindow returns count, severity breakdown and the top-5 error kinds
// within the trailing window.
func (l *ErrorLog) StatsWindow(window time.Duration) Stats {
	cutoff := l.now().Add(-window)

	st := Stats{
		WindowSeconds: int(window.Seconds()),
		BySeverity:    map[string]int{},
	}
	kinds := map[string]int{}

	l.mu.Lock()
	for _, rec := range l.records {
		if rec.Time.Before(cutoff) {
			continue
		}
		st.Count++
		st.BySeverity[rec.Severity]++
		kinds[rec.Kind]++
	}
	l.mu.Unlock()

	st.TopKinds = topKinds(kinds, 5)
	return st
}

func topKinds(kinds map[string]int, n int) []KindCount {
	out := make([]KindCount, 0, len(kinds))
	for k, c := range kinds {
		out = append(out, KindCount{Kind: k, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Kind < out[j].Kind
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}
