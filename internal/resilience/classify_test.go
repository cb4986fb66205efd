package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeNetErr struct{ timeout bool }

func (e *fakeNetErr) Error() string   { return "conn refused" }
func (e *fakeNetErr) Timeout() bool   { return e.timeout }
func (e *fakeNetErr) Temporary() bool { return false }

var _ net.Error = (*fakeNetErr)(nil)

func TestClassify(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantKind string
		wantSev  Severity
	}{
		{"http 503", &HTTPError{StatusCode: 503}, KindHTTP, SeverityHigh},
		{"http 404", &HTTPError{StatusCode: 404}, KindHTTP, SeverityMedium},
		{"http 302", &HTTPError{StatusCode: 302}, KindHTTP, SeverityLow},
		{"wrapped http", fmt.Errorf("fetch: %w", &HTTPError{StatusCode: 500}), KindHTTP, SeverityHigh},
		{"deadline", context.DeadlineExceeded, KindTimeout, SeverityHigh},
		{"net timeout", &fakeNetErr{timeout: true}, KindTimeout, SeverityHigh},
		{"net other", &fakeNetErr{}, KindNetwork, SeverityHigh},
		{"validation", &ValidationError{Err: errors.New("bad lat/lon")}, KindValidation, SeverityMedium},
		{"circuit open", fmt.Errorf("obis: %w", ErrServiceUnavailable), KindServiceUnavailable, SeverityHigh},
		{"unknown", errors.New("??"), KindUnknown, SeverityMedium},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			kind, sev := Classify(tc.err)
			require.Equal(t, tc.wantKind, kind)
			require.Equal(t, tc.wantSev, sev)
		})
	}
}

func TestErrorLogEvictsOldest(t *testing.T) {
	l := NewErrorLog(3)
	for i := 0; i < 5; i++ {
		l.Append(ErrorRecord{Kind: KindUnknown, Message: fmt.Sprintf("e%d", i)})
	}
	require.Equal(t, 3, l.Len())

	st := l.StatsWindow(time.Hour)
	require.Equal(t, 3, st.Count)
}

func TestErrorLogStatsWindow(t *testing.T) {
	l := NewErrorLog(0)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	// Outside the trailing hour.
	l.Append(ErrorRecord{Kind: KindNetwork, Severity: "high", Time: now.Add(-2 * time.Hour)})
	// Inside.
	for i := 0; i < 3; i++ {
		l.Append(ErrorRecord{Kind: KindTimeout, Severity: "high", Time: now.Add(-10 * time.Minute)})
	}
	l.Append(ErrorRecord{Kind: KindValidation, Severity: "medium", Time: now.Add(-1 * time.Minute)})

	st := l.StatsWindow(time.Hour)
	require.Equal(t, 3600, st.WindowSeconds)
	require.Equal(t, 4, st.Count)
	require.Equal(t, map[string]int{"high": 3, "medium": 1}, st.BySeverity)
	require.Equal(t, []KindCount{
		{Kind: KindTimeout, Count: 3},
		{Kind: KindValidation, Count: 1},
	}, st.TopKinds)
}

func TestErrorLogRecordClassifies(t *testing.T) {
	l := NewErrorLog(0)
	rec := l.Record(&HTTPError{StatusCode: 502, Message: "bad gateway"}, "erddap", 1, 3)
	require.Equal(t, KindHTTP, rec.Kind)
	require.Equal(t, "high", rec.Severity)
	require.Equal(t, 1, rec.RetryCount)
	require.Equal(t, 3, rec.MaxRetries)
	require.Equal(t, "erddap", rec.Context["service"])
	require.Equal(t, 1, l.Len())
}

func TestErrorLogOnAppendHook(t *testing.T) {
	l := NewErrorLog(0)
	var seen []string
	l.OnAppend(func(rec ErrorRecord) { seen = append(seen, rec.Kind) })

	l.Record(errors.New("x"), "obis", 0, 0)
	l.Append(ErrorRecord{Kind: KindTimeout})
	require.Equal(t, []string{KindUnknown, KindTimeout}, seen)
}
