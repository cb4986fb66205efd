package runner

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tidewatch/internal/connectors"
	"tidewatch/pkg/logx"
)

func testRunner(t *testing.T) *Runner {
	t.Helper()
	return New(logx.Nop(), NewHistory(10), time.Second, nil)
}

func def(name string, timeout time.Duration, argv ...string) connectors.Definition {
	return connectors.Definition{Name: name, Enabled: true, Timeout: timeout, Argv: argv}
}

func TestRunCompleted(t *testing.T) {
	r := testRunner(t)
	rec := r.Run(context.Background(), def("echo", 10*time.Second, "sh", "-c", "echo hello; echo oops >&2"))

	if rec.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed (err=%s)", rec.Status, rec.Error)
	}
	if rec.ReturnCode != 0 {
		t.Fatalf("rc = %d, want 0", rec.ReturnCode)
	}
	if rec.Stdout != "hello" {
		t.Fatalf("stdout = %q, want %q", rec.Stdout, "hello")
	}
	if rec.Stderr != "oops" {
		t.Fatalf("stderr = %q, want %q", rec.Stderr, "oops")
	}
	if !strings.HasPrefix(rec.ID, "echo-") {
		t.Fatalf("id = %q, want name-epoch form", rec.ID)
	}
	if r.History().Len() != 1 {
		t.Fatalf("history len = %d, want 1", r.History().Len())
	}
}

func TestRunFailedOnNonzeroExit(t *testing.T) {
	r := testRunner(t)
	rec := r.Run(context.Background(), def("bad", 10*time.Second, "sh", "-c", "exit 3"))

	if rec.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", rec.Status)
	}
	if rec.ReturnCode != 3 {
		t.Fatalf("rc = %d, want 3", rec.ReturnCode)
	}
}

func TestRunSpawnError(t *testing.T) {
	r := testRunner(t)
	rec := r.Run(context.Background(), def("ghost", time.Second, "/nonexistent/connector-binary"))

	if rec.Status != StatusError {
		t.Fatalf("status = %s, want error", rec.Status)
	}
	if rec.ReturnCode != -1 {
		t.Fatalf("rc = %d, want -1", rec.ReturnCode)
	}
	if rec.Error == "" {
		t.Fatal("expected spawn error message in record")
	}
	if r.Spawns() != 0 {
		t.Fatalf("spawns = %d, want 0", r.Spawns())
	}
	// The failure is still recorded.
	if r.History().Len() != 1 {
		t.Fatalf("history len = %d, want 1", r.History().Len())
	}
}

func TestRunTimeoutKillsProcess(t *testing.T) {
	r := New(logx.Nop(), NewHistory(10), 200*time.Millisecond, nil)

	start := time.Now()
	rec := r.Run(context.Background(), def("sleepy", time.Second, "sleep", "30"))
	elapsed := time.Since(start)

	if rec.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", rec.Status)
	}
	if rec.ReturnCode != -1 {
		t.Fatalf("rc = %d, want -1", rec.ReturnCode)
	}
	if rec.Duration != time.Second {
		t.Fatalf("duration = %s, want the full timeout budget", rec.Duration)
	}
	if elapsed > 5*time.Second {
		t.Fatalf("run took %s, kill did not happen promptly", elapsed)
	}
}

func TestRunRejectsOverlappingSameConnector(t *testing.T) {
	r := testRunner(t)

	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		close(started)
		r.Run(context.Background(), def("slow", 10*time.Second, "sleep", "2"))
	}()

	<-started
	// Give the first run a moment to acquire the slot and spawn.
	deadline := time.Now().Add(time.Second)
	for len(r.ActiveNames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first run never became active")
		}
		time.Sleep(10 * time.Millisecond)
	}
	spawnsBefore := r.Spawns()

	rec := r.Run(context.Background(), def("slow", 10*time.Second, "sleep", "2"))
	if rec.Status != StatusAlreadyRunning {
		t.Fatalf("status = %s, want already_running", rec.Status)
	}
	if r.Spawns() != spawnsBefore {
		t.Fatalf("spawns went %d -> %d; rejection must not spawn a process", spawnsBefore, r.Spawns())
	}

	wg.Wait()
	// Only the owning run lands in history.
	if got := r.History().Len(); got != 1 {
		t.Fatalf("history len = %d, want 1 (rejections are not recorded)", got)
	}
	if len(r.ActiveNames()) != 0 {
		t.Fatalf("active set not cleared: %v", r.ActiveNames())
	}
}

func TestRunDifferentConnectorsMayOverlap(t *testing.T) {
	r := testRunner(t)

	var wg sync.WaitGroup
	results := make([]JobRecord, 2)
	for i, name := range []string{"alpha", "beta"} {
		i, name := i, name
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.Run(context.Background(), def(name, 10*time.Second, "sleep", "1"))
		}()
	}
	wg.Wait()

	for i, rec := range results {
		if rec.Status != StatusCompleted {
			t.Fatalf("run %d status = %s, want completed", i, rec.Status)
		}
	}
}

func TestRunCancelledContextTerminates(t *testing.T) {
	r := New(logx.Nop(), NewHistory(10), 100*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	rec := r.Run(ctx, def("slow", time.Minute, "sleep", "30"))
	if rec.Status != StatusError {
		t.Fatalf("status = %s, want error on shutdown", rec.Status)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("shutdown termination took %s", elapsed)
	}
}

func TestBoundedBufferCapsOutput(t *testing.T) {
	var b boundedBuffer
	chunk := strings.Repeat("x", 5000)
	for i := 0; i < 3; i++ {
		if _, err := b.Write([]byte(chunk)); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if got := len(b.String()); got != maxCaptureBytes {
		t.Fatalf("captured %d bytes, want cap %d", got, maxCaptureBytes)
	}
}
