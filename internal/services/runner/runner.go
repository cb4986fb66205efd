package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"tidewatch/internal/connectors"
	"tidewatch/pkg/logx"
)

// maxCaptureBytes bounds how much of each output stream is retained
// per run so a chatty connector cannot grow records without limit.
const maxCaptureBytes = 8 * 1024

// Runner executes connector commands as child processes and records
// the outcome. At most one run per connector may be active at a time;
// overlapping dispatches are rejected with StatusAlreadyRunning.
type Runner struct {
	log    logx.Logger
	hist   *History
	grace  time.Duration
	obs    Observer
	spawns atomic.Uint64
	mu     sync.Mutex
	active map[string]struct{}
}

// Observer receives run lifecycle events. It exists so the metrics
// layer can count runs without the runner importing it.
type Observer interface {
	JobStarted(connector string)
	JobFinished(connector string, status JobStatus, d time.Duration)
}

type nopObserver struct{}

func (nopObserver) JobStarted(string)                            {}
func (nopObserver) JobFinished(string, JobStatus, time.Duration) {}

func New(log logx.Logger, hist *History, killGrace time.Duration, obs Observer) *Runner {
	if obs == nil {
		obs = nopObserver{}
	}
	if killGrace <= 0 {
		killGrace = 5 * time.Second
	}
	return &Runner{
		log:    log,
		hist:   hist,
		grace:  killGrace,
		obs:    obs,
		active: make(map[string]struct{}),
	}
}

// History exposes the record ring for status queries.
func (r *Runner) History() *History { return r.hist }

// Spawns is the number of child processes started since boot.
func (r *Runner) Spawns() uint64 { return r.spawns.Load() }

// ActiveNames lists connectors with a run currently in flight.
func (r *Runner) ActiveNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.active))
	for name := range r.active {
		names = append(names, name)
	}
	return names
}

func (r *Runner) tryAcquire(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.active[name]; busy {
		return false
	}
	r.active[name] = struct{}{}
	return true
}

func (r *Runner) release(name string) {
	r.mu.Lock()
	delete(r.active, name)
	r.mu.Unlock()
}

// Run executes one connector to completion and returns its record.
// The record is appended to history unless the run was rejected
// because a previous run of the same connector is still active;
// rejections are returned to the caller and logged, nothing more.
// Cancelling ctx terminates the child gracefully, then forcefully.
func (r *Runner) Run(ctx context.Context, def connectors.Definition) JobRecord {
	start := time.Now()
	rec := JobRecord{
		ID:        fmt.Sprintf("%s-%d", def.Name, start.Unix()),
		Connector: def.Name,
		Status:    StatusRunning,
		StartTime: start,
	}

	if !r.tryAcquire(def.Name) {
		rec.Status = StatusAlreadyRunning
		rec.EndTime = start
		r.log.Warn("run rejected, previous run still active",
			logx.String("connector", def.Name))
		return rec
	}
	defer r.release(def.Name)

	r.obs.JobStarted(def.Name)
	r.execute(ctx, def, &rec)
	r.hist.Append(rec)
	r.obs.JobFinished(def.Name, rec.Status, rec.Duration)

	ev := r.log.Info
	if rec.Status != StatusCompleted {
		ev = r.log.Warn
	}
	ev("run finished",
		logx.String("connector", def.Name),
		logx.String("job_id", rec.ID),
		logx.String("status", string(rec.Status)),
		logx.Int("rc", rec.ReturnCode),
		logx.Duration("duration", rec.Duration))
	return rec
}

func (r *Runner) execute(ctx context.Context, def connectors.Definition, rec *JobRecord) {
	finalize := func(status JobStatus, rc int, errMsg string) {
		rec.Status = status
		rec.ReturnCode = rc
		rec.Error = errMsg
		rec.EndTime = time.Now()
		rec.Duration = rec.EndTime.Sub(rec.StartTime)
	}

	if len(def.Argv) == 0 {
		finalize(StatusError, timeoutReturnCode, "empty command")
		return
	}

	var stdout, stderr boundedBuffer
	cmd := exec.Command(def.Argv[0], def.Argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		finalize(StatusError, timeoutReturnCode, fmt.Sprintf("start: %v", err))
		return
	}
	r.spawns.Add(1)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timeout := time.NewTimer(def.Timeout)
	defer timeout.Stop()

	var waitErr error
	killed := false
	select {
	case waitErr = <-done:
	case <-timeout.C:
		killed = true
		r.terminate(cmd, done, def.Name)
		waitErr = fmt.Errorf("timed out after %s", def.Timeout)
	case <-ctx.Done():
		r.terminate(cmd, done, def.Name)
		waitErr = fmt.Errorf("terminated: %v", ctx.Err())
		finalize(StatusError, timeoutReturnCode, waitErr.Error())
		rec.Stdout, rec.Stderr = stdout.String(), stderr.String()
		return
	}

	rec.Stdout, rec.Stderr = stdout.String(), stderr.String()
	if killed {
		finalize(StatusTimeout, timeoutReturnCode, waitErr.Error())
		// A killed run is charged its full budget, not wall time.
		rec.Duration = def.Timeout
		rec.EndTime = rec.StartTime.Add(def.Timeout)
		return
	}
	rc := cmd.ProcessState.ExitCode()
	if waitErr != nil || rc != 0 {
		msg := ""
		if waitErr != nil {
			msg = waitErr.Error()
		}
		finalize(StatusFailed, rc, msg)
		return
	}
	finalize(StatusCompleted, 0, "")
}

// terminate asks the child to exit, waits up to the kill grace, then
// forces the issue. The final Wait result is drained from done so the
// waiter goroutine never leaks.
func (r *Runner) terminate(cmd *exec.Cmd, done <-chan error, name string) {
	if cmd.Process == nil {
		return
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.log.Debug("sigterm failed", logx.String("connector", name), logx.Err(err))
	}
	select {
	case <-done:
		return
	case <-time.After(r.grace):
	}
	r.log.Warn("process ignored SIGTERM, killing",
		logx.String("connector", name))
	_ = cmd.Process.Kill()
	<-done
}

// boundedBuffer keeps the first maxCaptureBytes of what is written.
type boundedBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := maxCaptureBytes - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
