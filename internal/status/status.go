// Package status aggregates the daemon's query surface: system state,
// job history, breaker health and error statistics. It is consumed by
// the HTTP listener and by shutdown logging; it never mutates anything.
package status

import (
	"sort"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"tidewatch/internal/resilience"
	"tidewatch/internal/runtime/supervisor"
	"tidewatch/internal/services/runner"
	"tidewatch/internal/services/scheduler"
	"tidewatch/pkg/logx"
)

// errorStatsWindow is the trailing window for GetErrorStatistics.
const errorStatsWindow = time.Hour

// HostSnapshot is a best-effort view of host resources. Fields are
// zero when the probe fails; the failure never propagates.
type HostSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	MemoryUsedMB  uint64  `json:"memory_used_mb"`
	MemoryTotalMB uint64  `json:"memory_total_mb"`
}

// SystemStatus answers "is the daemon alive and what is it doing".
type SystemStatus struct {
	Running        bool                `json:"running"`
	ActiveJobCount int                 `json:"active_job_count"`
	ActiveJobs     []string            `json:"active_jobs"`
	TotalJobs      uint64              `json:"total_jobs"`
	Scheduler      scheduler.Snapshot  `json:"scheduler"`
	Goroutines     supervisor.Counters `json:"goroutines"`
	Host           HostSnapshot        `json:"host"`
	Timestamp      time.Time           `json:"timestamp"`
}

// Reporter holds read-only references into the running components.
type Reporter struct {
	log      logx.Logger
	sched    *scheduler.Service
	run      *runner.Runner
	sup      *supervisor.Supervisor
	breakers *resilience.BreakerRegistry
	errlog   *resilience.ErrorLog
}

func NewReporter(log logx.Logger, sched *scheduler.Service, run *runner.Runner, sup *supervisor.Supervisor, breakers *resilience.BreakerRegistry, errlog *resilience.ErrorLog) *Reporter {
	return &Reporter{
		log:      log,
		sched:    sched,
		run:      run,
		sup:      sup,
		breakers: breakers,
		errlog:   errlog,
	}
}

func (r *Reporter) GetSystemStatus() SystemStatus {
	snap := r.sched.SnapshotNow()
	active := r.run.ActiveNames()
	sort.Strings(active)

	return SystemStatus{
		Running:        snap.Running,
		ActiveJobCount: len(active),
		ActiveJobs:     active,
		TotalJobs:      r.run.History().Total(),
		Scheduler:      snap,
		Goroutines:     r.sup.CountersNow(),
		Host:           r.hostSnapshot(),
		Timestamp:      time.Now().UTC(),
	}
}

// GetJobHistory returns the most recent limit records, oldest first.
func (r *Reporter) GetJobHistory(limit int) []runner.JobRecord {
	return r.run.History().Recent(limit)
}

// GetServiceHealth reports every known circuit breaker, sorted by
// service name.
func (r *Reporter) GetServiceHealth() []resilience.Health {
	return r.breakers.HealthAll()
}

// GetErrorStatistics aggregates classified errors over the trailing hour.
func (r *Reporter) GetErrorStatistics() resilience.Stats {
	return r.errlog.StatsWindow(errorStatsWindow)
}

func (r *Reporter) hostSnapshot() HostSnapshot {
	var snap HostSnapshot
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		snap.CPUPercent = pcts[0]
	} else if err != nil {
		r.log.Debug("cpu probe failed", logx.Err(err))
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryPercent = vm.UsedPercent
		snap.MemoryUsedMB = vm.Used / (1 << 20)
		snap.MemoryTotalMB = vm.Total / (1 << 20)
	} else {
		r.log.Debug("memory probe failed", logx.Err(err))
	}
	return snap
}
