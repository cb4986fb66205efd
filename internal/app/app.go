// Package app wires the daemon together: config, logging, scheduler,
// runner, resilience and the status listener, with one lifecycle for
// all of them.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"tidewatch/internal/config"
	"tidewatch/internal/connectors"
	"tidewatch/internal/metrics"
	"tidewatch/internal/resilience"
	"tidewatch/internal/runtime/supervisor"
	"tidewatch/internal/services/runner"
	"tidewatch/internal/services/scheduler"
	"tidewatch/internal/status"
	"tidewatch/pkg/logx"
)

// breakerSampleEvery is how often the breaker state gauge is refreshed.
const breakerSampleEvery = 15 * time.Second

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	set      config.SchedulerSettings
	breakers *resilience.BreakerRegistry
	errlog   *resilience.ErrorLog
	mets     *metrics.Collector
	hist     *runner.History
	run      *runner.Runner
	eval     *scheduler.Evaluator

	sup    *supervisor.Supervisor
	sched  *scheduler.Service
	server *status.Server

	lastConnectors map[string]config.ConnectorConfig
}

// New loads the config and constructs everything that does not need a
// lifecycle yet. A config load failure is not fatal: the daemon starts
// with an empty schedule and picks up the file once it parses again.
func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		boot := logx.NewConsole("INFO")
		boot.Error("config load failed, starting with empty schedule", logx.Err(err))
		cfg = &config.Config{}
	}

	logs, log := logx.New(mapLogging(cfg.Logging))
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	set, err := cfg.Scheduler.Settings()
	if err != nil {
		return nil, err
	}
	brkSet, err := cfg.Breaker.Settings()
	if err != nil {
		return nil, err
	}

	mets, err := metrics.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	errlog := resilience.NewErrorLog(0)
	errlog.OnAppend(mets.ErrorRecorded)

	breakers := resilience.NewBreakerRegistry(resilience.BreakerSettings{
		FailureThreshold: brkSet.FailureThreshold,
		RecoveryTimeout:  brkSet.RecoveryTimeout,
	})

	hist := runner.NewHistory(set.HistorySize)
	run := runner.New(
		log.With(logx.String("comp", "runner")),
		hist,
		set.KillGrace,
		multiObserver{mets, breakerObserver{breakers}},
	)

	return &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log,
		set:      set,
		breakers: breakers,
		errlog:   errlog,
		mets:     mets,
		hist:     hist,
		run:      run,
		eval:     scheduler.NewEvaluator(log.With(logx.String("comp", "cron"))),
	}, nil
}

// Start brings the daemon up: scheduler loop, config watcher, status
// listener and the metrics sampler, all under one supervisor.
func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	conns := a.cfgm.Connectors()
	reg, problems := connectors.Build(conns, a.set.DefaultTimeout)
	for _, p := range problems {
		a.log.Warn("connector skipped", logx.Err(p))
	}
	a.lastConnectors = conns

	a.sched = scheduler.New(
		a.log.With(logx.String("comp", "scheduler")),
		a.set, a.eval, a.run, a.sup, reg,
	)
	a.sched.Start()

	rep := status.NewReporter(
		a.log.With(logx.String("comp", "status")),
		a.sched, a.run, a.sup, a.breakers, a.errlog,
	)
	cfg := a.cfgm.Get()
	var metricsCfg config.MetricsConfig
	if cfg != nil {
		metricsCfg = cfg.Metrics
	}
	a.server = status.NewServer(metricsCfg, a.log.With(logx.String("comp", "http")), rep, a.mets.Handler())
	a.server.Start(a.sup)

	a.sup.Go("config.watch", a.cfgm.Watch)
	updates := a.cfgm.Subscribe(1)
	a.sup.Go0("config.apply", func(ctx context.Context) {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return
			case cfg := <-updates:
				a.applyConfig(cfg)
			}
		}
	})

	a.sup.Go0("metrics.sampler", func(ctx context.Context) {
		t := time.NewTicker(breakerSampleEvery)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				a.mets.ObserveBreakers(a.breakers.HealthAll())
			}
		}
	})

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify: ready")
	}

	a.log.Info("tidewatch started", logx.Int("connectors", reg.Len()))
	return nil
}

// applyConfig handles a validated hot-reload: logging sinks, connector
// registry and schedule seeds. Poll interval, history size and breaker
// thresholds are fixed at boot and need a restart; a change is logged
// so the operator knows it did not take effect.
func (a *App) applyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLogging(cfg.Logging))

	if set, err := cfg.Scheduler.Settings(); err == nil && set != a.set {
		a.log.Warn("scheduler settings changed in config; restart required to apply")
	}

	diff := config.DiffConnectors(a.lastConnectors, cfg.Connectors)
	if !diff.Empty() {
		a.log.Info("connector set changed",
			logx.Any("added", diff.Added),
			logx.Any("removed", diff.Removed),
			logx.Any("changed", diff.Changed))
	}
	a.lastConnectors = cfg.Connectors

	reg, problems := connectors.Build(cfg.Connectors, a.set.DefaultTimeout)
	for _, p := range problems {
		a.log.Warn("connector skipped", logx.Err(p))
	}
	a.sched.Apply(reg)
}

// Stop shuts down in dependency order: stop dispatching, close the
// listener, then cancel the supervisor so in-flight runs terminate
// their processes and join, bounded by ctx.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	var firstErr error
	if a.sched != nil {
		if err := a.sched.Stop(ctx); err != nil {
			firstErr = fmt.Errorf("scheduler stop: %w", err)
		}
	}
	if a.server != nil {
		a.server.Stop(ctx)
	}
	if a.sup != nil {
		if err := a.sup.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		c := a.sup.CountersNow()
		a.log.Info("tidewatch stopped",
			logx.Uint64("goroutines_started", c.Started),
			logx.Int64("goroutines_active", c.Active))
	}
	_ = a.logs.Close()
	return firstErr
}

func mapLogging(lc config.LoggingConfig) logx.Config {
	return logx.Config{
		Level:   lc.Level,
		Console: lc.Console == nil || *lc.Console,
		File: logx.FileConfig{
			Enabled: lc.File.Enabled,
			Path:    lc.File.Path,
		},
	}
}

// breakerObserver feeds run outcomes into the per-connector breakers so
// the health surface reflects real execution history.
type breakerObserver struct {
	reg *resilience.BreakerRegistry
}

func (o breakerObserver) JobStarted(string) {}

func (o breakerObserver) JobFinished(connector string, st runner.JobStatus, _ time.Duration) {
	b := o.reg.Get(connector)
	switch st {
	case runner.StatusCompleted:
		b.RecordSuccess()
	case runner.StatusFailed, runner.StatusTimeout, runner.StatusError:
		b.RecordFailure()
	}
}

// multiObserver fans one run event out to several observers.
type multiObserver []runner.Observer

func (m multiObserver) JobStarted(c string) {
	for _, o := range m {
		o.JobStarted(c)
	}
}

func (m multiObserver) JobFinished(c string, st runner.JobStatus, d time.Duration) {
	for _, o := range m {
		o.JobFinished(c, st, d)
	}
}
