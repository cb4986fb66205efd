package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tidewatch/internal/config"
	"tidewatch/internal/connectors"
	"tidewatch/internal/runtime/supervisor"
	"tidewatch/internal/services/runner"
	"tidewatch/pkg/logx"
)

// Service is the dispatch loop. It has two states: idle (constructed)
// and running (polling); Stop is terminal, an instance cannot be
// restarted.
//
// Each due connector is dispatched on its own supervised goroutine, so
// a slow run never blocks the poll loop or other connectors. Overlap
// of the same connector is prevented inside the runner.
type Service struct {
	log  logx.Logger
	set  config.SchedulerSettings
	eval *Evaluator
	run  *runner.Runner
	sup  *supervisor.Supervisor

	mu       sync.Mutex
	reg      *connectors.Registry
	nextRuns map[string]time.Time
	running  bool

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	stopDone  chan struct{}
}

func New(log logx.Logger, set config.SchedulerSettings, eval *Evaluator, run *runner.Runner, sup *supervisor.Supervisor, reg *connectors.Registry) *Service {
	return &Service{
		log:      log,
		set:      set,
		eval:     eval,
		run:      run,
		sup:      sup,
		reg:      reg,
		nextRuns: make(map[string]time.Time),
		stopCh:   make(chan struct{}),
		stopDone: make(chan struct{}),
	}
}

// Start seeds next-run times for every enabled connector and launches
// the poll loop. Calling Start more than once is a no-op.
func (s *Service) Start() {
	s.startOnce.Do(func() {
		now := time.Now()
		s.mu.Lock()
		s.seedLocked(now)
		s.running = true
		n := len(s.nextRuns)
		s.mu.Unlock()

		s.log.Info("scheduler started",
			logx.Int("connectors", n),
			logx.Duration("poll_interval", s.set.PollInterval))

		s.sup.Go("scheduler-loop", func(ctx context.Context) error {
			defer close(s.stopDone)
			s.loop(ctx)
			return nil
		})
	})
}

// Stop halts the poll loop and waits for it to exit, bounded by ctx.
// In-flight connector runs are terminated by cancelling the supervisor
// that dispatched them; that join is the caller's (main's) last step.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.running
	s.running = false
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stopCh) })
	if !wasRunning {
		return nil
	}
	select {
	case <-s.stopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Apply swaps in a freshly built registry after a config reload.
// Next-run times for surviving connectors are kept; new or rescheduled
// connectors are seeded from now, removed ones are pruned.
func (s *Service) Apply(reg *connectors.Registry) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.reg
	s.reg = reg

	for _, def := range reg.Enabled() {
		prev, had := old.Resolve(def.Name)
		if had && prev.Schedule == def.Schedule {
			continue
		}
		if err := s.eval.Validate(def.Schedule); err != nil {
			s.log.Warn("connector has unparseable schedule",
				logx.String("connector", def.Name),
				logx.String("expr", def.Schedule),
				logx.Err(err))
		}
		s.nextRuns[def.Name] = s.eval.NextRun(def.Schedule, now)
	}
	for name := range s.nextRuns {
		if def, ok := reg.Resolve(name); !ok || !def.Enabled {
			delete(s.nextRuns, name)
		}
	}
}

func (s *Service) seedLocked(now time.Time) {
	for _, def := range s.reg.Enabled() {
		s.nextRuns[def.Name] = s.eval.NextRun(def.Schedule, now)
	}
}

func (s *Service) loop(ctx context.Context) {
	ticker := time.NewTicker(s.set.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case now := <-ticker.C:
			if err := s.pass(now); err != nil {
				s.log.Error("scheduler pass failed, backing off",
					logx.Err(err),
					logx.Duration("backoff", s.set.ErrorBackoff))
				select {
				case <-time.After(s.set.ErrorBackoff):
				case <-ctx.Done():
					return
				case <-s.stopCh:
					return
				}
			}
		}
	}
}

// pass dispatches every connector whose next-run time has passed and
// immediately reschedules it. A panic in the pass itself is converted
// to an error so the loop survives (dispatched runs have their own
// recovery in the supervisor).
func (s *Service) pass(now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in scheduler pass: %v", r)
		}
	}()

	due := s.collectDue(now)
	for _, def := range due {
		def := def
		s.log.Debug("dispatching connector",
			logx.String("connector", def.Name),
			logx.String("schedule", def.Schedule))
		s.sup.Go0("run-"+def.Name, func(ctx context.Context) {
			s.run.Run(ctx, def)
		})
	}
	return nil
}

// collectDue returns due definitions and reschedules them under the
// lock, so a connector can never be double-dispatched by one pass.
func (s *Service) collectDue(now time.Time) []connectors.Definition {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []connectors.Definition
	for _, def := range s.reg.Enabled() {
		next, ok := s.nextRuns[def.Name]
		if !ok {
			// Seeded lazily for connectors added between polls.
			s.nextRuns[def.Name] = s.eval.NextRun(def.Schedule, now)
			continue
		}
		if next.After(now) {
			continue
		}
		due = append(due, def)
		s.nextRuns[def.Name] = s.eval.NextRun(def.Schedule, now)
	}
	return due
}
