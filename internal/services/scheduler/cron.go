package scheduler

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"tidewatch/pkg/logx"
)

// malformedDefer is how far a connector is pushed out when its cron
// expression does not parse. The schedule keeps running; the operator
// gets an alert and an hour to fix the config.
const malformedDefer = time.Hour

// alertEvery throttles malformed-expression alerts per expression so a
// broken entry does not flood the log on every poll.
const alertEvery = 10 * time.Minute

// Evaluator computes next-run times from cron expressions.
// It never fails: unparseable expressions degrade to now+1h.
type Evaluator struct {
	parser cron.Parser
	log    logx.Logger

	mu     sync.Mutex
	alerts map[string]*rate.Limiter
}

func NewEvaluator(log logx.Logger) *Evaluator {
	return &Evaluator{
		parser: cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		),
		log:    log,
		alerts: make(map[string]*rate.Limiter),
	}
}

// NextRun returns the first activation of expr strictly after `after`.
func (e *Evaluator) NextRun(expr string, after time.Time) time.Time {
	sched, err := e.parser.Parse(expr)
	if err != nil {
		e.alertMalformed(expr, err)
		return after.Add(malformedDefer)
	}
	return sched.Next(after)
}

// Validate reports whether expr parses. Used at config diff time so
// operators hear about typos before the next poll trips over them.
func (e *Evaluator) Validate(expr string) error {
	_, err := e.parser.Parse(expr)
	return err
}

func (e *Evaluator) alertMalformed(expr string, err error) {
	e.mu.Lock()
	lim := e.alerts[expr]
	if lim == nil {
		lim = rate.NewLimiter(rate.Every(alertEvery), 1)
		e.alerts[expr] = lim
	}
	e.mu.Unlock()

	if lim.Allow() {
		e.log.Error("malformed cron expression, deferring connector by 1h",
			logx.String("expr", expr), logx.Err(err))
		return
	}
	e.log.Debug("malformed cron expression (alert suppressed)",
		logx.String("expr", expr))
}
