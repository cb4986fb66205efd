package resilience

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"tidewatch/pkg/logx"
)

// ErrServiceUnavailable is returned when the circuit for a service is open
// and no fallback was provided.
var ErrServiceUnavailable = errors.New("service unavailable: circuit open")

// ClassifiedError carries the classification of the last failed attempt once
// retries are exhausted.
type ClassifiedError struct {
	Kind     string
	Severity Severity
	Err      error
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Kind, e.Severity, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// RetryOptions control one Execute call.
type RetryOptions struct {
	// MaxRetries is the number of additional attempts after the first.
	// Zero means a single attempt; negative means "use the default" (3).
	MaxRetries    int
	BackoffFactor float64 // base seconds for the exponential delay; default 1.0
}

func (o RetryOptions) withDefaults() RetryOptions {
	if o.MaxRetries < 0 {
		o.MaxRetries = 3
	}
	if o.BackoffFactor <= 0 {
		o.BackoffFactor = 1.0
	}
	return o
}

// Operation is a risky call guarded by Execute.
type Operation[T any] func(ctx context.Context) (T, error)

// Executor routes operations through per-service circuit breakers and records
// every classified failure in the error log.
type Executor struct {
	breakers *BreakerRegistry
	errlog   *ErrorLog
	log      logx.Logger

	sleep func(ctx context.Context, d time.Duration) error // injectable for tests
}

func NewExecutor(breakers *BreakerRegistry, errlog *ErrorLog, log logx.Logger) *Executor {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Executor{
		breakers: breakers,
		errlog:   errlog,
		log:      log,
		sleep:    sleepCtx,
	}
}

// Breakers exposes the registry for health queries.
func (e *Executor) Breakers() *BreakerRegistry { return e.breakers }

// ErrorLog exposes the log for statistics queries.
func (e *Executor) ErrorLog() *ErrorLog { return e.errlog }

// Execute runs op against service with retry, backoff, circuit breaker check
// and optional fallback (pass nil for none).
//
// Attempt k (k >= 1) is preceded by a delay of BackoffFactor * 2^(k-1)
// seconds after the k-th failure. On success the breaker records a success
// and the result is returned immediately. The breaker records a failure only
// after the final allowed attempt fails. With the circuit open and no
// fallback, ErrServiceUnavailable is returned without calling op.
func Execute[T any](ctx context.Context, e *Executor, service string, opt RetryOptions, op, fallback Operation[T]) (T, error) {
	var zero T
	opt = opt.withDefaults()

	breaker := e.breakers.Get(service)
	if !breaker.CanExecute() {
		e.errlog.Record(ErrServiceUnavailable, service, 0, opt.MaxRetries)
		e.log.Warn("circuit open; skipping call", logx.String("service", service))
		if fallback != nil {
			return runFallback(ctx, e, service, fallback)
		}
		return zero, fmt.Errorf("%s: %w", service, ErrServiceUnavailable)
	}

	var lastErr error
	attempts := opt.MaxRetries + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		res, err := op(ctx)
		if err == nil {
			breaker.RecordSuccess()
			return res, nil
		}
		lastErr = err

		rec := e.errlog.Record(err, service, attempt-1, opt.MaxRetries)
		e.log.Warn("operation failed",
			logx.String("service", service),
			logx.String("kind", rec.Kind),
			logx.String("severity", rec.Severity),
			logx.Int("attempt", attempt),
			logx.Int("max_attempts", attempts),
			logx.Err(err),
		)

		if attempt == attempts {
			breaker.RecordFailure()
			break
		}

		if serr := e.sleep(ctx, backoffDelay(opt.BackoffFactor, attempt)); serr != nil {
			breaker.RecordFailure()
			lastErr = serr
			break
		}
	}

	if fallback != nil {
		return runFallback(ctx, e, service, fallback)
	}

	kind, sev := Classify(lastErr)
	return zero, &ClassifiedError{Kind: kind, Severity: sev, Err: lastErr}
}

func runFallback[T any](ctx context.Context, e *Executor, service string, fallback Operation[T]) (T, error) {
	res, err := fallback(ctx)
	if err != nil {
		// Fallback failures are logged but never retried.
		rec := e.errlog.Record(err, service, 0, 0)
		e.log.Warn("fallback failed",
			logx.String("service", service),
			logx.String("kind", rec.Kind),
			logx.Err(err),
		)
		var zero T
		return zero, fmt.Errorf("fallback for %s: %w", service, err)
	}
	return res, nil
}

// backoffDelay computes the pause after the k-th failed attempt (k >= 1).
func backoffDelay(factor float64, attempt int) time.Duration {
	secs := factor * math.Pow(2, float64(attempt-1))
	return time.Duration(secs * float64(time.Second))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}
