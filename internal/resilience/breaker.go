package resilience

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// State is the circuit breaker state machine position.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerSettings are shared defaults for all breakers in a registry.
type BreakerSettings struct {
	FailureThreshold int           // consecutive failures before opening; default 5
	RecoveryTimeout  time.Duration // open → half-open wait; default 60s
}

func (s BreakerSettings) withDefaults() BreakerSettings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.RecoveryTimeout <= 0 {
		s.RecoveryTimeout = 60 * time.Second
	}
	return s
}

// Breaker guards whether calls to one service may proceed.
//
// All state transitions happen under b.mu. CanExecute may itself mutate state
// (the lazy Open→HalfOpen promotion), which is why it takes the same lock as
// the record methods.
type Breaker struct {
	name     string
	settings BreakerSettings

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time

	now func() time.Time // injectable for tests
}

func newBreaker(name string, settings BreakerSettings) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    StateClosed,
		now:      time.Now,
	}
}

// CanExecute reports whether a call may proceed. While Open it promotes the
// breaker to HalfOpen once the recovery timeout has elapsed since the last
// failure, allowing a single probe through.
func (b *Breaker) CanExecute() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailure) >= b.settings.RecoveryTimeout {
			b.state = StateHalfOpen
			return true
		}
		return false
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastFailure = time.Time{}
	b.state = StateClosed
}

// RecordFailure bumps the failure count and opens the breaker once the
// threshold is reached. A failure while HalfOpen re-opens immediately (the
// count is already at or above the threshold).
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.settings.FailureThreshold {
		b.state = StateOpen
	}
}

// Health is the queryable per-service breaker status.
type Health struct {
	Service         string     `json:"service"`
	State           string     `json:"state"`
	FailureCount    int        `json:"failure_count"`
	LastFailureTime *time.Time `json:"last_failure_time,omitempty"`
	Healthy         bool       `json:"healthy"`
}

func (b *Breaker) Health() Health {
	b.mu.Lock()
	defer b.mu.Unlock()
	h := Health{
		Service:      b.name,
		State:        b.state.String(),
		FailureCount: b.failures,
		Healthy:      b.state == StateClosed && b.failures == 0,
	}
	if !b.lastFailure.IsZero() {
		t := b.lastFailure
		h.LastFailureTime = &t
	}
	return h
}

// StateNow returns the current state without promoting Open→HalfOpen.
func (b *Breaker) StateNow() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerRegistry lazily creates one Breaker per distinct service name.
// Breakers live for the process lifetime.
type BreakerRegistry struct {
	settings BreakerSettings

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

func NewBreakerRegistry(settings BreakerSettings) *BreakerRegistry {
	return &BreakerRegistry{
		settings: settings.withDefaults(),
		breakers: map[string]*Breaker{},
	}
}

// Get returns the breaker for service, creating it on first use.
func (r *BreakerRegistry) Get(service string) *Breaker {
	service = strings.TrimSpace(service)

	r.mu.RLock()
	b := r.breakers[service]
	r.mu.RUnlock()
	if b != nil {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b = r.breakers[service]; b != nil {
		return b
	}
	b = newBreaker(service, r.settings)
	r.breakers[service] = b
	return b
}

// HealthAll returns the health of every known breaker, sorted by service name.
func (r *BreakerRegistry) HealthAll() []Health {
	r.mu.RLock()
	out := make([]Health, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Health())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
