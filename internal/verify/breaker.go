package verify

import (
	"errors"
	"sync"
	"time"
)

// State is the position of a Breaker.
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
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Allow while the provider is considered down.
var ErrBreakerOpen = errors.New("verify: provider circuit is open")

// minRateSamples keeps a handful of early failures from tripping on rate.
const minRateSamples = 10

// BreakerSettings tunes a Breaker. Zero values fall back to defaults.
type BreakerSettings struct {
	FailureThreshold   int
	SuccessThreshold   int
	Timeout            time.Duration
	ErrorRateThreshold float64
	ErrorRateWindow    time.Duration
}

// Breaker guards calls to the verification provider. It opens after
// consecutive failures or a high failure rate within a tumbling window, and
// lets probes through again once Timeout has passed.
type Breaker struct {
	mu       sync.Mutex
	cfg      BreakerSettings
	state    State
	failures int
	probes   int
	openedAt time.Time

	windowStart    time.Time
	windowCalls    int
	windowFailures int

	now      func() time.Time
	onChange func(State)
}

// NewBreaker creates a closed Breaker. onChange, if set, is called with the
// lock held whenever the state moves.
func NewBreaker(cfg BreakerSettings, onChange func(State)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, state: StateClosed, now: time.Now, onChange: onChange}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a call may go to the provider.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	if b.state == StateOpen {
		return ErrBreakerOpen
	}
	return nil
}

// Success records a completed provider call.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
		b.countCall(false)
	case StateHalfOpen:
		b.probes++
		if b.probes >= b.cfg.SuccessThreshold {
			b.setState(StateClosed)
		}
	}
}

// Failure records a provider call that errored. A negative answer from the
// provider is not a failure.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		b.countCall(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

// State returns the current state, moving Open to HalfOpen once the timeout
// has passed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireOpen()
	return b.state
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.setState(StateOpen)
}

func (b *Breaker) expireOpen() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.setState(StateHalfOpen)
	}
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	b.failures = 0
	b.probes = 0
	b.resetWindow()
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) countCall(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
	b.windowCalls++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowCalls = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCalls) >= b.cfg.ErrorRateThreshold
}
