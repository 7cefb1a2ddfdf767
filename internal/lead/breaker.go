package lead

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/leadflow/internal/config"
)

// ErrCircuitOpen is returned while the breaker rejects calls to the lead
// service.
var ErrCircuitOpen = errors.New("lead: circuit breaker is open")

// State is a breaker position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// minRateSamples is the smallest window over which the error rate trips
// the breaker.
const minRateSamples = 10

// Breaker guards calls to the lead service. It opens after consecutive
// failures or when the error rate inside a tumbling window crosses the
// configured threshold, and lets probes through after the open timeout.
type Breaker struct {
	mu       sync.Mutex
	cfg      config.CircuitBreakerConfig
	now      func() time.Time
	onChange func(State)

	state     State
	failures  int
	successes int
	openedAt  time.Time

	windowStart    time.Time
	windowTotal    int
	windowFailures int
}

// NewBreaker creates a closed breaker. onChange, if non-nil, is called with
// the lock held whenever the state moves.
func NewBreaker(cfg config.CircuitBreakerConfig, onChange func(State)) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now, onChange: onChange}
	b.windowStart = b.now()
	return b
}

// Allow reports whether a call may proceed.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.probeIfDue()
	if b.state == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Success records a call the lead service answered.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
		b.sample(false)
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.failures = 0
			b.successes = 0
			b.resetWindow()
			b.move(StateClosed)
		}
	}
}

// Failure records a call that failed at the transport or with a 5xx.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		b.sample(true)
		if b.failures >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.trip()
		}
	case StateHalfOpen:
		b.trip()
	}
}

// State returns the current position, moving an expired open breaker to
// half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probeIfDue()
	return b.state
}

// ErrorRate returns the failure ratio and sample count of the current
// window.
func (b *Breaker) ErrorRate() (float64, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rollWindow()
	if b.windowTotal == 0 {
		return 0, 0
	}
	return float64(b.windowFailures) / float64(b.windowTotal), b.windowTotal
}

func (b *Breaker) trip() {
	b.openedAt = b.now()
	b.successes = 0
	b.resetWindow()
	b.move(StateOpen)
}

func (b *Breaker) probeIfDue() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) > b.cfg.Timeout {
		b.successes = 0
		b.move(StateHalfOpen)
	}
}

func (b *Breaker) move(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

func (b *Breaker) sample(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	b.rollWindow()
	b.windowTotal++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) rollWindow() {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowTotal = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowTotal < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowTotal) >= b.cfg.ErrorRateThreshold
}
