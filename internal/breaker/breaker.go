// Package breaker implements the per-backend circuit breaker: a sliding
// window of recent call outcomes driving a Closed/Open/HalfOpen state
// machine with a progressive reset timer.
package breaker

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/fairyhunter13/claudette/internal/domain"
)

// State represents the admission state of a breaker.
type State int

const (
	// StateClosed admits all calls.
	StateClosed State = iota
	// StateOpen rejects calls until the reset timer elapses.
	StateOpen
	// StateHalfOpen admits a bounded number of concurrent probes.
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

// Config holds the breaker thresholds. Zero values fall back to defaults.
type Config struct {
	FailureThreshold      int           // consecutive failures tripping Closed -> Open
	FailureRateThreshold  float64       // percent of window
	SlowCallThreshold     time.Duration // a call at least this slow counts as slow
	SlowCallRateThreshold float64       // percent of window
	WindowSize            int
	BaseReset             time.Duration
	MaxReset              time.Duration
	HalfOpenMaxCalls      int
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureRateThreshold <= 0 {
		c.FailureRateThreshold = 50
	}
	if c.SlowCallThreshold <= 0 {
		c.SlowCallThreshold = 15 * time.Second
	}
	if c.SlowCallRateThreshold <= 0 {
		c.SlowCallRateThreshold = 80
	}
	if c.WindowSize <= 1 {
		c.WindowSize = 20
	}
	if c.BaseReset <= 0 {
		c.BaseReset = 30 * time.Second
	}
	if c.MaxReset <= 0 {
		c.MaxReset = 30 * time.Minute
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 3
	}
	return c
}

type outcome struct {
	success  bool
	duration time.Duration
}

// Breaker guards a single backend. All methods are safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	name string
	cfg  Config
	sink domain.EventSink
	now  func() time.Time

	state               State
	window              []outcome // ring of the last WindowSize outcomes
	windowPos           int
	windowLen           int
	consecutiveFailures int
	openedAt            time.Time
	resetAfter          time.Duration
	halfOpenInFlight    int

	stateChanges int64
}

// New constructs a breaker for the named backend.
func New(name string, cfg Config, sink domain.EventSink) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		name:   name,
		cfg:    cfg,
		sink:   sink,
		now:    time.Now,
		state:  StateClosed,
		window: make([]outcome, cfg.WindowSize),
	}
}

// Allow reports whether a call may proceed. While Open it returns a
// CircuitOpen error; in HalfOpen it admits up to HalfOpenMaxCalls
// concurrent probes. Every admitted call must be paired with a Record.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.resetAfter {
			b.transition(StateHalfOpen, "reset timer elapsed")
			b.halfOpenInFlight = 1
			return nil
		}
		return domain.NewBackendError(b.name, domain.KindCircuitOpen, "circuit open")
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			return domain.NewBackendError(b.name, domain.KindCircuitOpen, "half-open probe limit reached")
		}
		b.halfOpenInFlight++
		return nil
	}
	return domain.NewBackendError(b.name, domain.KindCircuitOpen, "unknown breaker state")
}

// Record stores a call outcome and applies state transitions.
func (b *Breaker) Record(success bool, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.window[b.windowPos] = outcome{success: success, duration: duration}
	b.windowPos = (b.windowPos + 1) % b.cfg.WindowSize
	if b.windowLen < b.cfg.WindowSize {
		b.windowLen++
	}

	if success {
		b.consecutiveFailures = 0
	} else {
		b.consecutiveFailures++
	}

	switch b.state {
	case StateClosed:
		if reason, trip := b.shouldTrip(); trip {
			b.open(reason)
		}
	case StateHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if success {
			b.close()
		} else {
			b.open("failure during half-open probe")
		}
	case StateOpen:
		// Late outcome from a call admitted before the trip; window already updated.
	}
}

// shouldTrip evaluates the Closed -> Open conditions. The failure-rate
// trigger takes precedence over the slow-call trigger when both fire.
func (b *Breaker) shouldTrip() (string, bool) {
	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		return "consecutive failures", true
	}
	if b.windowLen >= b.cfg.WindowSize/2 {
		var failures, slow int
		for i := 0; i < b.windowLen; i++ {
			o := b.window[i]
			if !o.success {
				failures++
			}
			if o.duration >= b.cfg.SlowCallThreshold {
				slow++
			}
		}
		failureRate := float64(failures) / float64(b.windowLen) * 100
		slowRate := float64(slow) / float64(b.windowLen) * 100
		if failureRate >= b.cfg.FailureRateThreshold {
			return "failure rate", true
		}
		if slowRate >= b.cfg.SlowCallRateThreshold {
			return "slow call rate", true
		}
	}
	return "", false
}

// open moves to Open and arms the progressive reset timer:
// min(base * 1.5^(failures - threshold), MaxReset).
func (b *Breaker) open(reason string) {
	b.openedAt = b.now()
	over := b.consecutiveFailures - b.cfg.FailureThreshold
	if over < 0 {
		over = 0
	}
	reset := time.Duration(float64(b.cfg.BaseReset) * math.Pow(1.5, float64(over)))
	if reset > b.cfg.MaxReset || reset <= 0 {
		reset = b.cfg.MaxReset
	}
	b.resetAfter = reset
	b.halfOpenInFlight = 0
	b.transition(StateOpen, reason)
}

// close returns to Closed and clears the window and counters.
func (b *Breaker) close() {
	b.windowLen = 0
	b.windowPos = 0
	b.consecutiveFailures = 0
	b.halfOpenInFlight = 0
	b.transition(StateClosed, "probe succeeded")
}

func (b *Breaker) transition(to State, reason string) {
	from := b.state
	b.state = to
	b.stateChanges++
	slog.Info("circuit breaker transition",
		slog.String("backend", b.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	if b.sink != nil {
		b.sink.Emit(domain.Event{Kind: "breaker_transition", Fields: map[string]any{
			"backend": b.name,
			"from":    from.String(),
			"to":      to.String(),
			"reason":  reason,
		}})
	}
}

// State returns the current state, applying the Open -> HalfOpen timer
// lazily so callers observing the state see the same admission the next
// Allow would grant.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetAfter {
		return StateHalfOpen
	}
	return b.state
}

// Stats reports counters for status output.
func (b *Breaker) Stats() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	return map[string]any{
		"state":                b.state.String(),
		"consecutive_failures": b.consecutiveFailures,
		"window_samples":       b.windowLen,
		"state_changes":        b.stateChanges,
		"reset_after":          b.resetAfter.String(),
	}
}
