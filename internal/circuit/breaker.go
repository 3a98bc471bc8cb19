// Package circuit protects the paid external model endpoint. After repeated
// upstream failures the circuit opens and calls fail fast, letting the query
// pipeline take its local fallback instead of waiting out network timeouts.
package circuit

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State is the breaker state.
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

// ErrOpen is returned when a call is blocked by an open circuit.
var ErrOpen = errors.New("circuit breaker is open")

// Config tunes the breaker.
type Config struct {
	FailureThreshold  int           // consecutive failures before opening
	SuccessThreshold  int           // successes needed to close from half-open
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  3,
		SuccessThreshold:  2,
		InitialBackoff:    5 * time.Second,
		MaxBackoff:        5 * time.Minute,
		BackoffMultiplier: 2.0,
	}
}

// Breaker implements the circuit breaker pattern for one upstream.
type Breaker struct {
	mu sync.Mutex

	name   string
	config Config
	state  State

	consecutiveFailures  int
	consecutiveSuccesses int
	currentBackoff       time.Duration
	openedAt             time.Time
	probeInFlight        bool

	totalTrips int64
}

// New creates a breaker with the given config; zero fields take defaults.
func New(name string, config Config) *Breaker {
	def := DefaultConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = def.BackoffMultiplier
	}
	return &Breaker{
		name:           name,
		config:         config,
		state:          StateClosed,
		currentBackoff: config.InitialBackoff,
	}
}

// Allow reports whether a call may proceed. In the open state a single probe
// is allowed once the backoff has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.currentBackoff {
			b.state = StateHalfOpen
			b.probeInFlight = true
			log.Info().Str("breaker", b.name).Msg("Circuit breaker half-open, probing upstream")
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return true
	}
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	if b.state == StateHalfOpen {
		b.probeInFlight = false
		if b.consecutiveSuccesses >= b.config.SuccessThreshold {
			b.state = StateClosed
			b.currentBackoff = b.config.InitialBackoff
			log.Info().Str("breaker", b.name).Msg("Circuit breaker recovered and closed")
		}
	}
}

// RecordFailure notes a failed call; enough consecutive failures trip the
// circuit. A failed half-open probe re-opens with increased backoff.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	switch b.state {
	case StateClosed:
		if b.consecutiveFailures >= b.config.FailureThreshold {
			b.trip(err)
		}
	case StateHalfOpen:
		b.probeInFlight = false
		b.currentBackoff = time.Duration(float64(b.currentBackoff) * b.config.BackoffMultiplier)
		if b.currentBackoff > b.config.MaxBackoff {
			b.currentBackoff = b.config.MaxBackoff
		}
		b.trip(err)
	}
}

func (b *Breaker) trip(err error) {
	b.state = StateOpen
	b.openedAt = time.Now()
	b.probeInFlight = false
	b.totalTrips++

	log.Warn().Str("breaker", b.name).
		Dur("backoff", b.currentBackoff).
		Int("failures", b.consecutiveFailures).
		Err(err).
		Msg("Circuit breaker tripped")
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Status is a snapshot for health reporting.
type Status struct {
	Name           string        `json:"name"`
	State          string        `json:"state"`
	Failures       int           `json:"consecutive_failures"`
	CurrentBackoff time.Duration `json:"current_backoff_ms"`
	TotalTrips     int64         `json:"total_trips"`
}

// GetStatus returns a snapshot of the breaker.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:           b.name,
		State:          b.state.String(),
		Failures:       b.consecutiveFailures,
		CurrentBackoff: b.currentBackoff,
		TotalTrips:     b.totalTrips,
	}
}
