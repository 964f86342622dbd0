// Package circuitbreaker implements the circuit breaker pattern protecting
// calls to the upstream rules service. Each rules operation runs through its
// own breaker so a failing endpoint cannot take down the others.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"
)

// State represents the circuit breaker state
type State int

const (
	StateClosed   State = iota // Normal operation, requests pass through
	StateOpen                  // Failure threshold exceeded, requests fail fast
	StateHalfOpen              // Probing whether the upstream recovered
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Common errors
var (
	ErrCircuitOpen     = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

// ============================================================================
// CONFIGURATION
// ============================================================================

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this circuit breaker (one per rules operation)
	Name string

	// Timeout is the per-call deadline enforced by Execute
	Timeout time.Duration

	// ErrorThresholdPercentage trips the breaker when the failure rate over
	// the rolling window reaches this percentage (given VolumeThreshold)
	ErrorThresholdPercentage float64

	// VolumeThreshold is the minimum number of requests in the rolling
	// window before the error percentage is evaluated
	VolumeThreshold uint32

	// ResetTimeout is the open-state duration before a probe is admitted
	ResetTimeout time.Duration

	// RollingCountWindow is the total span of the rolling statistics window
	RollingCountWindow time.Duration

	// RollingCountBuckets is the number of buckets the window is split into
	RollingCountBuckets int

	// MaxHalfOpenRequests caps concurrent probes in half-open state
	MaxHalfOpenRequests uint32

	// OnStateChange is called whenever the circuit state changes
	OnStateChange func(name string, from State, to State)
}

// DefaultConfig returns the breaker defaults used for rules operations.
func DefaultConfig(name string) *Config {
	return &Config{
		Name:                     name,
		Timeout:                  10 * time.Second,
		ErrorThresholdPercentage: 50,
		VolumeThreshold:          5,
		ResetTimeout:             30 * time.Second,
		RollingCountWindow:       10 * time.Second,
		RollingCountBuckets:      10,
		MaxHalfOpenRequests:      1,
		OnStateChange: func(name string, from State, to State) {
			log.Printf("[CircuitBreaker:%s] State change: %s -> %s", name, from, to)
		},
	}
}

// ============================================================================
// ROLLING COUNTS
// ============================================================================

// Counts holds aggregated request/response counts over the rolling window.
type Counts struct {
	Requests       uint32
	TotalSuccesses uint32
	TotalFailures  uint32
}

// FailurePercentage returns the failure rate over the window as a percentage.
func (c Counts) FailurePercentage() float64 {
	if c.Requests == 0 {
		return 0.0
	}
	return float64(c.TotalFailures) / float64(c.Requests) * 100.0
}

// bucket is one slice of the rolling statistics window.
type bucket struct {
	start     time.Time
	successes uint32
	failures  uint32
}

// rollingWindow tracks counts in fixed-width buckets; buckets that fall out
// of the window stop contributing to the aggregate.
type rollingWindow struct {
	buckets []bucket
	width   time.Duration
	span    time.Duration
}

func newRollingWindow(span time.Duration, n int) *rollingWindow {
	if n <= 0 {
		n = 10
	}
	if span <= 0 {
		span = 10 * time.Second
	}
	return &rollingWindow{
		buckets: make([]bucket, 0, n),
		width:   span / time.Duration(n),
		span:    span,
	}
}

func (w *rollingWindow) record(now time.Time, success bool) {
	w.evict(now)

	if len(w.buckets) == 0 || now.Sub(w.buckets[len(w.buckets)-1].start) >= w.width {
		w.buckets = append(w.buckets, bucket{start: now})
	}
	b := &w.buckets[len(w.buckets)-1]
	if success {
		b.successes++
	} else {
		b.failures++
	}
}

func (w *rollingWindow) counts(now time.Time) Counts {
	w.evict(now)

	var c Counts
	for _, b := range w.buckets {
		c.TotalSuccesses += b.successes
		c.TotalFailures += b.failures
	}
	c.Requests = c.TotalSuccesses + c.TotalFailures
	return c
}

func (w *rollingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.buckets) && w.buckets[i].start.Before(cutoff) {
		i++
	}
	if i > 0 {
		w.buckets = append(w.buckets[:0], w.buckets[i:]...)
	}
}

func (w *rollingWindow) reset() {
	w.buckets = w.buckets[:0]
}

// ============================================================================
// CIRCUIT BREAKER
// ============================================================================

// CircuitBreaker implements the three-state breaker with a rolling
// error-percentage window.
type CircuitBreaker struct {
	cfg *Config

	mu         sync.Mutex
	state      State
	generation uint64
	window     *rollingWindow
	openedAt   time.Time
	halfOpen   uint32 // in-flight probes while half-open
}

// New creates a new circuit breaker.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig("default")
	}
	return &CircuitBreaker{
		cfg:    cfg,
		state:  StateClosed,
		window: newRollingWindow(cfg.RollingCountWindow, cfg.RollingCountBuckets),
	}
}

// Name returns the circuit breaker name.
func (cb *CircuitBreaker) Name() string {
	return cb.cfg.Name
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState(time.Now())
}

// Counts returns the aggregated counts over the rolling window.
func (cb *CircuitBreaker) Counts() Counts {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.window.counts(time.Now())
}

// Execute runs req under the breaker with the configured per-call timeout.
// While open it fails fast with ErrCircuitOpen without invoking req.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) error) error {
	generation, err := cb.beforeRequest()
	if err != nil {
		return err
	}

	if cb.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.cfg.Timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(generation, false)
			panic(r)
		}
	}()

	err = req(ctx)
	cb.afterRequest(generation, err == nil)
	return err
}

// Allow reports whether a request would currently be admitted.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState(time.Now()) {
	case StateOpen:
		return ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpen >= cb.cfg.MaxHalfOpenRequests {
			return ErrTooManyRequests
		}
	}
	return nil
}

func (cb *CircuitBreaker) beforeRequest() (uint64, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	switch cb.currentState(now) {
	case StateOpen:
		return cb.generation, ErrCircuitOpen
	case StateHalfOpen:
		if cb.halfOpen >= cb.cfg.MaxHalfOpenRequests {
			return cb.generation, ErrTooManyRequests
		}
		cb.halfOpen++
	}
	return cb.generation, nil
}

func (cb *CircuitBreaker) afterRequest(generation uint64, success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	now := time.Now()
	state := cb.currentState(now)

	// Ignore results from a previous generation
	if generation != cb.generation {
		return
	}

	switch state {
	case StateClosed:
		cb.window.record(now, success)
		if !success {
			counts := cb.window.counts(now)
			if counts.Requests >= cb.cfg.VolumeThreshold &&
				counts.FailurePercentage() >= cb.cfg.ErrorThresholdPercentage {
				cb.setState(StateOpen, now)
			}
		}
	case StateHalfOpen:
		if cb.halfOpen > 0 {
			cb.halfOpen--
		}
		if success {
			cb.setState(StateClosed, now)
		} else {
			cb.setState(StateOpen, now)
		}
	}
}

func (cb *CircuitBreaker) currentState(now time.Time) State {
	if cb.state == StateOpen && now.Sub(cb.openedAt) >= cb.cfg.ResetTimeout {
		cb.setState(StateHalfOpen, now)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State, now time.Time) {
	if cb.state == state {
		return
	}

	prev := cb.state
	cb.state = state
	cb.generation++
	cb.halfOpen = 0

	switch state {
	case StateOpen:
		cb.openedAt = now
		cb.window.reset()
	case StateClosed:
		cb.window.reset()
	}

	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(cb.cfg.Name, prev, state)
	}
}

// String implements fmt.Stringer.
func (cb *CircuitBreaker) String() string {
	counts := cb.Counts()
	return fmt.Sprintf("CircuitBreaker[%s: state=%s, requests=%d, failures=%d]",
		cb.cfg.Name, cb.State(), counts.Requests, counts.TotalFailures)
}

// ============================================================================
// CIRCUIT BREAKER MANAGER
// ============================================================================

// Manager manages the per-operation circuit breakers of the rules client.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      *Config // Default config for new breakers
}

// NewManager creates a new circuit breaker manager.
func NewManager(defaultCfg *Config) *Manager {
	if defaultCfg == nil {
		defaultCfg = DefaultConfig("")
	}
	return &Manager{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      defaultCfg,
	}
}

// Get returns the breaker for an operation, creating it on first use.
func (m *Manager) Get(name string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[name]
	m.mu.RUnlock()
	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists = m.breakers[name]; exists {
		return cb
	}

	cfg := *m.cfg
	cfg.Name = name
	cb = New(&cfg)
	m.breakers[name] = cb
	return cb
}

// Stats returns a snapshot of every breaker's state and counts.
func (m *Manager) Stats() map[string]Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]Stats, len(m.breakers))
	for name, cb := range m.breakers {
		stats[name] = Stats{
			Name:   name,
			State:  cb.State(),
			Counts: cb.Counts(),
		}
	}
	return stats
}

// HealthStatus reports HEALTHY unless any breaker is open.
func (m *Manager) HealthStatus() (string, map[string]string) {
	stats := m.Stats()

	statuses := make(map[string]string, len(stats))
	healthy := true
	for name, stat := range stats {
		statuses[name] = stat.State.String()
		if stat.State == StateOpen {
			healthy = false
		}
	}
	if healthy {
		return "HEALTHY", statuses
	}
	return "DEGRADED", statuses
}

// Stats contains the observable state of a single circuit breaker.
type Stats struct {
	Name   string
	State  State
	Counts Counts
}
