// Package breaker implements a per-agent three-state circuit breaker
// (CLOSED/OPEN/HALF_OPEN) plus a CascadeDetector that watches a named
// set of breakers for correlated failure.
//
// Hand-rolled rather than delegated to a generic breaker library: the
// half-open state here bounds *concurrent in-flight trials* (not just
// a success-count-to-close threshold), and failure in any trial must
// immediately reopen with a fresh opened_at - semantics that do not
// map cleanly onto a library built around a single success/failure
// threshold pair.
package breaker

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// State is the breaker's current position in its state machine.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String renders the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds a breaker's tuning parameters.
type Config struct {
	FailureThreshold  int
	RecoveryTimeout   time.Duration
	HalfOpenMaxTrials int
}

// DefaultConfig matches the documented defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second, HalfOpenMaxTrials: 1}
}

type metrics struct {
	state *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		state: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Name: "breaker_state",
			Help: "Breaker state as an ordinal: 0=CLOSED 1=OPEN 2=HALF_OPEN.",
		}, []string{"agent_id"}),
	}
}

// Breaker is a single agent's circuit breaker.
type Breaker struct {
	name   string
	cfg    Config
	clk    clock.Clock
	logger *zap.Logger
	m      *metrics

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    int
}

// New constructs a breaker named for one agent, registering its own
// metric set against reg. Prefer Registry.Get when managing more than
// one agent's breaker against a shared registerer - it registers the
// agent_id-labeled metric vector once and reuses it, rather than
// attempting (and panicking on) a second registration of the same
// metric name.
func New(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger, name string, cfg Config) *Breaker {
	return newWithMetrics(newMetrics(reg), clk, logger, name, cfg)
}

func newWithMetrics(m *metrics, clk clock.Clock, logger *zap.Logger, name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = DefaultConfig().RecoveryTimeout
	}
	if cfg.HalfOpenMaxTrials <= 0 {
		cfg.HalfOpenMaxTrials = DefaultConfig().HalfOpenMaxTrials
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		clk:    clk,
		logger: logger.Named("breaker"),
		m:      m,
		state:  Closed,
	}
}

// Name returns the breaker's agent identifier.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// admitLocked decides whether a call may proceed, and if so whether it is a
// half-open trial. Caller must hold b.mu.
func (b *Breaker) admitLocked() (allow bool, trial bool) {
	switch b.state {
	case Closed:
		return true, false
	case Open:
		if b.clk.Now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.state = HalfOpen
			b.halfOpenInFlight = 0
			return b.admitLocked()
		}
		return false, false
	case HalfOpen:
		if b.halfOpenInFlight < b.cfg.HalfOpenMaxTrials {
			b.halfOpenInFlight++
			return true, true
		}
		return false, false
	default:
		return false, false
	}
}

// Call executes fn under breaker protection with no fallback: in OPEN
// (or exhausted HALF_OPEN trial slots) it returns a CircuitOpen error.
func (b *Breaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return b.CallWithFallback(fn, nil)
}

// CallWithFallback executes fn under breaker protection. When the
// breaker rejects the call, fallback is invoked if supplied; otherwise
// a CircuitOpen error is returned.
func (b *Breaker) CallWithFallback(fn func() (interface{}, error), fallback func() (interface{}, error)) (interface{}, error) {
	b.mu.Lock()
	allow, trial := b.admitLocked()
	b.mu.Unlock()

	if !allow {
		if fallback != nil {
			return fallback()
		}
		return nil, cperrors.NewCircuitOpen(b.name)
	}

	result, err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if trial {
		b.halfOpenInFlight--
	}
	if err != nil {
		b.onFailureLocked(trial)
	} else {
		b.onSuccessLocked(trial)
	}
	b.m.state.With(prometheus.Labels{"agent_id": b.name}).Set(float64(b.state))
	return result, err
}

func (b *Breaker) onSuccessLocked(trial bool) {
	switch b.state {
	case Closed:
		b.consecutiveFailures = 0
	case HalfOpen:
		b.state = Closed
		b.consecutiveFailures = 0
		b.halfOpenInFlight = 0
	}
}

func (b *Breaker) onFailureLocked(trial bool) {
	switch b.state {
	case Closed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = b.clk.Now()
		}
	case HalfOpen:
		b.state = Open
		b.openedAt = b.clk.Now()
		b.halfOpenInFlight = 0
	}
}

// Trip forces the breaker open, as if failure_threshold had just been
// reached, without routing through Call.
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Open
	b.openedAt = b.clk.Now()
	b.m.state.With(prometheus.Labels{"agent_id": b.name}).Set(float64(b.state))
}

// Reset forces the breaker back to CLOSED.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.consecutiveFailures = 0
	b.halfOpenInFlight = 0
	b.m.state.With(prometheus.Labels{"agent_id": b.name}).Set(float64(b.state))
}
