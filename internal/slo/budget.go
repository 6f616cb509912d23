package slo

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/metricsutil"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// ExhaustionAction is the intent an exhausted error budget signals to
// downstream systems. The budget never performs the action itself -
// it only emits the typed signal and lets delivery/breaker/alerting
// react.
type ExhaustionAction string

const (
	ActionAlert             ExhaustionAction = "ALERT"
	ActionFreezeDeployments ExhaustionAction = "FREEZE_DEPLOYMENTS"
	ActionCircuitBreak      ExhaustionAction = "CIRCUIT_BREAK"
	ActionThrottle          ExhaustionAction = "THROTTLE"
)

type budgetEvent struct {
	at   time.Time
	good bool
}

type budgetMetrics struct {
	remaining *prometheus.GaugeVec
	burnRate  *prometheus.GaugeVec
}

func newBudgetMetrics(reg prometheus.Registerer) *budgetMetrics {
	return &budgetMetrics{
		remaining: metricsutil.GaugeVec(reg, prometheus.GaugeOpts{
			Name: "slo_error_budget_remaining_percentage",
			Help: "Remaining error budget as a percentage of total.",
		}, []string{"slo_name"}),
		burnRate: metricsutil.GaugeVec(reg, prometheus.GaugeOpts{
			Name: "slo_error_budget_burn_rate",
			Help: "Error budget burn rate over the budget's own window.",
		}, []string{"slo_name"}),
	}
}

// ErrorBudget tracks the tolerable rate of failure over a window as a
// deque of (timestamp, good) events bounded to that window.
//
// consumed is computed fresh from the currently retained events on
// every read as min(total, bad_events / max(1, total_events)) - the
// instantaneous bad-event ratio within the window, capped at total.
// This keeps EXHAUSTED absorbing only until the bad events that drove
// it age out of the window (property 4), and it makes burn_rate == 1
// coincide exactly with consumed == total (property 3): burn_rate(w)
// is (bad_in_w/total_in_w)/total, so at burn_rate 1 the observed ratio
// equals total and consumed saturates at total.
type ErrorBudget struct {
	sloName       string
	total         float64
	windowSeconds time.Duration
	warnBurn      float64
	criticalBurn  float64
	action        ExhaustionAction

	clk     clock.Clock
	logger  *zap.Logger
	metrics *budgetMetrics

	mu     sync.Mutex
	events []budgetEvent
}

// NewErrorBudget constructs a budget. total must be in (0,1]; warnBurn
// must be less than criticalBurn.
func NewErrorBudget(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger, sloName string, total float64, window time.Duration, warnBurn, criticalBurn float64, action ExhaustionAction) (*ErrorBudget, error) {
	if total <= 0 || total > 1 {
		return nil, cperrors.NewInvalidConfig("error budget total must be in (0,1]")
	}
	if window <= 0 {
		return nil, cperrors.NewInvalidConfig("error budget window must be positive")
	}
	if warnBurn <= 0 || criticalBurn <= warnBurn {
		return nil, cperrors.NewInvalidConfig("burn-rate critical threshold must exceed warn threshold")
	}
	if action == "" {
		action = ActionAlert
	}
	return &ErrorBudget{
		sloName:       sloName,
		total:         total,
		windowSeconds: window,
		warnBurn:      warnBurn,
		criticalBurn:  criticalBurn,
		action:        action,
		clk:           clk,
		logger:        logger.Named("errorbudget"),
		metrics:       newBudgetMetrics(reg),
	}, nil
}

// RecordEvent appends a (now, good) event and prunes expired ones.
func (b *ErrorBudget) RecordEvent(good bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	b.events = append(b.events, budgetEvent{at: now, good: good})
	b.pruneLocked(now)
	b.observeLocked()
}

func (b *ErrorBudget) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.windowSeconds)
	idx := 0
	for idx < len(b.events) && b.events[idx].at.Before(cutoff) {
		idx++
	}
	if idx > 0 {
		b.events = append([]budgetEvent(nil), b.events[idx:]...)
	}
}

// countsSince returns (bad, total) event counts within the last d,
// from the currently retained (already window-bounded) event deque.
func (b *ErrorBudget) countsSince(now time.Time, d time.Duration) (bad, total int) {
	cutoff := now.Add(-d)
	for _, e := range b.events {
		if e.at.Before(cutoff) {
			continue
		}
		total++
		if !e.good {
			bad++
		}
	}
	return bad, total
}

// Consumed returns the fraction of the budget consumed, in [0, total].
func (b *ErrorBudget) Consumed() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.clk.Now())
	return b.consumedLocked()
}

func (b *ErrorBudget) consumedLocked() float64 {
	bad, total := b.countsSince(b.clk.Now(), b.windowSeconds)
	if total == 0 {
		return 0
	}
	ratio := float64(bad) / float64(total)
	if ratio > b.total {
		return b.total
	}
	return ratio
}

// Remaining returns max(0, total - consumed).
func (b *ErrorBudget) Remaining() float64 {
	r := b.total - b.Consumed()
	if r < 0 {
		return 0
	}
	return r
}

// RemainingPercent returns 100*remaining/total.
func (b *ErrorBudget) RemainingPercent() float64 {
	if b.total <= 0 {
		return 0
	}
	return 100 * b.Remaining() / b.total
}

// IsExhausted reports whether remaining has reached zero.
func (b *ErrorBudget) IsExhausted() bool {
	return b.Remaining() <= 0 && b.hasData()
}

func (b *ErrorBudget) hasData() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.clk.Now())
	return len(b.events) > 0
}

// BurnRate computes the instantaneous ratio of observed failure rate
// to sustainable failure rate over the last subWindow.
func (b *ErrorBudget) BurnRate(subWindow time.Duration) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clk.Now()
	b.pruneLocked(now)
	bad, total := b.countsSince(now, subWindow)
	if total == 0 {
		return 0
	}
	observed := float64(bad) / float64(total)
	return observed / b.total
}

// MultiWindowBurnRates evaluates BurnRate over each of windows,
// supporting Google-style multi-window burn-rate alerting (e.g.
// 1h/6h/24h/72h) without requiring the caller to poll separately.
func (b *ErrorBudget) MultiWindowBurnRates(windows []time.Duration) map[time.Duration]float64 {
	out := make(map[time.Duration]float64, len(windows))
	for _, w := range windows {
		out[w] = b.BurnRate(w)
	}
	return out
}

// WarnFiring reports whether the full-window burn rate exceeds the
// warn threshold.
func (b *ErrorBudget) WarnFiring() bool {
	return b.BurnRate(b.windowSeconds) >= b.warnBurn
}

// CriticalFiring reports whether the full-window burn rate exceeds
// the critical threshold.
func (b *ErrorBudget) CriticalFiring() bool {
	return b.BurnRate(b.windowSeconds) >= b.criticalBurn
}

// ActionAllowed reports whether the named downstream action (e.g.
// "deploy") should proceed given the budget's current state. Deploy
// actions are disallowed once the budget is exhausted and the
// configured exhaustion action is FREEZE_DEPLOYMENTS; all other
// actions are always allowed - the budget only gates, it never
// performs the action.
func (b *ErrorBudget) ActionAllowed(action string) bool {
	if action != "deploy" {
		return true
	}
	if b.action != ActionFreezeDeployments {
		return true
	}
	return !b.IsExhausted()
}

// Action returns the configured exhaustion intent.
func (b *ErrorBudget) Action() ExhaustionAction { return b.action }

// Total returns the configured total budget fraction.
func (b *ErrorBudget) Total() float64 { return b.total }

// observeLocked pushes current remaining%/burn-rate to the metrics
// vectors. Caller must hold b.mu; must not call the locking public
// accessors (Consumed/Remaining/BurnRate) to avoid self-deadlock.
func (b *ErrorBudget) observeLocked() {
	consumed := b.consumedLocked()
	remaining := b.total - consumed
	if remaining < 0 {
		remaining = 0
	}
	var remainingPct float64
	if b.total > 0 {
		remainingPct = 100 * remaining / b.total
	}
	now := b.clk.Now()
	bad, total := b.countsSince(now, b.windowSeconds)
	var burnRate float64
	if total > 0 {
		burnRate = (float64(bad) / float64(total)) / b.total
	}

	labels := prometheus.Labels{"slo_name": b.sloName}
	b.metrics.remaining.With(labels).Set(remainingPct)
	b.metrics.burnRate.With(labels).Set(burnRate)
}
