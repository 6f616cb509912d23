// Package costguard enforces hierarchical cost budgets - per-task,
// per-agent-daily, org-monthly - with throttle/kill escalation and
// three advisory anomaly detectors over each agent's recent spend.
package costguard

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/signal"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// ReasonCode is the closed set of reasons check_task can return.
type ReasonCode string

const (
	OK            ReasonCode = "OK"
	Killed        ReasonCode = "KILLED"
	PerTaskLimit  ReasonCode = "PER_TASK_LIMIT"
	DailyLimit    ReasonCode = "DAILY_LIMIT"
	OrgBudget     ReasonCode = "ORG_BUDGET"
	ThrottledOnly ReasonCode = "THROTTLED_ONLY"
)

// AlertKind identifies what triggered a CostAlert.
type AlertKind string

const (
	AlertAnomalyZScore      AlertKind = "ANOMALY_ZSCORE"
	AlertAnomalyIQR         AlertKind = "ANOMALY_IQR"
	AlertAnomalyEWMA        AlertKind = "ANOMALY_EWMA"
	AlertThresholdCrossing  AlertKind = "THRESHOLD_CROSSING"
	AlertKillSwitch         AlertKind = "KILL"
)

// Severity is a three-level advisory severity.
type Severity string

const (
	Info     Severity = "INFO"
	Warn     Severity = "WARN"
	CritSev  Severity = "CRITICAL"
)

// CostAlert is emitted by record_cost for each triggered detector or
// threshold crossing.
type CostAlert struct {
	Kind     AlertKind
	Severity Severity
	AgentID  string
	Message  string
	Value    float64
}

// CostRecord is one recorded spend event.
type CostRecord struct {
	AgentID    string
	TaskID     string
	USD        float64
	Timestamp  time.Time
	Breakdown  map[string]float64
}

// AgentBudget holds one agent's budget state.
type AgentBudget struct {
	PerTaskLimit float64
	DailyLimit   float64

	mu                sync.Mutex
	spentToday        float64
	recentCosts       []float64
	throttled         bool
	killed            bool
	crossedThresholds map[float64]bool
	lastResetDay      int // day-of-year the daily counters were last reset for
	lastResetYear     int
}

const maxRecentCosts = 200

func newAgentBudget(perTaskLimit, dailyLimit float64, now time.Time) *AgentBudget {
	return &AgentBudget{
		PerTaskLimit:      perTaskLimit,
		DailyLimit:        dailyLimit,
		crossedThresholds: make(map[float64]bool),
		lastResetDay:      now.YearDay(),
		lastResetYear:     now.Year(),
	}
}

// OrgBudget aggregates process-wide monthly spend.
type OrgBudget struct {
	MonthlyLimit float64

	mu          sync.Mutex
	spentMonth  float64
	lastMonth   time.Month
	lastYear    int
}

func newOrgBudget(monthlyLimit float64, now time.Time) *OrgBudget {
	return &OrgBudget{MonthlyLimit: monthlyLimit, lastMonth: now.Month(), lastYear: now.Year()}
}

func (o *OrgBudget) rolloverLocked(now time.Time) {
	if now.Month() != o.lastMonth || now.Year() != o.lastYear {
		o.spentMonth = 0
		o.lastMonth = now.Month()
		o.lastYear = now.Year()
	}
}

// Config holds the thresholds the guard applies across all agents.
type Config struct {
	ThrottleThreshold   float64
	KillSwitchThreshold float64
	AlertThresholds     []float64
	AnomalyZScore       float64
	AnomalyMinSamples   int
	AnomalyEWMAK        float64
}

// DefaultConfig matches the documented defaults: throttle at 85%,
// kill at 95%, threshold alerts at 50/75/90/95%, z-score 3 over >=30
// samples, EWMA k=3.
func DefaultConfig() Config {
	return Config{
		ThrottleThreshold:   0.85,
		KillSwitchThreshold: 0.95,
		AlertThresholds:     []float64{0.50, 0.75, 0.90, 0.95},
		AnomalyZScore:       3.0,
		AnomalyMinSamples:   30,
		AnomalyEWMAK:        3.0,
	}
}

type metrics struct {
	spentToday *prometheus.GaugeVec
	killed     *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		spentToday: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "costguard_agent_spent_today_usd",
			Help: "Agent spend so far today in USD.",
		}, []string{"agent_id"}),
		killed: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "costguard_agent_killed",
			Help: "1 if the agent's kill switch has tripped, else 0.",
		}, []string{"agent_id"}),
	}
}

// Guard is the cost enforcement engine.
type Guard struct {
	cfg     Config
	org     *OrgBudget
	clk     clock.Clock
	logger  *zap.Logger
	metrics *metrics
	signals chan<- signal.Signal

	mu     sync.RWMutex
	agents map[string]*AgentBudget
}

// New constructs a Guard with a process-wide monthly org budget.
func New(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger, cfg Config, orgMonthlyLimit float64, signals chan<- signal.Signal) *Guard {
	return &Guard{
		cfg:     cfg,
		org:     newOrgBudget(orgMonthlyLimit, clk.Now()),
		clk:     clk,
		logger:  logger.Named("costguard"),
		metrics: newMetrics(reg),
		signals: signals,
		agents:  make(map[string]*AgentBudget),
	}
}

// RegisterAgent installs per-task/daily limits for agentID. Calling it
// again replaces the limits but preserves accumulated spend.
func (g *Guard) RegisterAgent(agentID string, perTaskLimit, dailyLimit float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.agents[agentID]; ok {
		existing.PerTaskLimit = perTaskLimit
		existing.DailyLimit = dailyLimit
		return
	}
	g.agents[agentID] = newAgentBudget(perTaskLimit, dailyLimit, g.clk.Now())
}

func (g *Guard) agent(agentID string) (*AgentBudget, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ab, ok := g.agents[agentID]
	if !ok {
		return nil, cperrors.NewInvalidConfig(fmt.Sprintf("agent %q is not registered with the cost guard", agentID))
	}
	return ab, nil
}

func (ab *AgentBudget) maybeResetDailyLocked(now time.Time) {
	if now.YearDay() != ab.lastResetDay || now.Year() != ab.lastResetYear {
		ab.spentToday = 0
		ab.throttled = false
		ab.killed = false
		ab.crossedThresholds = make(map[float64]bool)
		ab.lastResetDay = now.YearDay()
		ab.lastResetYear = now.Year()
	}
}

// ResetDaily explicitly zeroes an agent's daily counters, as if a new
// day had started.
func (g *Guard) ResetDaily(agentID string) error {
	ab, err := g.agent(agentID)
	if err != nil {
		return err
	}
	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.spentToday = 0
	ab.throttled = false
	ab.killed = false
	ab.crossedThresholds = make(map[float64]bool)
	now := g.clk.Now()
	ab.lastResetDay = now.YearDay()
	ab.lastResetYear = now.Year()
	return nil
}

// CheckTask evaluates whether a task of estimatedCost may proceed for
// agentID, in the order: killed, per-task limit, daily limit, org
// budget, then throttle advisory.
func (g *Guard) CheckTask(agentID string, estimatedCost float64) (bool, ReasonCode, error) {
	ab, err := g.agent(agentID)
	if err != nil {
		return false, "", err
	}
	now := g.clk.Now()

	ab.mu.Lock()
	defer ab.mu.Unlock()
	ab.maybeResetDailyLocked(now)

	if ab.killed {
		return false, Killed, nil
	}
	if estimatedCost > ab.PerTaskLimit {
		return false, PerTaskLimit, nil
	}
	if ab.DailyLimit > 0 && ab.spentToday+estimatedCost > ab.DailyLimit {
		return false, DailyLimit, nil
	}

	g.org.mu.Lock()
	g.org.rolloverLocked(now)
	orgWouldExceed := g.org.MonthlyLimit > 0 && g.org.spentMonth+estimatedCost > g.org.MonthlyLimit
	g.org.mu.Unlock()
	if orgWouldExceed {
		return false, OrgBudget, nil
	}

	if ab.DailyLimit > 0 {
		utilization := (ab.spentToday + estimatedCost) / ab.DailyLimit
		if utilization >= g.cfg.ThrottleThreshold {
			ab.throttled = true
			return true, ThrottledOnly, nil
		}
	}
	return true, OK, nil
}

// RecordCost appends a spend record, updates daily/monthly totals,
// evaluates anomaly detectors and threshold crossings, and escalates
// to the kill switch when utilization reaches the configured
// threshold.
func (g *Guard) RecordCost(agentID, taskID string, usd float64, breakdown map[string]float64) ([]CostAlert, error) {
	ab, err := g.agent(agentID)
	if err != nil {
		return nil, err
	}
	now := g.clk.Now()

	ab.mu.Lock()
	ab.maybeResetDailyLocked(now)
	ab.spentToday += usd
	ab.recentCosts = append(ab.recentCosts, usd)
	if len(ab.recentCosts) > maxRecentCosts {
		ab.recentCosts = ab.recentCosts[len(ab.recentCosts)-maxRecentCosts:]
	}
	recent := append([]float64(nil), ab.recentCosts...)
	spentToday := ab.spentToday
	dailyLimit := ab.DailyLimit
	ab.mu.Unlock()

	g.org.mu.Lock()
	g.org.rolloverLocked(now)
	g.org.spentMonth += usd
	g.org.mu.Unlock()

	var alerts []CostAlert
	for _, a := range detectAnomalies(recent, g.cfg, agentID) {
		alerts = append(alerts, a)
	}

	if dailyLimit > 0 {
		utilization := spentToday / dailyLimit

		ab.mu.Lock()
		for _, threshold := range g.cfg.AlertThresholds {
			if utilization >= threshold && !ab.crossedThresholds[threshold] {
				ab.crossedThresholds[threshold] = true
				alerts = append(alerts, CostAlert{
					Kind:     AlertThresholdCrossing,
					Severity: severityForUtilization(utilization, g.cfg),
					AgentID:  agentID,
					Message:  fmt.Sprintf("agent %s crossed %.0f%% of daily budget", agentID, threshold*100),
					Value:    utilization,
				})
			}
		}
		killNow := utilization >= g.cfg.KillSwitchThreshold && !ab.killed
		if killNow {
			ab.killed = true
		}
		isKilled := ab.killed
		ab.mu.Unlock()

		if killNow {
			alerts = append(alerts, CostAlert{
				Kind:     AlertKillSwitch,
				Severity: CritSev,
				AgentID:  agentID,
				Message:  fmt.Sprintf("agent %s kill switch tripped at %.1f%% utilization", agentID, utilization*100),
				Value:    utilization,
			})
			g.emit(agentID, fmt.Sprintf("kill switch tripped at %.1f%% utilization", utilization*100))
		}

		g.metrics.spentToday.With(prometheus.Labels{"agent_id": agentID}).Set(spentToday)
		killedVal := 0.0
		if isKilled {
			killedVal = 1.0
		}
		g.metrics.killed.With(prometheus.Labels{"agent_id": agentID}).Set(killedVal)
	}

	return alerts, nil
}

func (g *Guard) emit(agentID, message string) {
	if g.signals == nil {
		return
	}
	sig := signal.Signal{
		Kind:        signal.CostAnomaly,
		SourceAgent: agentID,
		Severity:    signal.P2,
		Message:     message,
		Timestamp:   g.clk.Now(),
		DedupKey:    fmt.Sprintf("%s:cost_guard:kill", agentID),
	}
	select {
	case g.signals <- sig:
	default:
		g.logger.Warn("cost guard signal dropped: egress channel full", zap.String("agent_id", agentID))
	}
}

func severityForUtilization(utilization float64, cfg Config) Severity {
	switch {
	case utilization >= cfg.KillSwitchThreshold:
		return CritSev
	case utilization >= cfg.ThrottleThreshold:
		return Warn
	default:
		return Info
	}
}
