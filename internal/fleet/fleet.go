// Package fleet registers fleet agents, tracks heartbeats and
// per-agent event counters, and rolls individual health up into fleet
// status.
package fleet

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/reliableagents/controlplane/internal/clock"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// Health is an individual agent's rolled-up health classification.
type Health string

const (
	Healthy      Health = "HEALTHY"
	Degraded     Health = "DEGRADED"
	Unresponsive Health = "UNRESPONSIVE"
)

// Config tunes the thresholds used to derive agent health.
type Config struct {
	HeartbeatStaleAfter time.Duration
	DegradedSuccessRate float64
}

// DefaultConfig matches the control plane's documented defaults.
func DefaultConfig() Config {
	return Config{HeartbeatStaleAfter: 90 * time.Second, DegradedSuccessRate: 0.90}
}

// Agent is one registered fleet member: its tags, heartbeat
// freshness, and recent event counters.
type Agent struct {
	AgentID string
	Tags    []string
	SLOName string

	mu            sync.Mutex
	lastHeartbeat time.Time
	successCount  int64
	failureCount  int64
	totalLatency  time.Duration
	latencyCount  int64
	totalCost     float64
}

func newAgent(agentID string, tags []string, sloName string, now time.Time) *Agent {
	return &Agent{AgentID: agentID, Tags: append([]string(nil), tags...), SLOName: sloName, lastHeartbeat: now}
}

func (a *Agent) heartbeat(now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastHeartbeat = now
}

func (a *Agent) recordEvent(success bool, latencyMs *float64, costUSD *float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if success {
		a.successCount++
	} else {
		a.failureCount++
	}
	if latencyMs != nil {
		a.totalLatency += time.Duration(*latencyMs * float64(time.Millisecond))
		a.latencyCount++
	}
	if costUSD != nil {
		a.totalCost += *costUSD
	}
}

// SuccessRate returns the agent's recorded success fraction, or
// (0, false) if no events have been recorded yet.
func (a *Agent) SuccessRate() (float64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := a.successCount + a.failureCount
	if total == 0 {
		return 0, false
	}
	return float64(a.successCount) / float64(total), true
}

// LastHeartbeat returns the timestamp of the agent's most recent heartbeat.
func (a *Agent) LastHeartbeat() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastHeartbeat
}

type metrics struct {
	registered prometheus.Gauge
	health     *prometheus.GaugeVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		registered: f.NewGauge(prometheus.GaugeOpts{
			Name: "fleet_agents_registered",
			Help: "Number of agents currently registered.",
		}),
		health: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fleet_agents_by_health",
			Help: "Number of agents in each health classification.",
		}, []string{"health"}),
	}
}

// Registry tracks all fleet agents.
type Registry struct {
	clk     clock.Clock
	cfg     Config
	metrics *metrics

	mu     sync.RWMutex
	agents map[string]*Agent
}

// New constructs an empty Registry.
func New(reg prometheus.Registerer, clk clock.Clock, cfg Config) *Registry {
	if cfg.HeartbeatStaleAfter <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{clk: clk, cfg: cfg, metrics: newMetrics(reg), agents: make(map[string]*Agent)}
}

// Register inserts a new agent, or, if the agent_id is already
// registered, replaces its tags/SLO reference and returns it.
func (r *Registry) Register(agentID string, tags []string, sloName string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.agents[agentID]; ok {
		existing.mu.Lock()
		existing.Tags = append([]string(nil), tags...)
		existing.SLOName = sloName
		existing.mu.Unlock()
		return existing
	}
	agent := newAgent(agentID, tags, sloName, r.clk.Now())
	r.agents[agentID] = agent
	r.metrics.registered.Set(float64(len(r.agents)))
	return agent
}

// Heartbeat stamps freshness for agentID.
func (r *Registry) Heartbeat(agentID string) error {
	agent, err := r.get(agentID)
	if err != nil {
		return err
	}
	agent.heartbeat(r.clk.Now())
	return nil
}

// RecordEvent updates agentID's per-agent counters.
func (r *Registry) RecordEvent(agentID string, success bool, latencyMs *float64, costUSD *float64) error {
	agent, err := r.get(agentID)
	if err != nil {
		return err
	}
	agent.recordEvent(success, latencyMs, costUSD)
	return nil
}

func (r *Registry) get(agentID string) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, cperrors.New(cperrors.InvalidConfig, "unknown fleet agent", agentID)
	}
	return agent, nil
}

// AgentHealth returns agentID's health classification.
func (r *Registry) AgentHealth(agentID string) (Health, error) {
	agent, err := r.get(agentID)
	if err != nil {
		return "", err
	}
	return r.healthOf(agent), nil
}

func (r *Registry) healthOf(agent *Agent) Health {
	if r.clk.Now().Sub(agent.LastHeartbeat()) >= r.cfg.HeartbeatStaleAfter {
		return Unresponsive
	}
	if rate, ok := agent.SuccessRate(); ok && rate < r.cfg.DegradedSuccessRate {
		return Degraded
	}
	return Healthy
}

// Status is the fleet-wide health rollup.
type Status struct {
	Total        int
	Healthy      int
	Degraded     int
	Unresponsive int
	ByTag        map[string]TagStatus
}

// TagStatus is the rollup restricted to agents carrying one tag.
type TagStatus struct {
	Total        int
	Healthy      int
	Degraded     int
	Unresponsive int
}

// Status aggregates total/healthy/degraded/unresponsive counts across
// the fleet, plus an optional per-tag rollup.
func (r *Registry) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status := Status{ByTag: make(map[string]TagStatus)}
	for _, agent := range r.agents {
		h := r.healthOf(agent)
		status.Total++
		bump(&status.Healthy, &status.Degraded, &status.Unresponsive, h)

		agent.mu.Lock()
		tags := append([]string(nil), agent.Tags...)
		agent.mu.Unlock()
		for _, tag := range tags {
			ts := status.ByTag[tag]
			ts.Total++
			bump(&ts.Healthy, &ts.Degraded, &ts.Unresponsive, h)
			status.ByTag[tag] = ts
		}
	}

	r.metrics.health.With(prometheus.Labels{"health": string(Healthy)}).Set(float64(status.Healthy))
	r.metrics.health.With(prometheus.Labels{"health": string(Degraded)}).Set(float64(status.Degraded))
	r.metrics.health.With(prometheus.Labels{"health": string(Unresponsive)}).Set(float64(status.Unresponsive))

	return status
}

func bump(healthy, degraded, unresponsive *int, h Health) {
	switch h {
	case Healthy:
		*healthy++
	case Degraded:
		*degraded++
	case Unresponsive:
		*unresponsive++
	}
}
