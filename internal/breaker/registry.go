package breaker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
)

// Registry constructs and owns one Breaker per agent, sharing a
// single Config and one agent_id-labeled metric vector across every
// breaker it constructs.
type Registry struct {
	clk     clock.Clock
	logger  *zap.Logger
	cfg     Config
	metrics *metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry constructs a breaker registry. The metric vector is
// registered against reg exactly once, here, regardless of how many
// agents later call Get.
func NewRegistry(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger, cfg Config) *Registry {
	return &Registry{
		clk:      clk,
		logger:   logger,
		cfg:      cfg,
		metrics:  newMetrics(reg),
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the named agent's breaker, constructing it on first use.
func (r *Registry) Get(agentID string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[agentID]; ok {
		return b
	}
	b := newWithMetrics(r.metrics, r.clk, r.logger, agentID, r.cfg)
	r.breakers[agentID] = b
	return b
}

// All returns a snapshot of every breaker constructed so far.
func (r *Registry) All() map[string]*Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*Breaker, len(r.breakers))
	for k, v := range r.breakers {
		out[k] = v
	}
	return out
}
