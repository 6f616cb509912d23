package breaker

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/signal"
)

// CascadeDetector watches a Registry and reports when the number of
// simultaneously OPEN breakers reaches a configured threshold,
// suggesting a correlated, fleet-wide failure rather than one
// misbehaving agent.
type CascadeDetector struct {
	registry  *Registry
	threshold int
	clk       clock.Clock
	logger    *zap.Logger
	signals   chan<- signal.Signal

	mu        sync.Mutex
	inCascade bool
}

// NewCascadeDetector constructs a detector over registry.
func NewCascadeDetector(registry *Registry, threshold int, clk clock.Clock, logger *zap.Logger, signals chan<- signal.Signal) *CascadeDetector {
	return &CascadeDetector{
		registry:  registry,
		threshold: threshold,
		clk:       clk,
		logger:    logger.Named("cascade"),
		signals:   signals,
	}
}

// OpenCount returns how many watched breakers are currently OPEN.
func (c *CascadeDetector) OpenCount() int {
	count := 0
	for _, b := range c.registry.All() {
		if b.State() == Open {
			count++
		}
	}
	return count
}

// CascadeDetected reports whether OpenCount has reached the
// configured threshold, emitting a CIRCUIT_CASCADE signal on the
// transition into cascade.
func (c *CascadeDetector) CascadeDetected() bool {
	open := c.OpenCount()
	detected := open >= c.threshold
	c.mu.Lock()
	entering := detected && !c.inCascade
	c.inCascade = detected
	c.mu.Unlock()
	if entering {
		c.emit(open)
	}
	return detected
}

func (c *CascadeDetector) emit(openCount int) {
	if c.signals == nil {
		return
	}
	sig := signal.Signal{
		Kind:      signal.CircuitCascade,
		Severity:  signal.P1,
		Message:   fmt.Sprintf("%d breakers open simultaneously (threshold %d)", openCount, c.threshold),
		Metadata:  map[string]interface{}{"open_count": openCount},
		Timestamp: c.clk.Now(),
		DedupKey:  "circuit_cascade",
	}
	select {
	case c.signals <- sig:
	default:
		c.logger.Warn("cascade signal dropped: egress channel full")
	}
}
