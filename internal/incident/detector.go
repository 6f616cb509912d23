package incident

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/signal"
)

// ResponseFunc is an automated response invoked with the incident it
// fired for.
type ResponseFunc func(incident *Incident)

// Detector maintains a sliding correlation window and the named
// string -> callback table of automated responses. Callers register
// callbacks and per-kind response names once at startup. The names are
// stored as given and looked up in the callback table on each ingest;
// a name with no registered callback is logged and skipped.
type Detector struct {
	correlationWindow time.Duration
	clk               clock.Clock
	logger            *zap.Logger

	mu        sync.Mutex
	open      []*Incident
	callbacks map[string]ResponseFunc
	byKind    map[signal.Kind][]string
}

// New constructs a Detector with the given correlation window
// (default 300s if non-positive).
func New(clk clock.Clock, logger *zap.Logger, correlationWindow time.Duration) *Detector {
	if correlationWindow <= 0 {
		correlationWindow = 300 * time.Second
	}
	return &Detector{
		correlationWindow: correlationWindow,
		clk:               clk,
		logger:            logger.Named("incident"),
		callbacks:         make(map[string]ResponseFunc),
		byKind:            make(map[signal.Kind][]string),
	}
}

// RegisterResponse installs a named callback. Typical names:
// "auto_rollback", "notify_oncall", "throttle_agent".
func (d *Detector) RegisterResponse(name string, fn ResponseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks[name] = fn
}

// SetAutomatedResponses configures which named responses fire when a
// signal of the given kind opens or extends an incident.
func (d *Detector) SetAutomatedResponses(kind signal.Kind, names []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byKind[kind] = append([]string(nil), names...)
}

// OpenIncidents returns a snapshot of currently open (non-resolved)
// incidents.
func (d *Detector) OpenIncidents() []*Incident {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Incident, 0, len(d.open))
	out = append(out, d.open...)
	return out
}

func dedupPrefix(key string) string {
	if idx := strings.IndexByte(key, ':'); idx >= 0 {
		return key[:idx]
	}
	return key
}

// IngestSignal correlates sig into an existing open incident, opens a
// new one, or drops sig as a duplicate within the correlation window.
// The second return value is false when sig was dropped as a dup.
func (d *Detector) IngestSignal(sig signal.Signal) (*Incident, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.Now()
	d.pruneResolvedLocked()

	if sig.DedupKey != "" {
		if existing := d.findDedupMatchLocked(sig, now); existing != nil {
			return existing, false
		}
	}

	if existing := d.findCorrelatedLocked(sig, now); existing != nil {
		existing.mu.Lock()
		existing.appendSignalLocked(sig, now)
		existing.escalateLocked(severityFor(sig))
		existing.mu.Unlock()
		d.runResponsesLocked(sig, existing)
		return existing, true
	}

	id := uuid.NewString()
	inc := newIncident(id, titleFor(sig), severityFor(sig), now)
	inc.mu.Lock()
	inc.appendSignalLocked(sig, now)
	inc.mu.Unlock()
	d.open = append(d.open, inc)
	d.runResponsesLocked(sig, inc)
	return inc, true
}

func (d *Detector) pruneResolvedLocked() {
	kept := d.open[:0]
	for _, inc := range d.open {
		if inc.State() != StateResolved {
			kept = append(kept, inc)
		}
	}
	d.open = kept
}

func (d *Detector) findDedupMatchLocked(sig signal.Signal, now time.Time) *Incident {
	for _, inc := range d.open {
		for _, entry := range inc.Timeline() {
			if entry.Signal == nil {
				continue
			}
			if entry.Signal.DedupKey == sig.DedupKey && now.Sub(entry.Timestamp) <= d.correlationWindow {
				return inc
			}
		}
	}
	return nil
}

func (d *Detector) findCorrelatedLocked(sig signal.Signal, now time.Time) *Incident {
	prefix := dedupPrefix(sig.DedupKey)
	for _, inc := range d.open {
		for _, entry := range inc.Timeline() {
			if entry.Signal == nil {
				continue
			}
			if now.Sub(entry.Timestamp) > d.correlationWindow {
				continue
			}
			if sig.SourceAgent != "" && entry.Signal.SourceAgent == sig.SourceAgent {
				return inc
			}
			if prefix != "" && dedupPrefix(entry.Signal.DedupKey) == prefix {
				return inc
			}
		}
	}
	return nil
}

func (d *Detector) runResponsesLocked(sig signal.Signal, inc *Incident) {
	names := d.byKind[sig.Kind]
	for _, name := range names {
		fn, ok := d.callbacks[name]
		if !ok {
			d.logger.Warn("automated response not registered", zap.String("name", name))
			continue
		}
		inc.AutomatedResponses = append(inc.AutomatedResponses, name)
		fn(inc)
	}
}

func severityFor(sig signal.Signal) signal.Severity {
	var def signal.Severity
	switch sig.Kind {
	case signal.SLOBreach:
		def = signal.P2
	case signal.ErrorBudgetExhausted:
		def = signal.P1
	case signal.CostAnomaly:
		def = signal.P2
	case signal.PolicyViolation:
		def = signal.P2
		if safety, ok := sig.Metadata["safety_class"].(bool); ok && safety {
			def = signal.P1
		}
	case signal.TrustRevocation:
		def = signal.P1
	default:
		def = signal.P3
	}
	if sig.Severity != "" && signal.MoreSevere(sig.Severity, def) {
		return sig.Severity
	}
	return def
}

func titleFor(sig signal.Signal) string {
	if sig.Message != "" {
		return sig.Message
	}
	return fmt.Sprintf("%s on %s", sig.Kind, sig.SourceAgent)
}
