// Package alerting fans alerts out to multiple channels with
// deduplication, minimum-severity filtering, and per-channel isolated,
// rate-limited, timeout-bounded delivery so one slow or failing
// channel never blocks the others.
package alerting

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/reliableagents/controlplane/internal/clock"
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

// Severity is the alert urgency scale.
type Severity string

const (
	Info     Severity = "INFO"
	Warn     Severity = "WARN"
	Critical Severity = "CRITICAL"
	Resolved Severity = "RESOLVED"
)

var severityRank = map[Severity]int{Info: 0, Warn: 1, Critical: 2, Resolved: 3}

func meetsMinSeverity(alertSeverity, minSeverity Severity) bool {
	if alertSeverity == Resolved {
		return true
	}
	return severityRank[alertSeverity] >= severityRank[minSeverity]
}

// Alert is one notification fanned out to channels.
type Alert struct {
	Title     string
	Message   string
	Severity  Severity
	Source    string
	AgentID   string
	SLOName   string
	Metadata  map[string]interface{}
	DedupKey  string
	Timestamp time.Time
}

// DeliveryResult is one channel's outcome for a single Deliver call.
type DeliveryResult struct {
	Channel  string
	Success  bool
	Err      error
	Duration time.Duration
}

// Channel is one configured alert destination.
type Channel interface {
	Name() string
	Kind() ChannelKind
	MinSeverity() Severity
	Send(ctx context.Context, alert Alert) error
}

// ChannelKind tags the supported destination types.
type ChannelKind string

const (
	Slack            ChannelKind = "SLACK"
	PagerDuty        ChannelKind = "PAGERDUTY"
	Opsgenie         ChannelKind = "OPSGENIE"
	Teams            ChannelKind = "TEAMS"
	GenericWebhook   ChannelKind = "GENERIC_WEBHOOK"
	InProcessCallback ChannelKind = "IN_PROCESS_CALLBACK"
)

type metrics struct {
	delivered   *prometheus.CounterVec
	suppressed  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "alerting_delivered_total",
			Help: "Alerts delivered, by channel and outcome.",
		}, []string{"channel", "success"}),
		suppressed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "alerting_suppressed_total",
			Help: "Alerts suppressed as duplicates within the dedup window.",
		}, []string{}),
	}
}

// Manager fans alerts out to registered channels.
type Manager struct {
	channels       []Channel
	dedup          DedupStore
	dedupWindow    time.Duration
	channelTimeout time.Duration
	limiters       map[string]*rate.Limiter
	store          Store

	clk     clock.Clock
	logger  *zap.Logger
	metrics *metrics
}

// Config tunes dedup window, per-channel delivery timeout, and the
// per-channel token-bucket rate limit applied before every send.
type Config struct {
	DedupWindow    time.Duration
	ChannelTimeout time.Duration
	RatePerSecond  float64
	RateBurst      int
}

// New constructs a Manager. dedup defaults to an in-memory store if nil.
func New(reg prometheus.Registerer, clk clock.Clock, logger *zap.Logger, cfg Config, dedup DedupStore, store Store, channels ...Channel) *Manager {
	if dedup == nil {
		dedup = NewMemoryDedupStore(clk)
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 300 * time.Second
	}
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = 5 * time.Second
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 5
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	limiters := make(map[string]*rate.Limiter, len(channels))
	for _, ch := range channels {
		limiters[ch.Name()] = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}

	return &Manager{
		channels:       channels,
		dedup:          dedup,
		dedupWindow:    cfg.DedupWindow,
		channelTimeout: cfg.ChannelTimeout,
		limiters:       limiters,
		store:          store,
		clk:            clk,
		logger:         logger.Named("alerting"),
		metrics:        newMetrics(reg),
	}
}

// Deliver fans alert out to every channel whose MinSeverity the
// alert's severity meets, after deduplication. Per-channel failures
// are recorded on that channel's DeliveryResult and never fail the
// call or block other channels.
func (m *Manager) Deliver(ctx context.Context, alert Alert) ([]DeliveryResult, error) {
	if alert.DedupKey != "" {
		seen, err := m.dedup.SeenRecently(ctx, alert.DedupKey, m.dedupWindow)
		if err != nil {
			return nil, cperrors.Wrap(err, "dedup store check failed")
		}
		if seen {
			m.metrics.suppressed.With(prometheus.Labels{}).Inc()
			return nil, nil
		}
		if err := m.dedup.Mark(ctx, alert.DedupKey, m.dedupWindow); err != nil {
			m.logger.Warn("dedup store mark failed", zap.Error(err))
		}
	}

	var targets []Channel
	for _, ch := range m.channels {
		if meetsMinSeverity(alert.Severity, ch.MinSeverity()) {
			targets = append(targets, ch)
		}
	}

	results := make([]DeliveryResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, ch := range targets {
		i, ch := i, ch
		g.Go(func() error {
			results[i] = m.deliverOne(gctx, ch, alert)
			return nil
		})
	}
	_ = g.Wait() // per-channel errors are carried in results, never propagated

	if m.store != nil {
		if err := m.store.Append(alert); err != nil {
			m.logger.Warn("alert store append failed", zap.Error(err))
		}
	}

	return results, nil
}

func (m *Manager) deliverOne(ctx context.Context, ch Channel, alert Alert) DeliveryResult {
	start := m.clk.Now()
	if limiter, ok := m.limiters[ch.Name()]; ok {
		if err := limiter.Wait(ctx); err != nil {
			return DeliveryResult{Channel: ch.Name(), Success: false, Err: cperrors.NewDeliveryFailed(ch.Name(), err)}
		}
	}

	sendCtx, cancel := context.WithTimeout(ctx, m.channelTimeout)
	defer cancel()

	err := ch.Send(sendCtx, alert)
	duration := m.clk.Now().Sub(start)
	success := err == nil
	m.metrics.delivered.With(prometheus.Labels{"channel": ch.Name(), "success": fmt.Sprintf("%t", success)}).Inc()
	if err != nil {
		return DeliveryResult{Channel: ch.Name(), Success: false, Err: cperrors.NewDeliveryFailed(ch.Name(), err), Duration: duration}
	}
	return DeliveryResult{Channel: ch.Name(), Success: true, Duration: duration}
}
