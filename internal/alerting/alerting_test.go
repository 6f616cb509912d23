package alerting_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/alerting"
	"github.com/reliableagents/controlplane/internal/clock"
)

type fakeChannel struct {
	name        string
	minSeverity alerting.Severity
	fail        bool
	mu          sync.Mutex
	received    []alerting.Alert
}

func (c *fakeChannel) Name() string                    { return c.name }
func (c *fakeChannel) Kind() alerting.ChannelKind        { return alerting.InProcessCallback }
func (c *fakeChannel) MinSeverity() alerting.Severity    { return c.minSeverity }
func (c *fakeChannel) Send(_ context.Context, alert alerting.Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("boom")
	}
	c.received = append(c.received, alert)
	return nil
}
func (c *fakeChannel) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

type ManagerSuite struct {
	suite.Suite
	clk    *clock.Fake
	logger *zap.Logger
	reg    *prometheus.Registry
}

func TestManagerSuite(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

func (s *ManagerSuite) SetupTest() {
	s.clk = clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.logger = zap.NewNop()
	s.reg = prometheus.NewRegistry()
}

// Property 7: identical dedup keys within the window suppress repeat
// deliveries; the manager never errors on a suppressed alert, it just
// delivers nothing.
func (s *ManagerSuite) TestDedup_SuppressesRepeatWithinWindow() {
	ch := &fakeChannel{name: "chan-1", minSeverity: alerting.Info}
	mgr := alerting.New(s.reg, s.clk, s.logger, alerting.Config{DedupWindow: 60 * time.Second}, nil, nil, ch)

	alert := alerting.Alert{Title: "t", Severity: alerting.Warn, DedupKey: "agent-1:slo:WARN", Timestamp: s.clk.Now()}

	results, err := mgr.Deliver(context.Background(), alert)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.True(results[0].Success)

	results, err = mgr.Deliver(context.Background(), alert)
	s.Require().NoError(err)
	s.Empty(results)
	s.Equal(1, ch.count())

	s.clk.Advance(61 * time.Second)
	results, err = mgr.Deliver(context.Background(), alert)
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal(2, ch.count())
}

func (s *ManagerSuite) TestMinSeverity_FiltersChannelsIndependently() {
	low := &fakeChannel{name: "low", minSeverity: alerting.Info}
	high := &fakeChannel{name: "high", minSeverity: alerting.Critical}
	mgr := alerting.New(s.reg, s.clk, s.logger, alerting.Config{}, nil, nil, low, high)

	results, err := mgr.Deliver(context.Background(), alerting.Alert{
		Title: "warn-only", Severity: alerting.Warn, Timestamp: s.clk.Now(),
	})
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.Equal("low", results[0].Channel)
	s.Equal(1, low.count())
	s.Equal(0, high.count())
}

func (s *ManagerSuite) TestChannelIsolation_OneFailureDoesNotBlockOthers() {
	failing := &fakeChannel{name: "failing", minSeverity: alerting.Info, fail: true}
	ok := &fakeChannel{name: "ok", minSeverity: alerting.Info}
	mgr := alerting.New(s.reg, s.clk, s.logger, alerting.Config{}, nil, nil, failing, ok)

	results, err := mgr.Deliver(context.Background(), alerting.Alert{
		Title: "x", Severity: alerting.Critical, Timestamp: s.clk.Now(),
	})
	s.Require().NoError(err)
	s.Require().Len(results, 2)

	byChannel := make(map[string]alerting.DeliveryResult, len(results))
	for _, r := range results {
		byChannel[r.Channel] = r
	}
	s.False(byChannel["failing"].Success)
	s.Error(byChannel["failing"].Err)
	s.True(byChannel["ok"].Success)
}

func (s *ManagerSuite) TestResolvedSeverity_AlwaysMeetsMinSeverityFilter() {
	critOnly := &fakeChannel{name: "crit-only", minSeverity: alerting.Critical}
	mgr := alerting.New(s.reg, s.clk, s.logger, alerting.Config{}, nil, nil, critOnly)

	results, err := mgr.Deliver(context.Background(), alerting.Alert{
		Title: "recovered", Severity: alerting.Resolved, Timestamp: s.clk.Now(),
	})
	s.Require().NoError(err)
	s.Require().Len(results, 1)
	s.True(results[0].Success)
}

func (s *ManagerSuite) TestStore_RecordsDeliveredAlerts() {
	store := alerting.NewMemoryStore()
	ch := &fakeChannel{name: "chan", minSeverity: alerting.Info}
	mgr := alerting.New(s.reg, s.clk, s.logger, alerting.Config{}, nil, store, ch)

	_, err := mgr.Deliver(context.Background(), alerting.Alert{Title: "a", Severity: alerting.Warn, Timestamp: s.clk.Now()})
	s.Require().NoError(err)
	s.Require().Len(store.All(), 1)
	s.Equal("a", store.All()[0].Title)
}
