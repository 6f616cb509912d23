package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/breaker"
	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/signal"
)

type RegistrySuite struct {
	suite.Suite
	reg    *prometheus.Registry
	clk    *clock.Fake
	logger *zap.Logger
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.reg = prometheus.NewRegistry()
	s.clk = clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.logger = zap.NewNop()
}

func (s *RegistrySuite) TestGet_MultipleAgentsShareOneMetricVectorWithoutDuplicateRegistration() {
	cfg := breaker.DefaultConfig()
	r := breaker.NewRegistry(s.reg, s.clk, s.logger, cfg)

	s.NotPanics(func() {
		r.Get("agent-1")
		r.Get("agent-2")
		r.Get("agent-3")
	})

	all := r.All()
	s.Len(all, 3)
}

func (s *RegistrySuite) TestGet_SameAgentIDReturnsSameBreaker() {
	r := breaker.NewRegistry(s.reg, s.clk, s.logger, breaker.DefaultConfig())
	a := r.Get("agent-1")
	b := r.Get("agent-1")
	s.Same(a, b)
}

func (s *RegistrySuite) TestCascadeDetector_DetectsAtThresholdAndEmitsSignal() {
	cfg := breaker.Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, HalfOpenMaxTrials: 1}
	r := breaker.NewRegistry(s.reg, s.clk, s.logger, cfg)
	signals := make(chan signal.Signal, 4)
	detector := breaker.NewCascadeDetector(r, 2, s.clk, s.logger, signals)

	a := r.Get("agent-1")
	b := r.Get("agent-2")
	c := r.Get("agent-3")

	s.False(detector.CascadeDetected())

	_, _ = a.Call(func() (interface{}, error) { return nil, errors.New("boom") })
	s.Equal(1, detector.OpenCount())
	s.False(detector.CascadeDetected())

	_, _ = b.Call(func() (interface{}, error) { return nil, errors.New("boom") })
	s.Equal(2, detector.OpenCount())
	s.True(detector.CascadeDetected())

	select {
	case sig := <-signals:
		s.Equal(signal.CircuitCascade, sig.Kind)
	default:
		s.Fail("expected a CircuitCascade signal to be emitted")
	}

	_ = c // unused breaker kept healthy to prove OpenCount only counts OPEN breakers
}
