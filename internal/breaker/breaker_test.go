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
	cperrors "github.com/reliableagents/controlplane/pkg/errors"
)

type BreakerSuite struct {
	suite.Suite
	reg    *prometheus.Registry
	clk    *clock.Fake
	logger *zap.Logger
}

func TestBreakerSuite(t *testing.T) {
	suite.Run(t, new(BreakerSuite))
}

func (s *BreakerSuite) SetupTest() {
	s.reg = prometheus.NewRegistry()
	s.clk = clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s.logger = zap.NewNop()
}

func fail() (interface{}, error) { return nil, errors.New("boom") }
func succeed() (interface{}, error) { return "ok", nil }

// Scenario 4 from the end-to-end suite: circuit breaker recovery.
func (s *BreakerSuite) TestRecovery_OpensThenHalfOpensThenCloses() {
	cfg := breaker.Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, HalfOpenMaxTrials: 1}
	b := breaker.New(s.reg, s.clk, s.logger, "agent-1", cfg)

	for i := 0; i < 3; i++ {
		_, _ = b.Call(fail)
	}
	s.Equal(breaker.Open, b.State())

	// Very next call while still open is rejected.
	_, err := b.Call(succeed)
	s.True(cperrors.Is(err, cperrors.CircuitOpen))

	s.clk.Advance(31 * time.Second)
	_, err = b.Call(succeed)
	s.NoError(err)
	s.Equal(breaker.Closed, b.State())
}

func (s *BreakerSuite) TestRecovery_HalfOpenFailureReopensWithNewOpenedAt() {
	cfg := breaker.Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second, HalfOpenMaxTrials: 1}
	b := breaker.New(s.reg, s.clk, s.logger, "agent-2", cfg)
	for i := 0; i < 3; i++ {
		_, _ = b.Call(fail)
	}
	s.clk.Advance(31 * time.Second)
	_, _ = b.Call(fail)
	s.Equal(breaker.Open, b.State())

	_, err := b.Call(succeed)
	s.True(cperrors.Is(err, cperrors.CircuitOpen))
}

func (s *BreakerSuite) TestFallback_UsedWhenOpen() {
	cfg := breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxTrials: 1}
	b := breaker.New(s.reg, s.clk, s.logger, "agent-3", cfg)
	_, _ = b.Call(fail)
	s.Equal(breaker.Open, b.State())

	result, err := b.CallWithFallback(succeed, func() (interface{}, error) { return "fallback", nil })
	s.NoError(err)
	s.Equal("fallback", result)
}

func (s *BreakerSuite) TestSafety_NextCallAfterThresholdIsRejected() {
	cfg := breaker.Config{FailureThreshold: 5, RecoveryTimeout: time.Hour, HalfOpenMaxTrials: 1}
	b := breaker.New(s.reg, s.clk, s.logger, "agent-4", cfg)
	for i := 0; i < 5; i++ {
		_, _ = b.Call(fail)
	}
	_, err := b.Call(succeed)
	s.True(cperrors.Is(err, cperrors.CircuitOpen))
}

func (s *BreakerSuite) TestCascadeDetector_FiresAtThreshold() {
	registry := breaker.NewRegistry(s.reg, s.clk, s.logger, breaker.Config{FailureThreshold: 1, RecoveryTimeout: time.Hour, HalfOpenMaxTrials: 1})
	for _, name := range []string{"a", "b", "c"} {
		b := registry.Get(name)
		_, _ = b.Call(fail)
	}
	detector := breaker.NewCascadeDetector(registry, 3, s.clk, s.logger, nil)
	s.True(detector.CascadeDetected())
}
