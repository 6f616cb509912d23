// Command controlplane wires together the reliability-engineering
// subsystems - SLI/SLO evaluation, cost guard, chaos runner,
// progressive delivery, incident detection, circuit breakers, alert
// fan-out, fleet registry, and the telemetry ingress router - into one
// running process, and serves Prometheus metrics and a health check.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	stdsignal "os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/reliableagents/controlplane/internal/alerting"
	"github.com/reliableagents/controlplane/internal/breaker"
	"github.com/reliableagents/controlplane/internal/clock"
	"github.com/reliableagents/controlplane/internal/config"
	"github.com/reliableagents/controlplane/internal/costguard"
	"github.com/reliableagents/controlplane/internal/fleet"
	"github.com/reliableagents/controlplane/internal/incident"
	cpsignal "github.com/reliableagents/controlplane/internal/signal"
	"github.com/reliableagents/controlplane/internal/telemetry"
	"github.com/reliableagents/controlplane/pkg/logger"
)

const (
	exitConfigError  = 1
	exitRuntimeError = 2

	cascadePollInterval = 5 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to an optional config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		return exitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		return exitConfigError
	}

	log, err := logger.New(logger.Config{
		Level:       cfg.App.LogLevel,
		Format:      cfg.App.LogFormat,
		Development: !cfg.IsProduction(),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		return exitConfigError
	}
	defer log.Sync() //nolint:errcheck

	reg := prometheus.NewRegistry()
	clk := clock.Real

	signals := make(chan cpsignal.Signal, 256)

	fleetRegistry := fleet.New(reg, clk, fleet.Config{
		HeartbeatStaleAfter: cfg.Fleet.HeartbeatStaleAfter,
		DegradedSuccessRate: cfg.Fleet.DegradedSuccessRate,
	})

	guard := costguard.New(reg, clk, log, costguard.Config{
		ThrottleThreshold:   cfg.CostGuard.ThrottleThreshold,
		KillSwitchThreshold: cfg.CostGuard.KillSwitchThreshold,
		AlertThresholds:     cfg.CostGuard.AlertThresholds,
		AnomalyZScore:       cfg.CostGuard.AnomalyZScore,
		AnomalyMinSamples:   cfg.CostGuard.AnomalyMinSamples,
		AnomalyEWMAK:        cfg.CostGuard.AnomalyEWMAK,
	}, 0, signals)

	breakerRegistry := breaker.NewRegistry(reg, clk, log, breaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		RecoveryTimeout:   cfg.Breaker.RecoveryTimeout,
		HalfOpenMaxTrials: cfg.Breaker.HalfOpenMaxTrials,
	})
	cascadeDetector := breaker.NewCascadeDetector(breakerRegistry, cfg.Breaker.CascadeThreshold, clk, log, signals)

	detector := incident.New(clk, log, cfg.Incident.CorrelationWindow)
	detector.RegisterResponse("notify_oncall", func(inc *incident.Incident) {
		log.Info("automated response: notify_oncall", zap.String("incident_id", inc.ID))
	})
	detector.SetAutomatedResponses(cpsignal.ErrorBudgetExhausted, []string{"notify_oncall"})

	alertStore := alerting.NewMemoryStore()
	alertManager := alerting.New(reg, clk, log, alerting.Config{
		DedupWindow:    cfg.Alerting.DedupWindow,
		ChannelTimeout: cfg.Alerting.ChannelTimeout,
		RatePerSecond:  cfg.Alerting.RatePerSecond,
		RateBurst:      cfg.Alerting.RateBurst,
	}, nil, alertStore)

	router := telemetry.New(log, guard, fleetRegistry)

	sigCtx, sigStop := stdsignal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer sigStop()

	go drainSignals(sigCtx, log, signals, detector, alertManager)
	go pollCascades(sigCtx, cascadeDetector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})
	registerTelemetryRoutes(mux, log, router)

	srv := &http.Server{Addr: ":8080", Handler: mux}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("controlplane listening", zap.String("addr", srv.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case <-sigCtx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", zap.Error(err))
			return exitRuntimeError
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
		return exitRuntimeError
	}

	return 0
}

// drainSignals feeds the incident detector and alert manager from the
// bounded signal channel every other subsystem publishes onto. This
// is the one place the egress boundary crosses back into
// alert-delivery I/O, kept off every ingest path per the design's
// suspension/blocking points.
func drainSignals(ctx context.Context, log *zap.Logger, signals <-chan cpsignal.Signal, detector *incident.Detector, alertManager *alerting.Manager) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			inc, isNew := detector.IngestSignal(sig)
			if !isNew {
				continue
			}
			_, err := alertManager.Deliver(ctx, alerting.Alert{
				Title:     inc.Title,
				Message:   sig.Message,
				Severity:  severityFor(inc.Severity),
				Source:    sig.SourceAgent,
				AgentID:   sig.SourceAgent,
				DedupKey:  sig.DedupKey,
				Timestamp: sig.Timestamp,
			})
			if err != nil {
				log.Warn("alert delivery failed", zap.Error(err))
			}
		}
	}
}

// pollCascades periodically checks the breaker registry for a
// simultaneous-OPEN cascade, off the same egress boundary drainSignals
// occupies. CascadeDetected emits onto the signal channel itself when
// it fires, so this loop has nothing further to forward.
func pollCascades(ctx context.Context, detector *breaker.CascadeDetector) {
	ticker := time.NewTicker(cascadePollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			detector.CascadeDetected()
		}
	}
}

// registerTelemetryRoutes exposes router's Sink methods over HTTP so
// framework adapters (LangChain/CrewAI/AutoGen-style callbacks
// running out-of-process) can push task/tool/LLM events into the
// control plane without linking against it.
func registerTelemetryRoutes(mux *http.ServeMux, log *zap.Logger, router *telemetry.Router) {
	decode := func(w http.ResponseWriter, r *http.Request, v interface{}) bool {
		if err := json.NewDecoder(r.Body).Decode(v); err != nil {
			http.Error(w, fmt.Sprintf("decoding request body: %v", err), http.StatusBadRequest)
			return false
		}
		return true
	}

	mux.HandleFunc("/v1/events/task-start", func(w http.ResponseWriter, r *http.Request) {
		var evt telemetry.TaskStartEvent
		if !decode(w, r, &evt) {
			return
		}
		router.OnTaskStart(r.Context(), evt)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/events/task-end", func(w http.ResponseWriter, r *http.Request) {
		var evt telemetry.TaskEndEvent
		if !decode(w, r, &evt) {
			return
		}
		router.OnTaskEnd(r.Context(), evt)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/events/tool-call", func(w http.ResponseWriter, r *http.Request) {
		var evt telemetry.ToolCallEvent
		if !decode(w, r, &evt) {
			return
		}
		router.OnToolCall(r.Context(), evt)
		w.WriteHeader(http.StatusAccepted)
	})

	mux.HandleFunc("/v1/events/llm-call", func(w http.ResponseWriter, r *http.Request) {
		var evt telemetry.LLMCallEvent
		if !decode(w, r, &evt) {
			return
		}
		router.OnLLMCall(r.Context(), evt)
		w.WriteHeader(http.StatusAccepted)
	})

	log.Debug("telemetry ingress routes registered")
}

func severityFor(sev cpsignal.Severity) alerting.Severity {
	switch sev {
	case cpsignal.P1:
		return alerting.Critical
	case cpsignal.P2:
		return alerting.Warn
	default:
		return alerting.Info
	}
}
