// Package metrics exposes engine activity as Prometheus series by consuming
// the event bus.
package metrics

import (
	"context"
	"strconv"

	"tradeloop/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Recorder struct {
	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	costSaved      prometheus.Counter
	trades         *prometheus.CounterVec
	managed        *prometheus.CounterVec
	safetyRejects  *prometheus.CounterVec
	emergency      *prometheus.CounterVec
	snapshotErrors prometheus.Counter
	halted         prometheus.Gauge
	lastCycle      prometheus.Gauge
	verdicts       *prometheus.CounterVec
}

// New registers the series on reg; nil means the default registerer.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Recorder{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeloop_cycles_total",
			Help: "Completed trading cycles by outcome",
		}, []string{"outcome"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tradeloop_cycle_duration_seconds",
			Help:    "Wall time of one trading cycle",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}),
		costSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "tradeloop_decision_cost_saved_total",
			Help: "Estimated decision-service cost avoided by short-circuiting",
		}),
		trades: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeloop_trades_total",
			Help: "Entry orders executed",
		}, []string{"symbol", "side"}),
		managed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeloop_positions_managed_total",
			Help: "Management directives applied",
		}, []string{"manage_type"}),
		safetyRejects: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeloop_safety_rejections_total",
			Help: "Guardrail rejections by stage and rule",
		}, []string{"stage", "rule"}),
		emergency: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeloop_emergency_closes_total",
			Help: "Emergency closes by result",
		}, []string{"result"}),
		snapshotErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tradeloop_snapshot_write_failures_total",
			Help: "Performance snapshot write failures",
		}),
		halted: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradeloop_engine_halted",
			Help: "1 when the hard circuit breaker has stopped the engine",
		}),
		lastCycle: f.NewGauge(prometheus.GaugeOpts{
			Name: "tradeloop_last_cycle_number",
			Help: "Number of the most recently completed cycle",
		}),
		verdicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tradeloop_risk_verdicts_total",
			Help: "Risk council verdicts",
		}, []string{"approved"}),
	}
}

// Run consumes ch until it closes or ctx ends.
func (r *Recorder) Run(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			r.Observe(evt)
		}
	}
}

func (r *Recorder) Observe(evt events.Event) {
	switch p := evt.Payload.(type) {
	case events.CyclePayload:
		if evt.Type != events.CycleCompleted {
			return
		}
		r.cycles.WithLabelValues(string(p.Cycle.Outcome)).Inc()
		r.cycleDuration.Observe(p.Cycle.Duration.Seconds())
		if p.Cycle.CostSaved > 0 {
			r.costSaved.Add(p.Cycle.CostSaved)
		}
		r.lastCycle.Set(float64(p.Cycle.Number))
	case events.TradePayload:
		r.trades.WithLabelValues(p.Order.Symbol, string(p.Order.Side)).Inc()
	case events.ManagePayload:
		r.managed.WithLabelValues(p.ManageType).Inc()
	case events.SafetyPayload:
		r.safetyRejects.WithLabelValues(p.Stage, p.Rule).Inc()
	case events.EmergencyPayload:
		result := "closed"
		if p.Err != "" {
			result = "failed"
		}
		r.emergency.WithLabelValues(result).Inc()
	case events.SnapshotFailurePayload:
		r.snapshotErrors.Inc()
	case events.HaltPayload:
		r.halted.Set(1)
	case events.VerdictPayload:
		r.verdicts.WithLabelValues(strconv.FormatBool(p.Approved)).Inc()
	}
}

// ResetHalt clears the halted gauge after an operator restart.
func (r *Recorder) ResetHalt() {
	r.halted.Set(0)
}
