package metrics

import (
	"testing"
	"time"

	"tradeloop/internal/events"
	"tradeloop/internal/types"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecorderObserve(t *testing.T) {
	r := New(prometheus.NewRegistry())

	r.Observe(events.Event{Type: events.CycleCompleted, Payload: events.CyclePayload{Cycle: types.TradingCycle{
		Number:    7,
		Outcome:   types.OutcomeSkipped,
		CostSaved: 0.25,
		Duration:  2 * time.Second,
	}}})
	r.Observe(events.Event{Type: events.CycleStarted, Payload: events.CyclePayload{Cycle: types.TradingCycle{Number: 8}}})
	r.Observe(events.Event{Type: events.SafetyCheckFailed, Payload: events.SafetyPayload{Stage: "hard", Rule: "duplicate"}})
	r.Observe(events.Event{Type: events.EmergencyClose, Payload: events.EmergencyPayload{Err: "timeout"}})
	r.Observe(events.Event{Type: events.EngineHalted, Payload: events.HaltPayload{Failures: 10}})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.cycles.WithLabelValues(string(types.OutcomeSkipped))))
	assert.Equal(t, 7.0, testutil.ToFloat64(r.lastCycle))
	assert.Equal(t, 0.25, testutil.ToFloat64(r.costSaved))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.safetyRejects.WithLabelValues("hard", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.emergency.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.halted))

	r.ResetHalt()
	assert.Equal(t, 0.0, testutil.ToFloat64(r.halted))
}
