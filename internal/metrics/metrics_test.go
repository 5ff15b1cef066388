package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestEvaluationMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollector("test", registry)

	c.Evaluation.RecordDecision("freeze-policy", "decline")
	c.Evaluation.RecordDecision("freeze-policy", "decline")
	c.Evaluation.RecordDecision("response-policy", "pass")
	c.Evaluation.RecordEvaluation("declined", 2*time.Millisecond)

	if got := testutil.ToFloat64(c.Evaluation.decisionsTotal.WithLabelValues("freeze-policy", "decline")); got != 2 {
		t.Fatalf("expected 2 freeze declines, got %v", got)
	}
	if got := testutil.ToFloat64(c.Evaluation.evaluationsTotal.WithLabelValues("declined")); got != 1 {
		t.Fatalf("expected 1 declined evaluation, got %v", got)
	}
}

func TestRegulatorMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	c := NewCollector("test", registry)

	c.Regulator.RecordCycle("completed", time.Second)
	c.Regulator.RecordBoundary("completed", BoundaryCounts{
		VariableUpdates:        1,
		ResponsePolicyUpdates:  1,
		DirectActionExecutions: 2,
		DeclinedActions:        3,
	})

	if got := testutil.ToFloat64(c.Regulator.cyclesTotal.WithLabelValues("completed")); got != 1 {
		t.Fatalf("expected 1 cycle, got %v", got)
	}
	if got := testutil.ToFloat64(c.Regulator.actionsTotal.WithLabelValues(ActionOutcomeDirect)); got != 2 {
		t.Fatalf("expected 2 direct actions, got %v", got)
	}
	if got := testutil.ToFloat64(c.Regulator.actionsTotal.WithLabelValues(ActionOutcomeDeclined)); got != 3 {
		t.Fatalf("expected 3 declined actions, got %v", got)
	}
	if got := testutil.ToFloat64(c.Regulator.variableUpdates); got != 1 {
		t.Fatalf("expected 1 variable update, got %v", got)
	}
}

func TestNilRecordersAreNoops(t *testing.T) {
	var e *EvaluationMetrics
	var r *RegulatorMetrics
	e.RecordDecision("x", "pass")
	e.RecordEvaluation("passed", time.Millisecond)
	r.RecordCycle("completed", time.Millisecond)
	r.RecordBoundary("completed", BoundaryCounts{})
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("test", prometheus.NewRegistry())
	c.Regulator.RecordCycle("completed", time.Millisecond)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "test_regulator_cycles_total") {
		t.Fatalf("expected cycles metric in scrape output:\n%s", body)
	}
}
