package diag

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestPrometheusMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("NewPrometheusMetrics: %v", err)
	}

	base := map[string]string{
		labelScenario:   "rdma_put",
		labelGeneration: "aries",
	}
	metrics.ScenarioStarted(base)
	metrics.ScenarioStopped(map[string]string{labelScenario: "rdma_put", labelGeneration: "aries", labelStatus: "passed"})

	rankAttrs := map[string]string{
		labelScenario:   "rdma_put",
		labelGeneration: "aries",
		labelRank:       "0",
		labelOperation:  "RDMA_PUT",
		labelQueue:      "source",
		labelStatus:     "success",
		labelKind:       "local_event_id",
	}
	metrics.TransactionPosted(rankAttrs)
	metrics.TransactionPosted(rankAttrs)
	metrics.CompletionReaped(rankAttrs)
	metrics.CompletionFailed("cq_overrun", errors.New("boom"), rankAttrs)
	metrics.CheckRecorded(rankAttrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	cases := map[string]float64{
		"gni_diag_scenario_started_total":    1,
		"gni_diag_scenario_stopped_total":    1,
		"gni_diag_transactions_posted_total": 2,
		"gni_diag_completions_reaped_total":  1,
		"gni_diag_completions_failed_total":  1,
		"gni_diag_checks_total":              1,
	}
	for name, want := range cases {
		if got := findCounterValue(mfs, name); got != want {
			t.Fatalf("unexpected counter %s: got %v want %v", name, got, want)
		}
	}
}

func TestPrometheusMetricsReuseRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("first NewPrometheusMetrics: %v", err)
	}
	second, err := NewPrometheusMetrics(PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		t.Fatalf("second NewPrometheusMetrics: %v", err)
	}
	attrs := map[string]string{labelScenario: "amo", labelGeneration: "aries"}
	first.ScenarioStarted(attrs)
	second.ScenarioStarted(attrs)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got := findCounterValue(mfs, "gni_diag_scenario_started_total"); got != 2 {
		t.Fatalf("shared counter: got %v want 2", got)
	}
}

func findCounterValue(mfs []*dto.MetricFamily, name string) float64 {
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		var sum float64
		for _, m := range mf.Metric {
			sum += m.GetCounter().GetValue()
		}
		return sum
	}
	return 0
}
