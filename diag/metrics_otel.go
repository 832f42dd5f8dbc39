package diag

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelMetricsOptions configures NewOTelMetrics.
type OTelMetricsOptions struct {
	MeterProvider          metric.MeterProvider
	Meter                  metric.Meter
	InstrumentationName    string
	InstrumentationVersion string
}

var _ MetricHook = (*OTelMetrics)(nil)

// OTelMetrics implements MetricHook using OpenTelemetry counters.
type OTelMetrics struct {
	meter             metric.Meter
	scenarioStarted   metric.Int64Counter
	scenarioStopped   metric.Int64Counter
	transactionPosted metric.Int64Counter
	completionReaped  metric.Int64Counter
	completionFailed  metric.Int64Counter
	checkRecorded     metric.Int64Counter
}

// NewOTelMetrics constructs a MetricHook that emits OpenTelemetry counter measurements.
func NewOTelMetrics(opts OTelMetricsOptions) (*OTelMetrics, error) {
	meter := opts.Meter
	if meter == nil {
		provider := opts.MeterProvider
		if provider == nil {
			provider = otel.GetMeterProvider()
		}
		name := opts.InstrumentationName
		if name == "" {
			name = "github.com/rocketbitz/gni-go/diag"
		}
		meter = provider.Meter(name, metric.WithInstrumentationVersion(opts.InstrumentationVersion))
	}

	scenarioStarted, err := meter.Int64Counter("gni.diag.scenario.started")
	if err != nil {
		return nil, err
	}
	scenarioStopped, err := meter.Int64Counter("gni.diag.scenario.stopped")
	if err != nil {
		return nil, err
	}
	transactionPosted, err := meter.Int64Counter("gni.diag.transactions.posted")
	if err != nil {
		return nil, err
	}
	completionReaped, err := meter.Int64Counter("gni.diag.completions.reaped")
	if err != nil {
		return nil, err
	}
	completionFailed, err := meter.Int64Counter("gni.diag.completions.failed")
	if err != nil {
		return nil, err
	}
	checkRecorded, err := meter.Int64Counter("gni.diag.checks")
	if err != nil {
		return nil, err
	}

	return &OTelMetrics{
		meter:             meter,
		scenarioStarted:   scenarioStarted,
		scenarioStopped:   scenarioStopped,
		transactionPosted: transactionPosted,
		completionReaped:  completionReaped,
		completionFailed:  completionFailed,
		checkRecorded:     checkRecorded,
	}, nil
}

// ScenarioStarted records that a diagnostic run has started.
func (o *OTelMetrics) ScenarioStarted(attrs map[string]string) {
	o.scenarioStarted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs)...))
}

// ScenarioStopped records the outcome of a finished run.
func (o *OTelMetrics) ScenarioStopped(attrs map[string]string) {
	o.scenarioStopped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelStatus)...))
}

// TransactionPosted records a posted transaction.
func (o *OTelMetrics) TransactionPosted(attrs map[string]string) {
	o.transactionPosted.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelRank, labelOperation)...))
}

// CompletionReaped records a successfully reaped event.
func (o *OTelMetrics) CompletionReaped(attrs map[string]string) {
	o.completionReaped.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelRank, labelQueue, labelStatus)...))
}

// CompletionFailed counts failed, overrun or faulted events.
func (o *OTelMetrics) CompletionFailed(kind string, _ error, attrs map[string]string) {
	attributes := append(otelAttrs(attrs, labelRank, labelQueue), attribute.String(labelKind, kind))
	o.completionFailed.Add(context.Background(), 1, metric.WithAttributes(attributes...))
}

// CheckRecorded counts verification outcomes.
func (o *OTelMetrics) CheckRecorded(attrs map[string]string) {
	o.checkRecorded.Add(context.Background(), 1, metric.WithAttributes(otelAttrs(attrs, labelRank, labelKind, labelStatus)...))
}

// otelAttrs always carries scenario and generation, plus every optional key
// present in attrs.
func otelAttrs(attrs map[string]string, optional ...string) []attribute.KeyValue {
	kvs := []attribute.KeyValue{
		attribute.String(labelScenario, attrs[labelScenario]),
		attribute.String(labelGeneration, attrs[labelGeneration]),
	}
	for _, key := range optional {
		if v := attrs[key]; v != "" {
			kvs = append(kvs, attribute.String(key, v))
		}
	}
	return kvs
}
