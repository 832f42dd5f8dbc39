// Package diag runs the interconnect diagnostics: it opens a fabric context
// per rank, issues transactions, reaps and verifies completions, builds the
// collective reduction tree and accumulates pass/fail/abort results.
package diag

import (
	"fmt"
	"strings"
)

// Config carries the observability hooks shared by every rank of a run.
type Config struct {
	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

// Logger provides printf-style debug logging.
type Logger interface {
	Debugf(format string, args ...any)
}

// StructuredLogger emits key/value pairs for structured logging backends.
type StructuredLogger interface {
	Debugw(msg string, keyvals ...any)
}

// TraceAttribute represents a tracing attribute attached to scenario spans or events.
type TraceAttribute struct {
	Key   string
	Value any
}

// Tracer starts spans that wrap scenario runs.
type Tracer interface {
	StartSpan(name string, attrs ...TraceAttribute) Span
}

// Span records scenario lifecycle, events, and errors for tracing systems.
type Span interface {
	End(err error)
	AddEvent(name string, attrs ...TraceAttribute)
	RecordError(err error)
}

// MetricHook captures diagnostic telemetry events.
type MetricHook interface {
	ScenarioStarted(attrs map[string]string)
	ScenarioStopped(attrs map[string]string)
	TransactionPosted(attrs map[string]string)
	CompletionReaped(attrs map[string]string)
	CompletionFailed(kind string, err error, attrs map[string]string)
	CheckRecorded(attrs map[string]string)
}

const (
	labelScenario   = "scenario"
	labelGeneration = "generation"
	labelRank       = "rank"
	labelOperation  = "operation"
	labelQueue      = "queue"
	labelStatus     = "status"
	labelKind       = "kind"
)

type logField struct {
	key   string
	value any
}

func logKV(key string, value any) logField {
	return logField{key: key, value: value}
}

// telemetry routes events of one rank to the configured hooks.
type telemetry struct {
	logger     Logger
	structured StructuredLogger
	tracer     Tracer
	metrics    MetricHook
	span       Span
	scenario   string
	generation string
	rank       int
}

func newTelemetry(cfg Config, scenario, generation string) *telemetry {
	structured := cfg.StructuredLogger
	if structured == nil {
		if logger, ok := cfg.Logger.(StructuredLogger); ok {
			structured = logger
		}
	}
	return &telemetry{
		logger:     cfg.Logger,
		structured: structured,
		tracer:     cfg.Tracer,
		metrics:    cfg.Metrics,
		scenario:   scenario,
		generation: generation,
		rank:       -1,
	}
}

// forRank returns a copy bound to rank that shares the run span.
func (t *telemetry) forRank(rank int) *telemetry {
	if t == nil {
		return nil
	}
	c := *t
	c.rank = rank
	return &c
}

func (t *telemetry) metricAttrs(fields ...logField) map[string]string {
	attrs := make(map[string]string, len(fields)+3)
	attrs[labelScenario] = t.scenario
	attrs[labelGeneration] = t.generation
	if t.rank >= 0 {
		attrs[labelRank] = fmt.Sprint(t.rank)
	}
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs[field.key] = fmt.Sprint(field.value)
	}
	return attrs
}

func (t *telemetry) event(event string, fields ...logField) {
	if t == nil {
		return
	}
	if t.rank >= 0 {
		fields = append([]logField{logKV(labelRank, t.rank)}, fields...)
	}
	if t.structured != nil {
		kv := make([]any, 0, len(fields)*2+4)
		kv = append(kv, "event", event, labelScenario, t.scenario)
		for _, field := range fields {
			if field.key == "" {
				continue
			}
			kv = append(kv, field.key, field.value)
		}
		t.structured.Debugw("gni diag", kv...)
		return
	}
	if t.logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString(event)
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		b.WriteString(" ")
		b.WriteString(field.key)
		b.WriteString("=")
		b.WriteString(fmt.Sprint(field.value))
	}
	t.logger.Debugf("gni diag %s %s", t.scenario, b.String())
}

// trace logs an event and mirrors it onto the run span.
func (t *telemetry) trace(event string, fields ...logField) {
	if t == nil {
		return
	}
	t.event(event, fields...)
	if t.rank >= 0 {
		fields = append([]logField{logKV(labelRank, t.rank)}, fields...)
	}
	spanAddEvent(t.span, event, fields...)
}

func (t *telemetry) failure(event string, err error, fields ...logField) {
	if t == nil || err == nil {
		return
	}
	fields = append(fields, logKV("error", err))
	t.trace(event, fields...)
	spanRecordError(t.span, err)
	if t.metrics != nil {
		t.metrics.CompletionFailed(event, err, t.metricAttrs(fields...))
	}
}

func (t *telemetry) metricScenarioStarted() {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.ScenarioStarted(t.metricAttrs())
}

func (t *telemetry) metricScenarioStopped(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.ScenarioStopped(t.metricAttrs(fields...))
}

func (t *telemetry) metricPosted(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.TransactionPosted(t.metricAttrs(fields...))
}

func (t *telemetry) metricReaped(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.CompletionReaped(t.metricAttrs(fields...))
}

func (t *telemetry) metricCheck(fields ...logField) {
	if t == nil || t.metrics == nil {
		return
	}
	t.metrics.CheckRecorded(t.metricAttrs(fields...))
}

func (t *telemetry) startSpan(attrs ...TraceAttribute) Span {
	if t == nil || t.tracer == nil {
		return nil
	}
	base := []TraceAttribute{
		{Key: "component", Value: "gni-diag"},
		{Key: labelScenario, Value: t.scenario},
		{Key: labelGeneration, Value: t.generation},
	}
	return t.tracer.StartSpan("gni-diag-"+t.scenario, append(base, attrs...)...)
}

func spanAddEvent(span Span, name string, fields ...logField) {
	if span == nil {
		return
	}
	span.AddEvent(name, attributesFromFields(fields...)...)
}

func spanRecordError(span Span, err error) {
	if span == nil || err == nil {
		return
	}
	span.RecordError(err)
}

func attributesFromFields(fields ...logField) []TraceAttribute {
	if len(fields) == 0 {
		return nil
	}
	attrs := make([]TraceAttribute, 0, len(fields))
	for _, field := range fields {
		if field.key == "" {
			continue
		}
		attrs = append(attrs, TraceAttribute{Key: field.key, Value: field.value})
	}
	return attrs
}
