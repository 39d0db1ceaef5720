// OpenTelemetry tracing support for step lifecycle observability.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Tracer wraps OpenTelemetry tracing with lifecycle-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include submission content in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: trace.NewNoopTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// SetDebug enables or disables debug mode (content in spans).
func (t *Tracer) SetDebug(debug bool) {
	t.debug = debug
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Step Spans ---

// StepSpanOptions contains options for step operation spans.
type StepSpanOptions struct {
	TaskID  string
	StepID  string
	Actor   string
	Status  string
	Attempt int
	Result  string // Only included if debug=true
}

// StartStepSpan starts a span for a step operation (claim, submit,
// approve, reject, appeal).
func (t *Tracer) StartStepSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "step."+op, trace.WithSpanKind(trace.SpanKindInternal))
}

// EndStepSpan ends a step span with attributes.
func (t *Tracer) EndStepSpan(span trace.Span, opts StepSpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("step.task_id", opts.TaskID),
		attribute.String("step.id", opts.StepID),
		attribute.String("step.actor", opts.Actor),
	}

	if opts.Status != "" {
		attrs = append(attrs, attribute.String("step.status", opts.Status))
	}
	if opts.Attempt > 0 {
		attrs = append(attrs, attribute.Int("step.attempt", opts.Attempt))
	}
	if t.debug && opts.Result != "" {
		attrs = append(attrs, attribute.String("step.result", truncate(opts.Result, 4000)))
	}

	span.SetAttributes(attrs...)
	finish(span, err)
}

// finish records the outcome and ends the span.
func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Summarizer Spans ---

// SummarySpanOptions contains options for summarizer call spans.
type SummarySpanOptions struct {
	Provider string
	Source   string // Only included if debug=true
	Summary  string // Only included if debug=true
}

// StartSummarySpan starts a span for a summarizer call.
func (t *Tracer) StartSummarySpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "summarize", trace.WithSpanKind(trace.SpanKindClient))
}

// EndSummarySpan ends a summarizer span with attributes.
func (t *Tracer) EndSummarySpan(span trace.Span, opts SummarySpanOptions, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("summarize.provider", opts.Provider),
	}

	if t.debug {
		if opts.Source != "" {
			attrs = append(attrs, attribute.String("summarize.source", truncate(opts.Source, 4000)))
		}
		if opts.Summary != "" {
			attrs = append(attrs, attribute.String("summarize.summary", truncate(opts.Summary, 1000)))
		}
	}

	span.SetAttributes(attrs...)
	finish(span, err)
}

// --- Notification Spans ---

// NotifySpanOptions contains options for notification publish spans.
type NotifySpanOptions struct {
	EventType string
	UserID    string
}

// StartNotifySpan starts a span for a notification publish.
func (t *Tracer) StartNotifySpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "notify.publish", trace.WithSpanKind(trace.SpanKindProducer))
}

// EndNotifySpan ends a notification span with attributes.
func (t *Tracer) EndNotifySpan(span trace.Span, opts NotifySpanOptions, err error) {
	span.SetAttributes(
		attribute.String("notify.event", opts.EventType),
		attribute.String("notify.user", opts.UserID),
	)
	finish(span, err)
}

// --- Context Propagation ---

// InjectContext injects trace context into a carrier for cross-process propagation.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// ExtractContext extracts trace context from a carrier.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// MapCarrier is a simple map-based TextMapCarrier for context propagation.
type MapCarrier map[string]string

func (c MapCarrier) Get(key string) string {
	return c[key]
}

func (c MapCarrier) Set(key, value string) {
	c[key] = value
}

func (c MapCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
