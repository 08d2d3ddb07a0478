package otel

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// Config holds OpenTelemetry configuration
type Config struct {
	ServiceName          string
	ServiceVersion       string
	Environment          string
	CollectorEndpoint    string
	CollectorInsecure    bool
	SamplingRate         float64 // 0.0 to 1.0 (1.0 = always sample)
	MaxEventsPerSpan     int
	MaxAttributesPerSpan int
}

// DefaultConfig returns production defaults
func DefaultConfig(serviceName string) *Config {
	return &Config{
		ServiceName:          serviceName,
		ServiceVersion:       "1.0.0",
		Environment:          "production",
		CollectorEndpoint:    "localhost:4317",
		CollectorInsecure:    true, // Use TLS in production
		SamplingRate:         1.0,  // Sample all traces in dev
		MaxEventsPerSpan:     128,
		MaxAttributesPerSpan: 128,
	}
}

// InitTracer initializes OpenTelemetry tracing
func InitTracer(ctx context.Context, config *Config) (*sdktrace.TracerProvider, error) {
	if config == nil {
		config = DefaultConfig("fieldtrial")
	}

	// Create OTLP exporter
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(config.CollectorEndpoint),
		otlptracegrpc.WithInsecure(), // Use WithTLSCredentials in production
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	// Create resource with service information
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(config.ServiceName),
			semconv.ServiceVersion(config.ServiceVersion),
			semconv.DeploymentEnvironment(config.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	// Create tracer provider with sampling
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter,
			sdktrace.WithBatchTimeout(5*time.Second),
			sdktrace.WithMaxQueueSize(2048),
			sdktrace.WithMaxExportBatchSize(512),
		),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.TraceIDRatioBased(config.SamplingRate)),
		sdktrace.WithSpanLimits(sdktrace.SpanLimits{
			EventCountLimit:     config.MaxEventsPerSpan,
			AttributeCountLimit: config.MaxAttributesPerSpan,
		}),
	)

	// Set global tracer provider
	otel.SetTracerProvider(tp)

	// Set global propagator for context propagation
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context, tp *sdktrace.TracerProvider) error {
	if tp == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	return tp.Shutdown(ctx)
}

// StartSpan is a convenience wrapper for starting a span with common attributes
func StartSpan(ctx context.Context, tracerName, spanName string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, spanName)

	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	return ctx, span
}

// RecordError records an error on a span with optional message
func RecordError(span trace.Span, err error, message string) {
	if span == nil || err == nil {
		return
	}

	if message != "" {
		span.RecordError(err, trace.WithAttributes(
			attribute.String("error.message", message),
		))
	} else {
		span.RecordError(err)
	}

	span.SetStatus(codes.Error, err.Error())
}

// AddEvent adds an event to a span with optional attributes
func AddEvent(span trace.Span, name string, attrs ...attribute.KeyValue) {
	if span == nil {
		return
	}

	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// Common attribute keys for the experimentation engine
const (
	// Assignment attributes
	AttrExperimentID = attribute.Key("experiment.id")
	AttrSubjectID    = attribute.Key("subject.id")
	AttrVariantID    = attribute.Key("variant.id")
	AttrAssignReason = attribute.Key("assign.reason")
	AttrAssignReplay = attribute.Key("assign.replay")

	// Tenant attributes
	AttrTenantID = attribute.Key("tenant.id")

	// Analysis attributes
	AttrAnalysisKind = attribute.Key("analysis.kind")
	AttrPValue       = attribute.Key("analysis.p_value")
	AttrSignificant  = attribute.Key("analysis.significant")

	// Bandit attributes
	AttrArmID = attribute.Key("bandit.arm_id")

	// Guardrail attributes
	AttrGuardrailMetric = attribute.Key("guardrail.metric")
	AttrGuardrailAction = attribute.Key("guardrail.action")

	// Performance attributes
	AttrLatencyMs = attribute.Key("latency.ms")
)

// Helper functions to create common attributes

func AssignmentAttributes(experimentID, subjectID, variantID, reason string, replay bool) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrExperimentID.String(experimentID),
		AttrSubjectID.String(subjectID),
		AttrAssignReplay.Bool(replay),
	}
	if variantID != "" {
		attrs = append(attrs, AttrVariantID.String(variantID))
	}
	if reason != "" {
		attrs = append(attrs, AttrAssignReason.String(reason))
	}
	return attrs
}

func AnalysisAttributes(kind string, pValue float64, significant bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrAnalysisKind.String(kind),
		AttrPValue.Float64(pValue),
		AttrSignificant.Bool(significant),
	}
}

func BanditAttributes(experimentID, armID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrExperimentID.String(experimentID),
		AttrArmID.String(armID),
	}
}

func GuardrailAttributes(experimentID, metric, action string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrExperimentID.String(experimentID),
		AttrGuardrailMetric.String(metric),
	}
	if action != "" {
		attrs = append(attrs, AttrGuardrailAction.String(action))
	}
	return attrs
}
