package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/crucible/internal/capability"
	"github.com/jkaninda/crucible/internal/engine"
)

// --- InstrumentedStrategy ---

// InstrumentedStrategy wraps an engine.Strategy with metrics, tracing, and
// anomaly detection.
type InstrumentedStrategy struct {
	inner   engine.Strategy
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// NewInstrumentedStrategy wraps a strategy with observability.
func NewInstrumentedStrategy(inner engine.Strategy, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedStrategy {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedStrategy{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (s *InstrumentedStrategy) Name() string { return s.inner.Name() }

func (s *InstrumentedStrategy) Execute(ctx context.Context, run engine.Run) *engine.Outcome {
	backend := s.inner.Name()

	if s.tracer != nil {
		var span trace.Span
		ctx, span = s.tracer.Start(ctx, "strategy.execute",
			trace.WithAttributes(
				attribute.String("execution.backend", backend),
			))
		defer span.End()
	}

	if s.metrics != nil {
		s.metrics.ActiveExecutions.Inc()
		defer s.metrics.ActiveExecutions.Dec()
	}

	start := time.Now()
	out := s.inner.Execute(ctx, run)
	duration := time.Since(start).Seconds()

	if s.tracer != nil {
		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("execution.kind", string(out.Kind)),
			attribute.Int64("execution.operations", out.Usage.Operations),
		)
		if out.Kind == engine.KindBackendFailure {
			span.SetStatus(codes.Error, out.Error)
		}
	}

	if s.metrics != nil {
		s.metrics.ExecutionsTotal.WithLabelValues(backend, string(out.Kind)).Inc()
		s.metrics.ExecutionDuration.WithLabelValues(backend).Observe(duration)
		s.metrics.ExecutionOperations.WithLabelValues(backend).Observe(float64(out.Usage.Operations))
	}

	if s.anomaly != nil {
		if out.Kind == engine.KindBackendFailure {
			s.anomaly.RecordError(backend)
		} else {
			s.anomaly.RecordSuccess(backend)
		}
	}

	return out
}

// --- InstrumentedInvoker ---

// InstrumentedInvoker wraps a capability.Invoker with dispatch metrics and
// tracing.
type InstrumentedInvoker struct {
	inner   capability.Invoker
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedInvoker wraps an invoker with observability.
func NewInstrumentedInvoker(inner capability.Invoker, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedInvoker {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedInvoker{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
	}
}

func (i *InstrumentedInvoker) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	if i.tracer != nil {
		var span trace.Span
		ctx, span = i.tracer.Start(ctx, "capability.invoke",
			trace.WithAttributes(
				attribute.String("capability.name", name),
			))
		defer span.End()
	}

	start := time.Now()
	value, err := i.inner.Invoke(ctx, name, args)
	duration := time.Since(start).Seconds()

	status := "success"
	if err != nil {
		status = "error"
		if i.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}

	if i.metrics != nil {
		i.metrics.DispatchesTotal.WithLabelValues(name, status).Inc()
		i.metrics.DispatchDuration.WithLabelValues(name).Observe(duration)
	}

	return value, err
}

// --- Compile-time interface checks ---

var (
	_ engine.Strategy    = (*InstrumentedStrategy)(nil)
	_ capability.Invoker = (*InstrumentedInvoker)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
