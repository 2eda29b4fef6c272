package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/runbox/internal/execution"
)

// anomalyOperation is the anomaly detector key for submissions.
const anomalyOperation = "execution"

// InstrumentedHandler wraps an execution.Handler with metrics, tracing, and anomaly detection.
type InstrumentedHandler struct {
	inner   execution.Handler
	metrics *MetricsCollector
	tracer  trace.Tracer
	anomaly *AnomalyDetector
}

// Compile-time interface check.
var _ execution.Handler = (*InstrumentedHandler)(nil)

// NewInstrumentedHandler wraps a submission handler with observability.
func NewInstrumentedHandler(inner execution.Handler, metrics *MetricsCollector, ts *TracerSetup, anomaly *AnomalyDetector) *InstrumentedHandler {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedHandler{
		inner:   inner,
		metrics: metrics,
		tracer:  tracer,
		anomaly: anomaly,
	}
}

func (h *InstrumentedHandler) HandleSubmission(ctx context.Context, sub execution.Submission) (execution.Response, int) {
	var span trace.Span
	if h.tracer != nil {
		attrs := []attribute.KeyValue{attribute.Bool("execution.new_session", sub.ID == nil)}
		if code, ok := sub.CodeText(); ok {
			attrs = append(attrs, attribute.Int("execution.code_bytes", len(code)))
		}
		ctx, span = h.tracer.Start(ctx, "execution.submit", trace.WithAttributes(attrs...))
		defer span.End()
	}

	start := time.Now()
	resp, status := h.inner.HandleSubmission(ctx, sub)
	duration := time.Since(start).Seconds()
	outcome := string(resp.Outcome)

	if span != nil {
		span.SetAttributes(
			attribute.String("execution.session_id", resp.ID),
			attribute.String("execution.outcome", outcome),
			attribute.Int("http.status_code", status),
		)
		if resp.Err != nil {
			span.RecordError(resp.Err)
			span.SetStatus(codes.Error, resp.Err.Error())
		}
	}

	if h.metrics != nil {
		h.metrics.ExecutionsTotal.WithLabelValues(outcome).Inc()
		h.metrics.ExecutionDuration.WithLabelValues(outcome).Observe(duration)
	}

	if h.anomaly != nil {
		switch resp.Outcome {
		case execution.OutcomeInvalid, execution.OutcomeNotFound:
			// Caller mistakes say nothing about service health.
		default:
			if resp.Outcome.Success() {
				h.anomaly.RecordSuccess(anomalyOperation)
			} else {
				h.anomaly.RecordError(anomalyOperation)
			}
		}
	}

	return resp, status
}

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
