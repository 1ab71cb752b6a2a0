package session

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"subscription-service/schema"
)

const (
	operationSpanName    = "graphql.operation"
	operationEventName   = "graphql.operation.completed"
	operationEventDomain = "subscriptions"
	observabilityEvent   = "observability.event"
	tracerName           = "subscription-service/session"
)

// operationMetrics records one GraphQL operation from start to end as a log
// entry and a span. It is used from a single goroutine.
type operationMetrics struct {
	logger   *log.Logger
	span     trace.Span
	start    time.Time
	connID   string
	opID     string
	opType   string
	messages int
	errors   int
}

func newOperationMetrics(ctx context.Context, logger *log.Logger, connID, opID, opType string) (*operationMetrics, context.Context) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, operationSpanName, trace.WithAttributes(
		attribute.String("connection.id", connID),
		attribute.String("graphql.operation.id", opID),
		attribute.String("graphql.operation.type", opType),
	))
	return &operationMetrics{
		logger: logger,
		span:   span,
		start:  time.Now(),
		connID: connID,
		opID:   opID,
		opType: opType,
	}, ctx
}

func (m *operationMetrics) ObserveMessage(p schema.Payload) {
	m.messages++
	m.errors += len(p.Errors)
}

// Finish ends the span and emits the observability event. reason says why
// the operation ended: completed, stopped or write_failed.
func (m *operationMetrics) Finish(reason string, err error) {
	if m == nil {
		return
	}
	severityText, severityNumber := severityFor(m.errors, err)
	totalMs := durationToMillis(time.Since(m.start))

	attrs := map[string]any{
		"connection.id":                      m.connID,
		"graphql.operation.id":               m.opID,
		"graphql.operation.type":             m.opType,
		"subscriptions.operation.messages":   m.messages,
		"subscriptions.operation.errors":     m.errors,
		"subscriptions.operation.total_ms":   totalMs,
		"subscriptions.operation.end_reason": reason,
	}
	eventAttrs := []attribute.KeyValue{
		attribute.String("event.name", operationEventName),
		attribute.String("event.domain", operationEventDomain),
		attribute.String("severity_text", severityText),
		attribute.Int("subscriptions.operation.messages", m.messages),
		attribute.Int("subscriptions.operation.errors", m.errors),
		attribute.Float64("subscriptions.operation.total_ms", totalMs),
		attribute.String("subscriptions.operation.end_reason", reason),
	}
	if err != nil {
		attrs["error.message"] = err.Error()
		eventAttrs = append(eventAttrs, attribute.String("error.message", err.Error()))
	}

	m.span.AddEvent(observabilityEvent, trace.WithAttributes(eventAttrs...))
	if err != nil {
		m.span.RecordError(err)
		m.span.SetStatus(codes.Error, err.Error())
	} else {
		m.span.SetStatus(codes.Ok, "")
	}
	traceID := m.span.SpanContext().TraceID().String()
	m.span.End()

	if m.logger == nil {
		return
	}
	entry := m.logger.WithFields(log.Fields{
		"event.name":      operationEventName,
		"event.domain":    operationEventDomain,
		"attributes":      attrs,
		"severity_text":   severityText,
		"severity_number": severityNumber,
		"trace_id":        traceID,
	})
	switch severityText {
	case "ERROR":
		entry.Error(observabilityEvent)
	case "WARN":
		entry.Warn(observabilityEvent)
	default:
		entry.Info(observabilityEvent)
	}
}

func severityFor(gqlErrors int, err error) (string, int) {
	switch {
	case err != nil:
		return "ERROR", 17
	case gqlErrors > 0:
		return "WARN", 13
	default:
		return "INFO", 9
	}
}

func durationToMillis(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
