package telemetry

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// spanLogExporter mirrors completed spans into the agent's zerolog stream.
// Cycle spans that ended at HIGH or CRITICAL tamper severity are logged at
// warn so they surface in the same filters as the audit trail.
type spanLogExporter struct {
	logger zerolog.Logger
}

func newLoggingExporter() sdktrace.SpanExporter {
	return &spanLogExporter{logger: log.With().Str("component", "otel").Logger()}
}

func newLoggingExporterWithLogger(logger zerolog.Logger) sdktrace.SpanExporter {
	return &spanLogExporter{logger: logger}
}

func (e *spanLogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, span := range spans {
		fields := make(map[string]any, len(span.Attributes()))
		severity := ""
		for _, attr := range span.Attributes() {
			value := attr.Value.Emit()
			fields[string(attr.Key)] = value
			if attr.Key == "tamper.severity" {
				severity = value
			}
		}

		event := e.logger.Info()
		if severity == "HIGH" || severity == "CRITICAL" {
			event = e.logger.Warn()
		}
		if sc := span.SpanContext(); sc.TraceID().IsValid() {
			event = event.Str("trace_id", sc.TraceID().String()).
				Str("span_id", sc.SpanID().String())
		}
		event.Str("span_name", span.Name()).
			Dur("duration", span.EndTime().Sub(span.StartTime())).
			Fields(fields).
			Msg("Span completed")
	}
	return nil
}

func (e *spanLogExporter) Shutdown(context.Context) error { return nil }

func (e *spanLogExporter) ForceFlush(context.Context) error { return nil }

var _ sdktrace.SpanExporter = (*spanLogExporter)(nil)
