package observability

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

// spanContextHandler decorates every log record with the ids of the span
// active on its context, so log lines can be joined to traces. The
// embedded handler supplies Enabled.

type spanContextHandler struct {
	slog.Handler
}

func NewTraceHandler(next slog.Handler) slog.Handler {
	return spanContextHandler{Handler: next}
}

func (h spanContextHandler) Handle(ctx context.Context, rec slog.Record) error {
	sc := trace.SpanContextFromContext(ctx)

	if sc.HasTraceID() {
		rec.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
	}
	if sc.HasSpanID() {
		rec.AddAttrs(slog.String("span_id", sc.SpanID().String()))
	}

	return h.Handler.Handle(ctx, rec)
}

func (h spanContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return spanContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h spanContextHandler) WithGroup(name string) slog.Handler {
	return spanContextHandler{Handler: h.Handler.WithGroup(name)}
}
