package sagalog

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
)

// TraceInfo holds the OpenTelemetry identifiers found in a context.
type TraceInfo struct {
	TraceID string
	SpanID  string
}

// ExtractTraceInfo returns the trace and span ids of the span active in ctx.
// Both are empty when there is none, as in most unit tests.
func ExtractTraceInfo(ctx context.Context) TraceInfo {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return TraceInfo{}
	}
	return TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
	}
}

// NewEntry builds an entry stamped with the current time and the trace of ctx.
//
//	_ = repo.Save(ctx, sagalog.NewEntry(ctx, sagaID, sagalog.StatusEventPublished, "Publish_Task_Created_Step", ""))
func NewEntry(ctx context.Context, sagaID string, status Status, step, details string) *Entry {
	ti := ExtractTraceInfo(ctx)
	return &Entry{
		SagaID:    sagaID,
		Status:    status,
		Step:      step,
		Details:   details,
		TraceID:   ti.TraceID,
		SpanID:    ti.SpanID,
		Timestamp: time.Now().UTC(),
	}
}
