package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TraceObserver records events as span events on the span carried by the
// event context. Events delivered after their span ended, or outside any
// recording span, are dropped. Stores record their own events on the
// dispatch span with AddSpanEvent before handing them to observers.
type TraceObserver struct {
	minLevel Level
}

// NewTraceObserver creates a TraceObserver that records events at or above
// minLevel.
func NewTraceObserver(minLevel Level) *TraceObserver {
	return &TraceObserver{minLevel: minLevel}
}

func (o *TraceObserver) OnEvent(ctx context.Context, event Event) {
	if event.Level < o.minLevel {
		return
	}
	AddSpanEvent(trace.SpanFromContext(ctx), event)
}

// AddSpanEvent records event on span when the span is recording. Event data
// becomes span event attributes.
func AddSpanEvent(span trace.Span, event Event) {
	if !span.IsRecording() {
		return
	}

	attrs := make([]attribute.KeyValue, 0, len(event.Data)+2)
	attrs = append(attrs,
		attribute.String("event.source", event.Source),
		attribute.String("event.severity", event.Level.String()),
	)
	for k, v := range event.Data {
		attrs = append(attrs, toAttribute(k, v))
	}

	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	span.AddEvent(string(event.Type), trace.WithTimestamp(ts), trace.WithAttributes(attrs...))
}

func toAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case uint64:
		return attribute.Int64(key, int64(v))
	case float64:
		return attribute.Float64(key, v)
	case time.Duration:
		return attribute.String(key, v.String())
	case []string:
		return attribute.StringSlice(key, v)
	case error:
		return attribute.String(key, v.Error())
	default:
		return attribute.String(key, fmt.Sprint(v))
	}
}
