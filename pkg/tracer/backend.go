package tracer

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/stleox/seespan/pkg/exporter"
	attr "go.opentelemetry.io/otel/attribute"
	tr "go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/stleox/seespan"

// Backend drives an OpenTelemetry tracer. Handles are tr.Span values.
type Backend struct {
	tracer tr.Tracer
}

func NewBackend(tp tr.TracerProvider) *Backend {
	return &Backend{tracer: tp.Tracer(instrumentationName)}
}

func (b *Backend) StartRootSpan(ctx context.Context, name string, start time.Time, tags exporter.Tags, ignoreActive bool) (exporter.Handle, error) {
	opts := startOptions(start, tags)
	if ignoreActive {
		opts = append(opts, tr.WithNewRoot())
	}
	_, span := b.tracer.Start(ctx, name, opts...)
	return span, nil
}

func (b *Backend) StartChildSpan(ctx context.Context, name string, start time.Time, tags exporter.Tags, parent exporter.Handle) (exporter.Handle, error) {
	parentSpan, ok := parent.(tr.Span)
	if !ok {
		return nil, fmt.Errorf("parent handle is %T, not an OpenTelemetry span", parent)
	}
	_, span := b.tracer.Start(tr.ContextWithSpan(ctx, parentSpan), name, startOptions(start, tags)...)
	return span, nil
}

func (b *Backend) FinishSpan(_ context.Context, h exporter.Handle, finish time.Time) error {
	span, ok := h.(tr.Span)
	if !ok {
		return fmt.Errorf("handle is %T, not an OpenTelemetry span", h)
	}
	span.End(tr.WithTimestamp(finish))
	return nil
}

func startOptions(start time.Time, tags exporter.Tags) []tr.SpanStartOption {
	return []tr.SpanStartOption{
		tr.WithTimestamp(start),
		tr.WithAttributes(attributesOf(tags)...),
	}
}

// attributesOf converts tags sorted by key, so exported spans are stable.
func attributesOf(tags exporter.Tags) []attr.KeyValue {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	kvs := make([]attr.KeyValue, 0, len(tags))
	for _, k := range keys {
		kvs = append(kvs, attributeOf(k, tags[k]))
	}
	return kvs
}

func attributeOf(k string, v any) attr.KeyValue {
	switch v := v.(type) {
	case string:
		return attr.String(k, v)
	case bool:
		return attr.Bool(k, v)
	case int:
		return attr.Int(k, v)
	case int64:
		return attr.Int64(k, v)
	case uint64:
		// pid/tid 超过 int64 范围时退化为字符串
		if v > math.MaxInt64 {
			return attr.String(k, fmt.Sprint(v))
		}
		return attr.Int64(k, int64(v))
	case float64:
		return attr.Float64(k, v)
	default:
		return attr.String(k, fmt.Sprint(v))
	}
}
