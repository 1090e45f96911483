package exporter

import (
	"context"
	"time"

	"github.com/stleox/seespan/pkg/span"
)

// Handle is an opaque reference to a span created by a Backend.
type Handle any

// Tags are the descriptive attributes attached to every exported span.
type Tags map[string]any

// Backend is the tracer the exporter drives. Every call receives the execution
// context of the thread the span originated from.
type Backend interface {
	// StartRootSpan starts a span without a parent handle. When ignoreActive is
	// false the backend may attach it to whatever span is active in ctx.
	StartRootSpan(ctx context.Context, name string, start time.Time, tags Tags, ignoreActive bool) (Handle, error)
	StartChildSpan(ctx context.Context, name string, start time.Time, tags Tags, parent Handle) (Handle, error)
	FinishSpan(ctx context.Context, h Handle, finish time.Time) error
}

// FinishedSpan pairs the Start and End events of a span the backend finished.
type FinishedSpan struct {
	Start *span.Span
	End   *span.Span
}

// Sink observes every span finished on the backend.
type Sink interface {
	Record(s FinishedSpan)
}

const (
	TagHostname      = "hostname"
	TagProcessID     = "process_id"
	TagThreadID      = "thread_id"
	TagFileName      = "file_name"
	TagLineNumber    = "line_number"
	TagIsCoroutine   = "is_coroutine"
	TagIsGenerator   = "is_generator"
	TagCorrelationID = "correlation_id"
)

func tagsOf(s *span.Span) Tags {
	tags := Tags{
		TagHostname:    s.Hostname,
		TagProcessID:   s.ProcessID,
		TagThreadID:    s.ThreadID,
		TagFileName:    s.FileName,
		TagLineNumber:  s.LineNumber,
		TagIsCoroutine: s.IsCoroutine,
		TagIsGenerator: s.IsGenerator,
	}
	if s.CorrelationID != "" {
		tags[TagCorrelationID] = s.CorrelationID
	}
	return tags
}
