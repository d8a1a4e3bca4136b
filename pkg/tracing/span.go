// Package tracing provides lightweight in-process spans for timing the
// stages of an ingestion handoff. Spans propagate through contexts, nest
// into parent/child trees keyed by the file id acting as trace id, and are
// emitted as structured slog records when the root span is logged.
package tracing

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type contextKey struct{}

var spanKey contextKey

// Span is one timed stage of an operation.
type Span struct {
	Name    string
	TraceID string
	Started time.Time
	Elapsed time.Duration

	mu       sync.Mutex
	children []*Span
	attrs    []any
	err      error
}

func newSpan(name, traceID string) *Span {
	return &Span{Name: name, TraceID: traceID, Started: time.Now()}
}

// StartSpan opens a root span identified by traceID and returns a context
// carrying it.
func StartSpan(ctx context.Context, name, traceID string) (context.Context, *Span) {
	span := newSpan(name, traceID)
	return context.WithValue(ctx, spanKey, span), span
}

// StartChildSpan opens a span nested under the one in ctx. Without a parent
// it behaves like a root span with an empty trace id.
func StartChildSpan(ctx context.Context, name string) (context.Context, *Span) {
	child := newSpan(name, "")
	if parent := SpanFromContext(ctx); parent != nil {
		child.TraceID = parent.TraceID
		parent.mu.Lock()
		parent.children = append(parent.children, child)
		parent.mu.Unlock()
	}
	return context.WithValue(ctx, spanKey, child), child
}

// SpanFromContext returns the span carried by ctx, or nil.
func SpanFromContext(ctx context.Context) *Span {
	span, _ := ctx.Value(spanKey).(*Span)
	return span
}

// End stamps the span's duration. Safe to call through defer.
func (s *Span) End() {
	s.Elapsed = time.Since(s.Started)
}

// SetAttr attaches a key-value pair emitted with the span record.
func (s *Span) SetAttr(key string, value any) {
	s.mu.Lock()
	s.attrs = append(s.attrs, key, value)
	s.mu.Unlock()
}

// SetError marks the span as failed.
func (s *Span) SetError(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Log emits the span and its children as slog records, one per span.
func (s *Span) Log() {
	s.log(0)
}

func (s *Span) log(depth int) {
	attrs := []any{
		"trace_id", s.TraceID,
		"span", s.Name,
		"duration_ms", s.Elapsed.Milliseconds(),
		"depth", depth,
	}
	s.mu.Lock()
	attrs = append(attrs, s.attrs...)
	err := s.err
	children := s.children
	s.mu.Unlock()

	if err != nil {
		slog.Error("span", append(attrs, "error", err)...)
	} else {
		slog.Info("span", attrs...)
	}
	for _, child := range children {
		child.log(depth + 1)
	}
}
