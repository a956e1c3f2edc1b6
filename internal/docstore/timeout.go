package docstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"formpilot/api/internal/telemetry"
)

// WithTimeout bounds every call to next by d. A call that runs out of time
// fails with ErrTransient.
func WithTimeout(next Store, d time.Duration) Store {
	if d <= 0 {
		return next
	}
	return &timeoutStore{next: next, timeout: d}
}

type timeoutStore struct {
	next    Store
	timeout time.Duration
}

func (s *timeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *timeoutStore) Create(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	doc, err := s.next.Create(ctx, collection, id, data)
	return doc, deadline(ctx, err)
}

func (s *timeoutStore) Get(ctx context.Context, collection, id string) (Document, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	doc, err := s.next.Get(ctx, collection, id)
	return doc, deadline(ctx, err)
}

func (s *timeoutStore) Update(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	doc, err := s.next.Update(ctx, collection, id, data)
	return doc, deadline(ctx, err)
}

func (s *timeoutStore) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return deadline(ctx, s.next.Delete(ctx, collection, id))
}

func (s *timeoutStore) List(ctx context.Context, collection string, q Query) ([]Document, int, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	docs, total, err := s.next.List(ctx, collection, q)
	return docs, total, deadline(ctx, err)
}

func (s *timeoutStore) EnsureIndex(ctx context.Context, collection string, idx Index) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return deadline(ctx, s.next.EnsureIndex(ctx, collection, idx))
}

func (s *timeoutStore) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return deadline(ctx, s.next.Ping(ctx))
}

func deadline(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrTransient) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}

// WithTracing starts a span around every call to next.
func WithTracing(next Store) Store {
	return &tracedStore{next: next, tracer: telemetry.Tracer("docstore")}
}

type tracedStore struct {
	next   Store
	tracer trace.Tracer
}

func (s *tracedStore) start(ctx context.Context, op, collection string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "docstore."+op, trace.WithAttributes(attribute.String("docstore.collection", collection)))
}

func finish(span trace.Span, err error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *tracedStore) Create(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	ctx, span := s.start(ctx, "create", collection)
	doc, err := s.next.Create(ctx, collection, id, data)
	finish(span, err)
	return doc, err
}

func (s *tracedStore) Get(ctx context.Context, collection, id string) (Document, error) {
	ctx, span := s.start(ctx, "get", collection)
	doc, err := s.next.Get(ctx, collection, id)
	finish(span, err)
	return doc, err
}

func (s *tracedStore) Update(ctx context.Context, collection, id string, data map[string]any) (Document, error) {
	ctx, span := s.start(ctx, "update", collection)
	doc, err := s.next.Update(ctx, collection, id, data)
	finish(span, err)
	return doc, err
}

func (s *tracedStore) Delete(ctx context.Context, collection, id string) error {
	ctx, span := s.start(ctx, "delete", collection)
	err := s.next.Delete(ctx, collection, id)
	finish(span, err)
	return err
}

func (s *tracedStore) List(ctx context.Context, collection string, q Query) ([]Document, int, error) {
	ctx, span := s.start(ctx, "list", collection)
	docs, total, err := s.next.List(ctx, collection, q)
	span.SetAttributes(attribute.Int("docstore.total", total))
	finish(span, err)
	return docs, total, err
}

func (s *tracedStore) EnsureIndex(ctx context.Context, collection string, idx Index) error {
	ctx, span := s.start(ctx, "ensure_index", collection)
	err := s.next.EnsureIndex(ctx, collection, idx)
	finish(span, err)
	return err
}

func (s *tracedStore) Ping(ctx context.Context) error {
	return s.next.Ping(ctx)
}
