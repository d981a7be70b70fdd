package memory

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vinayprograms/memoryd/logging"
	"github.com/vinayprograms/memoryd/telemetry"
)

// TracedStore wraps a VectorStore with spans and backend-call logs.
type TracedStore struct {
	inner      VectorStore
	backend    string
	collection string
	tracer     *telemetry.Tracer
	logger     *logging.Logger
}

// WithStoreTracing instruments store. A nil tracer uses the global one and a
// nil logger discards output.
func WithStoreTracing(store VectorStore, backend, collection string, tracer *telemetry.Tracer, logger *logging.Logger) *TracedStore {
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &TracedStore{
		inner:      store,
		backend:    backend,
		collection: collection,
		tracer:     tracer,
		logger:     logger,
	}
}

func (t *TracedStore) finish(op string, start time.Time, span trace.Span, opts telemetry.StoreSpanOptions, err error) {
	opts.Backend = t.backend
	opts.Collection = t.collection
	t.tracer.EndStoreSpan(span, opts, err)
	t.logger.BackendCall(t.backend, op, time.Since(start), err)
}

func (t *TracedStore) EnsureCollection(ctx context.Context) (err error) {
	ctx, span := t.tracer.StartStoreSpan(ctx, t.backend, "ensure_collection")
	defer func(start time.Time) {
		t.finish("ensure_collection", start, span, telemetry.StoreSpanOptions{}, err)
	}(time.Now())
	return t.inner.EnsureCollection(ctx)
}

func (t *TracedStore) Info(ctx context.Context) (info CollectionInfo, err error) {
	ctx, span := t.tracer.StartStoreSpan(ctx, t.backend, "info")
	defer func(start time.Time) {
		t.finish("info", start, span, telemetry.StoreSpanOptions{Items: info.Points}, err)
	}(time.Now())
	return t.inner.Info(ctx)
}

func (t *TracedStore) Upsert(ctx context.Context, items ...Item) (err error) {
	ctx, span := t.tracer.StartStoreSpan(ctx, t.backend, "upsert")
	defer func(start time.Time) {
		t.finish("upsert", start, span, telemetry.StoreSpanOptions{Items: len(items)}, err)
	}(time.Now())
	return t.inner.Upsert(ctx, items...)
}

func (t *TracedStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) (matches []Match, err error) {
	ctx, span := t.tracer.StartStoreSpan(ctx, t.backend, "search")
	defer func(start time.Time) {
		t.finish("search", start, span, telemetry.StoreSpanOptions{Items: len(matches), Filter: filter}, err)
	}(time.Now())
	return t.inner.Search(ctx, vector, topK, filter)
}

func (t *TracedStore) Scroll(ctx context.Context, filter Filter, limit int) (records []Record, err error) {
	ctx, span := t.tracer.StartStoreSpan(ctx, t.backend, "scroll")
	defer func(start time.Time) {
		t.finish("scroll", start, span, telemetry.StoreSpanOptions{Items: len(records), Filter: filter}, err)
	}(time.Now())
	return t.inner.Scroll(ctx, filter, limit)
}

func (t *TracedStore) Patch(ctx context.Context, ids []string, fields Payload) (err error) {
	ctx, span := t.tracer.StartStoreSpan(ctx, t.backend, "patch")
	defer func(start time.Time) {
		t.finish("patch", start, span, telemetry.StoreSpanOptions{Items: len(ids)}, err)
	}(time.Now())
	return t.inner.Patch(ctx, ids, fields)
}

func (t *TracedStore) Close() error {
	return t.inner.Close()
}

// TracedEmbedder wraps an EmbeddingProvider with a span per batch.
type TracedEmbedder struct {
	inner    EmbeddingProvider
	provider string
	model    string
	tracer   *telemetry.Tracer
	logger   *logging.Logger
}

// WithEmbedTracing instruments an embedding provider.
func WithEmbedTracing(inner EmbeddingProvider, provider, model string, tracer *telemetry.Tracer, logger *logging.Logger) *TracedEmbedder {
	if tracer == nil {
		tracer = telemetry.GetTracer()
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &TracedEmbedder{inner: inner, provider: provider, model: model, tracer: tracer, logger: logger}
}

func (t *TracedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	start := time.Now()
	ctx, span := t.tracer.StartEmbedSpan(ctx, t.provider, t.model, len(texts))
	out, err := t.inner.Embed(ctx, texts)
	telemetry.End(span, err)
	t.logger.BackendCall(t.provider, "embed", time.Since(start), err)
	return out, err
}

func (t *TracedEmbedder) Dimension() int {
	return t.inner.Dimension()
}
