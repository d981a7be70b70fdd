package main

import (
	"context"
	stderrors "errors"
	"io"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/vinayprograms/memoryd/config"
	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/llm"
	"github.com/vinayprograms/memoryd/logging"
	"github.com/vinayprograms/memoryd/memory"
	"github.com/vinayprograms/memoryd/ratelimit"
	"github.com/vinayprograms/memoryd/service"
	"github.com/vinayprograms/memoryd/shutdown"
	"github.com/vinayprograms/memoryd/state"
	"github.com/vinayprograms/memoryd/tasks"
	"github.com/vinayprograms/memoryd/telemetry"
)

// jobTimeout bounds one background embed-and-store job.
const jobTimeout = 2 * time.Minute

// engine is the in-process memory engine with everything it depends on.
// Every component is registered with the coordinator for shutdown.
type engine struct {
	state      state.Store
	store      memory.VectorStore
	summarizer *llm.Summarizer
	queue      *tasks.Queue
	service    *service.Service
}

func newCoordinator(logger *logging.Logger) *shutdown.Coordinator {
	cfg := shutdown.DefaultConfig()
	cfg.OnProgress = func(r shutdown.HandlerResult) {
		fields := logging.Fields{"handler": r.Name, "phase": r.Phase, "duration": r.Duration.String()}
		if r.Err != nil {
			fields["error"] = r.Err
			logger.Warn("shutdown_handler_failed", fields)
			return
		}
		logger.Debug("shutdown_handler_done", fields)
	}
	return shutdown.NewCoordinator(cfg)
}

// setupTelemetry installs the OTLP exporter when an endpoint is configured
// and returns the tracer to hand to components.
func setupTelemetry(ctx context.Context, cfg *config.Config, coord *shutdown.Coordinator, logger *logging.Logger) *telemetry.Tracer {
	provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
		ServiceName:    "memoryd",
		ServiceVersion: version,
		Endpoint:       cfg.OTel.Endpoint,
		Protocol:       cfg.OTel.Protocol,
		Debug:          cfg.OTel.Debug,
	})
	switch {
	case stderrors.Is(err, telemetry.ErrNoEndpoint):
		logger.Debug("tracing_disabled")
		return telemetry.GetTracer()
	case err != nil:
		logger.Warn("tracing_unavailable", logging.Fields{"error": err})
		return telemetry.GetTracer()
	}
	coord.RegisterWithPhase("telemetry", provider, shutdown.PhaseTelemetry)
	logger.Info("tracing_enabled", logging.Fields{"endpoint": cfg.OTel.Endpoint, "protocol": cfg.OTel.Protocol})
	return provider.Tracer()
}

// newLimiter throttles the model backends to MEMORY_CHAT_RPM and
// MEMORY_EMBED_RPM.
func newLimiter(cfg *config.Config, coord *shutdown.Coordinator) *ratelimit.Limiter {
	limiter := ratelimit.New()
	limiter.SetRate("chat", cfg.Memory.ChatRPM, time.Minute)
	limiter.SetRate("embed", cfg.Memory.EmbedRPM, time.Minute)
	coord.RegisterCloser("ratelimit", limiter, shutdown.PhaseBackends)
	return limiter
}

// openState returns the shared lock and task store: NATS JetStream KV when
// NATS_URL is set, process memory otherwise.
func openState(cfg *config.Config, coord *shutdown.Coordinator, logger *logging.Logger) (state.Store, error) {
	if cfg.NATS.URL == "" {
		s := state.NewMemoryStore()
		coord.RegisterCloser("state", s, shutdown.PhaseBackends)
		return s, nil
	}

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("memoryd"))
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeUnavailable, "connect to nats",
			errors.WithMetadata("url", cfg.NATS.URL))
	}
	natsCfg := state.DefaultNATSStoreConfig()
	natsCfg.Conn = nc
	natsCfg.Bucket = cfg.NATS.Bucket
	s, err := state.NewNATSStore(natsCfg)
	if err != nil {
		nc.Close()
		return nil, errors.Storage("nats", "open state bucket", err)
	}
	coord.RegisterCloser("state", s, shutdown.PhaseBackends)
	coord.RegisterFuncWithPhase("nats", func(context.Context) error { return nc.Drain() }, shutdown.PhaseTelemetry)
	logger.Info("state_backend", logging.Fields{"backend": "nats", "bucket": natsCfg.Bucket})
	return s, nil
}

// openEmbedder builds the embedding provider with its cache and tracing.
func openEmbedder(ctx context.Context, cfg *config.Config, coord *shutdown.Coordinator, limiter *ratelimit.Limiter, tracer *telemetry.Tracer, logger *logging.Logger) (memory.EmbeddingProvider, error) {
	provider := cfg.Memory.EmbedProvider
	model := cfg.OpenAI.EmbedModel
	if provider == "google" {
		model = ""
	}
	embedder, err := memory.NewEmbedder(ctx, memory.EmbedderConfig{
		Provider:  provider,
		APIKey:    cfg.EmbedAPIKey(),
		BaseURL:   cfg.OpenAI.BaseURL,
		Model:     model,
		Dimension: cfg.Qdrant.VectorSize,
	})
	if err != nil {
		return nil, err
	}
	if c, ok := embedder.(io.Closer); ok {
		coord.RegisterCloser("embedder", c, shutdown.PhaseBackends)
	}
	if embedder.Dimension() != cfg.Qdrant.VectorSize {
		return nil, errors.Newf(errors.ErrCodeInvalidInput,
			"embedding dimension %d does not match QDRANT_VECTOR_SIZE %d", embedder.Dimension(), cfg.Qdrant.VectorSize)
	}
	embedder = memory.WithEmbedRateLimit(embedder, limiter, "embed")

	if cfg.Memory.EmbedCache > 0 {
		cached, err := memory.NewCachedEmbedder(embedder, memory.CacheConfig{MaxEntries: cfg.Memory.EmbedCache})
		if err != nil {
			return nil, err
		}
		coord.RegisterCloser("embed-cache", cached, shutdown.PhaseBackends)
		embedder = cached
	}
	return memory.WithEmbedTracing(embedder, provider, model, tracer, logger), nil
}

// openStore connects the configured vector store and makes sure the
// collection exists with the configured dimension and distance.
func openStore(ctx context.Context, cfg *config.Config, coord *shutdown.Coordinator, tracer *telemetry.Tracer, logger *logging.Logger) (memory.VectorStore, error) {
	var (
		store memory.VectorStore
		err   error
	)
	switch cfg.Memory.Store {
	case "bleve":
		store, err = memory.NewBleveStore(memory.BleveStoreConfig{
			Path:       cfg.Memory.BlevePath,
			Collection: cfg.Qdrant.Collection,
			Dimension:  cfg.Qdrant.VectorSize,
			Distance:   cfg.Distance(),
		})
	default:
		store, err = memory.NewQdrantStore(memory.QdrantConfig{
			URL:        cfg.Qdrant.URL,
			Collection: cfg.Qdrant.Collection,
			Dimension:  cfg.Qdrant.VectorSize,
			Distance:   cfg.Distance(),
			APIKey:     cfg.Qdrant.APIKey,
		})
	}
	if err != nil {
		return nil, err
	}
	traced := memory.WithStoreTracing(store, cfg.Memory.Store, cfg.Qdrant.Collection, tracer, logger)
	coord.RegisterCloser("vector-store", traced, shutdown.PhaseBackends)

	if err := traced.EnsureCollection(ctx); err != nil {
		return nil, err
	}
	logger.Info("collection_ready", logging.Fields{
		"backend":    cfg.Memory.Store,
		"collection": cfg.Qdrant.Collection,
		"dimension":  cfg.Qdrant.VectorSize,
		"distance":   string(cfg.Distance()),
	})
	return traced, nil
}

// openChat builds the chat model used by the classifier and summarizer.
func openChat(ctx context.Context, cfg *config.Config, coord *shutdown.Coordinator, limiter *ratelimit.Limiter, tracer *telemetry.Tracer) (llm.Provider, error) {
	provider, err := llm.NewProvider(ctx, llm.ProviderConfig{
		Provider: cfg.Memory.ChatProvider,
		Model:    cfg.ChatModel(),
		APIKey:   cfg.ChatAPIKey(),
		BaseURL:  cfg.OpenAI.BaseURL,
	})
	if err != nil {
		return nil, err
	}
	if c, ok := provider.(io.Closer); ok {
		coord.RegisterCloser("chat", c, shutdown.PhaseBackends)
	}
	return llm.WithTracing(llm.WithRateLimit(provider, limiter, "chat"), cfg.Memory.ChatProvider, tracer), nil
}

// openEngine builds and starts the memory engine. On error the components
// opened so far are left registered with coord for cleanup.
func openEngine(ctx context.Context, cfg *config.Config, coord *shutdown.Coordinator, tracer *telemetry.Tracer, logger *logging.Logger) (*engine, error) {
	st, err := openState(cfg, coord, logger)
	if err != nil {
		return nil, err
	}
	limiter := newLimiter(cfg, coord)
	embedder, err := openEmbedder(ctx, cfg, coord, limiter, tracer, logger)
	if err != nil {
		return nil, err
	}
	store, err := openStore(ctx, cfg, coord, tracer, logger)
	if err != nil {
		return nil, err
	}
	chat, err := openChat(ctx, cfg, coord, limiter, tracer)
	if err != nil {
		return nil, err
	}

	manager := tasks.NewManager(st)
	coord.RegisterCloser("tasks", manager, shutdown.PhaseBackends)

	queue := tasks.NewQueue(manager, tasks.QueueConfig{
		Size:       cfg.Memory.QueueSize,
		Workers:    cfg.Memory.Workers,
		JobTimeout: jobTimeout,
	}, logger)
	queue.Start()
	coord.RegisterFuncWithPhase("queue", queue.Shutdown, shutdown.PhaseDrain)

	summarizer := llm.NewSummarizer(chat)
	svc := service.New(service.Deps{
		Classifier: llm.NewClassifier(chat, logger),
		Summarizer: summarizer,
		Embedder:   embedder,
		Store:      store,
		Scheduler:  queue,
		Tasks:      manager,
	}, service.Config{
		SourceHost:   cfg.Memory.SourceHost,
		MaxTextBytes: cfg.Memory.MaxTextBytes,
	}, logger)

	return &engine{
		state:      st,
		store:      store,
		summarizer: summarizer,
		queue:      queue,
		service:    svc,
	}, nil
}
