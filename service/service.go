// Package service orchestrates ingestion and retrieval: it classifies
// observations, schedules summarize-and-store jobs, embeds texts and talks
// to the vector store.
package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/llm"
	"github.com/vinayprograms/memoryd/logging"
	"github.com/vinayprograms/memoryd/memory"
	"github.com/vinayprograms/memoryd/tasks"
)

// Defaults for Config.
const (
	DefaultTopK         = 5
	DefaultMaxTextBytes = 32768
	DefaultSourceHost   = "OpenWebUI"
	DefaultSourceRole   = "user"
	DefaultChannel      = "chat"

	// JobKind labels summarize-and-store tasks.
	JobKind = "summarize_and_store"
)

// Classifier decides whether a text is worth remembering.
type Classifier interface {
	Classify(ctx context.Context, text string) (llm.Verdict, error)
}

// Summarizer condenses texts into one note.
type Summarizer interface {
	Summarize(ctx context.Context, texts []string) (string, error)
}

// Scheduler runs jobs in the background and returns a task id.
type Scheduler interface {
	Submit(ctx context.Context, spec tasks.Spec, job tasks.Job) (string, error)
}

// Config tunes the service.
type Config struct {
	SourceHost   string
	MaxTextBytes int
	Now          func() time.Time
}

func (c *Config) applyDefaults() {
	if c.SourceHost == "" {
		c.SourceHost = DefaultSourceHost
	}
	if c.MaxTextBytes <= 0 {
		c.MaxTextBytes = DefaultMaxTextBytes
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Deps are the collaborators of a Service. Tasks may be nil when task
// lookups are not needed.
type Deps struct {
	Classifier Classifier
	Summarizer Summarizer
	Embedder   memory.EmbeddingProvider
	Store      memory.VectorStore
	Scheduler  Scheduler
	Tasks      *tasks.Manager
}

// Service is the memory engine behind the HTTP API and the tool server.
type Service struct {
	deps   Deps
	cfg    Config
	logger *logging.Logger
}

// New creates a Service.
func New(deps Deps, cfg Config, logger *logging.Logger) *Service {
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.Nop()
	}
	return &Service{deps: deps, cfg: cfg, logger: logger.WithComponent("service")}
}

// ObserveRequest is a chat message offered for remembering.
type ObserveRequest struct {
	Text    string `json:"text"`
	Role    string `json:"role,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// ObserveStatus is the outcome of Observe.
type ObserveStatus string

const (
	StatusEmpty     ObserveStatus = "empty"
	StatusSkipped   ObserveStatus = "skipped"
	StatusScheduled ObserveStatus = "scheduled"
)

// ObserveResult reports what Observe did.
type ObserveResult struct {
	Status  ObserveStatus `json:"status"`
	Project string        `json:"project,omitempty"`
	Kind    string        `json:"kind,omitempty"`
	Tags    []string      `json:"tags,omitempty"`
	TaskID  string        `json:"task_id,omitempty"`
}

// Message renders the result for chat users.
func (r ObserveResult) Message() string {
	switch r.Status {
	case StatusEmpty:
		return "Leerer Text, nichts zu speichern."
	case StatusSkipped:
		return "Nicht speicherwürdig, übersprungen."
	default:
		return fmt.Sprintf("Im Memory gespeichert (Projekt: %s, kind: %s, tags: %v).", r.Project, r.Kind, r.Tags)
	}
}

// Observe classifies text and, when it is worth keeping, schedules a
// summarize-and-store job. It does not wait for the job.
func (s *Service) Observe(ctx context.Context, req ObserveRequest) (ObserveResult, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		s.logger.Observed(string(StatusEmpty), "", "")
		return ObserveResult{Status: StatusEmpty}, nil
	}
	if err := s.checkSize(text); err != nil {
		return ObserveResult{}, err
	}

	verdict, err := s.deps.Classifier.Classify(ctx, text)
	if err != nil {
		return ObserveResult{}, err
	}

	store, ok := verdict.(llm.Store)
	if !ok {
		s.logger.Skipped("classifier")
		s.logger.Observed(string(StatusSkipped), "", "")
		return ObserveResult{Status: StatusSkipped}, nil
	}

	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = DefaultSourceRole
	}
	channel := strings.TrimSpace(req.Channel)
	if channel == "" {
		channel = DefaultChannel
	}

	meta := store.Metadata.WithDefaults()
	payload := meta.Payload()
	payload[memory.KeySourceRole] = role
	payload[memory.KeySourceChannel] = channel
	payload[memory.KeySourceHost] = s.cfg.SourceHost
	payload[memory.KeyCreatedAt] = memory.Timestamp(s.cfg.Now())

	taskID, err := s.schedule(ctx, []string{text}, payload)
	if err != nil {
		return ObserveResult{}, err
	}

	s.logger.Observed(string(StatusScheduled), meta.Project, string(meta.Kind))
	return ObserveResult{
		Status:  StatusScheduled,
		Project: meta.Project,
		Kind:    string(meta.Kind),
		Tags:    meta.Tags,
		TaskID:  taskID,
	}, nil
}

// SummarizeAndStore schedules a job that summarizes texts and stores the
// summary with payload. It returns the task id.
func (s *Service) SummarizeAndStore(ctx context.Context, texts []string, payload memory.Payload) (string, error) {
	if len(texts) == 0 {
		return "", errors.InvalidInput("texts must not be empty")
	}
	cleaned := make([]string, 0, len(texts))
	for _, t := range texts {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if err := s.checkSize(t); err != nil {
			return "", err
		}
		cleaned = append(cleaned, t)
	}
	if len(cleaned) == 0 {
		return "", errors.InvalidInput("texts must not be empty")
	}
	return s.schedule(ctx, cleaned, payload)
}

type jobPayload struct {
	Items   int            `json:"items"`
	Project string         `json:"project"`
	Kind    string         `json:"kind,omitempty"`
	Meta    memory.Payload `json:"metadata,omitempty"`
}

func (s *Service) schedule(ctx context.Context, texts []string, payload memory.Payload) (string, error) {
	payload = payload.Clone()
	spec := tasks.Spec{
		Kind: JobKind,
		Payload: jobPayload{
			Items:   len(texts),
			Project: payload.Project(),
			Kind:    payload.String(memory.KeyKind),
			Meta:    payload,
		},
	}
	return s.deps.Scheduler.Submit(ctx, spec, func(ctx context.Context) (any, error) {
		id, err := s.summarizeAndStore(ctx, texts, payload)
		if err != nil {
			return nil, err
		}
		return map[string]string{"id": id}, nil
	})
}

// summarizeAndStore is the background job body.
func (s *Service) summarizeAndStore(ctx context.Context, texts []string, payload memory.Payload) (string, error) {
	summary, err := s.deps.Summarizer.Summarize(ctx, texts)
	if err != nil {
		return "", errors.Wrap(err, "summarize")
	}

	meta := payload.Clone()
	meta[memory.KeyConsolidated] = true
	if strings.TrimSpace(meta.String(memory.KeyKind)) == "" {
		meta[memory.KeyKind] = string(memory.KindSummary)
	}
	return s.Upsert(ctx, UpsertRequest{Text: summary, Metadata: meta})
}

// UpsertRequest is one text to store verbatim.
type UpsertRequest struct {
	ID       string         `json:"id,omitempty"`
	Text     string         `json:"text"`
	Metadata memory.Payload `json:"metadata,omitempty"`
}

// Upsert embeds and stores one text and returns its id.
func (s *Service) Upsert(ctx context.Context, req UpsertRequest) (string, error) {
	ids, err := s.upsert(ctx, []UpsertRequest{req})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// BatchUpsert stores all texts with one embedding call and one store write.
func (s *Service) BatchUpsert(ctx context.Context, reqs []UpsertRequest) (int, error) {
	if len(reqs) == 0 {
		return 0, errors.InvalidInput("items must not be empty")
	}
	ids, err := s.upsert(ctx, reqs)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func (s *Service) upsert(ctx context.Context, reqs []UpsertRequest) ([]string, error) {
	texts := make([]string, len(reqs))
	for i, r := range reqs {
		texts[i] = strings.TrimSpace(r.Text)
		if texts[i] == "" {
			return nil, errors.InvalidInput("text must not be empty",
				errors.WithMetadata("index", fmt.Sprint(i)))
		}
		if err := s.checkSize(texts[i]); err != nil {
			return nil, err
		}
	}

	vectors, err := s.deps.Embedder.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}

	items := make([]memory.Item, len(reqs))
	ids := make([]string, len(reqs))
	for i, r := range reqs {
		payload := r.Metadata.Clone()
		if _, ok := payload[memory.KeyConsolidated]; !ok {
			payload[memory.KeyConsolidated] = false
		}
		id := r.ID
		if id == "" {
			id = newID()
		}
		ids[i] = id
		items[i] = memory.Item{ID: id, Text: texts[i], Vector: vectors[i], Payload: payload}
	}

	if err := s.deps.Store.Upsert(ctx, items...); err != nil {
		return nil, err
	}
	return ids, nil
}

// SearchRequest is a similarity query.
type SearchRequest struct {
	Query  string        `json:"query"`
	TopK   int           `json:"top_k,omitempty"`
	Filter memory.Filter `json:"filter,omitempty"`
}

// Search embeds the query and returns the closest memories.
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]memory.Match, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.InvalidInput("query must not be empty")
	}
	if err := s.checkSize(query); err != nil {
		return nil, err
	}
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	vectors, err := s.deps.Embedder.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return s.deps.Store.Search(ctx, vectors[0], topK, req.Filter)
}

// Info describes the collection.
func (s *Service) Info(ctx context.Context) (memory.CollectionInfo, error) {
	return s.deps.Store.Info(ctx)
}

// Task returns a scheduled job's record.
func (s *Service) Task(ctx context.Context, id string) (*tasks.Task, error) {
	if s.deps.Tasks == nil {
		return nil, errors.New(errors.ErrCodeUnavailable, "task tracking not configured")
	}
	task, err := s.deps.Tasks.Get(ctx, id)
	if stderrors.Is(err, tasks.ErrTaskNotFound) {
		return nil, errors.NotFound("task " + id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "load task")
	}
	return task, nil
}

func (s *Service) checkSize(text string) error {
	if len(text) > s.cfg.MaxTextBytes {
		return errors.Newf(errors.ErrCodeInvalidInput,
			"text is %d bytes, limit is %d", len(text), s.cfg.MaxTextBytes)
	}
	return nil
}
