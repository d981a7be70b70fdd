package consolidate

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/memory"
	"github.com/vinayprograms/memoryd/service"
	"github.com/vinayprograms/memoryd/state"
)

// fakeSummarizer records calls and fails for selected projects.
type fakeSummarizer struct {
	mu       sync.Mutex
	calls    map[string][]string
	order    []string
	failWith map[string]error
}

func newFakeSummarizer() *fakeSummarizer {
	return &fakeSummarizer{calls: map[string][]string{}, failWith: map[string]error{}}
}

func (s *fakeSummarizer) SummarizeProject(ctx context.Context, project string, texts []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append(s.order, project)
	s.calls[project] = texts
	if err := s.failWith[project]; err != nil {
		return "", err
	}
	return "Summary " + project + ": " + strings.Join(texts, "; "), nil
}

// storeWriter writes summaries straight into the store.
type storeWriter struct {
	store    memory.VectorStore
	embedder memory.EmbeddingProvider
	fail     error
	written  []service.UpsertRequest
}

func (w *storeWriter) Upsert(ctx context.Context, req service.UpsertRequest) (string, error) {
	if w.fail != nil {
		return "", w.fail
	}
	w.written = append(w.written, req)
	vecs, err := w.embedder.Embed(ctx, []string{req.Text})
	if err != nil {
		return "", err
	}
	item := memory.Item{Text: req.Text, Vector: vecs[0], Payload: req.Metadata}
	return "", w.store.Upsert(ctx, item)
}

// patchFailStore fails the first failures Patch calls.
type patchFailStore struct {
	memory.VectorStore
	failures int
}

func (s *patchFailStore) Patch(ctx context.Context, ids []string, fields memory.Payload) error {
	if s.failures > 0 {
		s.failures--
		return errors.Storage("test", "patch rejected", nil)
	}
	return s.VectorStore.Patch(ctx, ids, fields)
}

// refreshingLocks hands out locks that count refreshes and can be made to
// report expiry.
type refreshingLocks struct {
	*state.MemoryStore
	refreshes int
	expired   bool
}

func (s *refreshingLocks) Lock(key string, ttl time.Duration) (state.Lock, error) {
	l, err := s.MemoryStore.Lock(key, ttl)
	if err != nil {
		return nil, err
	}
	return &countedLock{Lock: l, owner: s}, nil
}

type countedLock struct {
	state.Lock
	owner *refreshingLocks
}

func (l *countedLock) Refresh() error {
	l.owner.refreshes++
	if l.owner.expired {
		return state.ErrLockExpired
	}
	return l.Lock.Refresh()
}

type fixture struct {
	store      *memory.BleveStore
	embedder   *memory.MockEmbedder
	summarizer *fakeSummarizer
	writer     *storeWriter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := memory.NewBleveStore(memory.BleveStoreConfig{Collection: "test", Dimension: 8})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.EnsureCollection(context.Background()); err != nil {
		t.Fatal(err)
	}
	emb := memory.NewMockEmbedder(8)
	return &fixture{
		store:      store,
		embedder:   emb,
		summarizer: newFakeSummarizer(),
		writer:     &storeWriter{store: store, embedder: emb},
	}
}

func (f *fixture) seed(t *testing.T, notes ...[2]string) {
	t.Helper()
	ctx := context.Background()
	for _, n := range notes {
		vecs, _ := f.embedder.Embed(ctx, []string{n[1]})
		payload := memory.Payload{memory.KeyConsolidated: false}
		if n[0] != "" {
			payload[memory.KeyProject] = n[0]
		}
		if err := f.store.Upsert(ctx, memory.Item{Text: n[1], Vector: vecs[0], Payload: payload}); err != nil {
			t.Fatal(err)
		}
	}
}

func (f *fixture) unconsolidated(t *testing.T) int {
	t.Helper()
	recs, err := f.store.Scroll(context.Background(), memory.ConsolidatedFilter(false), 100)
	if err != nil {
		t.Fatal(err)
	}
	return len(recs)
}

func TestRunOnceConsolidatesByProject(t *testing.T) {
	f := newFixture(t)
	f.seed(t,
		[2]string{"Jar-El", "Architektur festgelegt"},
		[2]string{"Erendria", "Karte gezeichnet"},
		[2]string{"Jar-El", "Release im Mai"},
		[2]string{"", "ohne Projekt"},
	)
	c := New(f.store, f.summarizer, f.writer, Config{Collection: "test"})

	report, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if report.Fetched != 4 || report.Groups != 3 || report.Stored != 3 || report.Marked != 4 || len(report.Failed) != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if got := strings.Join(f.summarizer.order, ","); got != "Allgemein,Erendria,Jar-El" {
		t.Errorf("groups must be processed in sorted order, got %s", got)
	}
	if len(f.summarizer.calls["Jar-El"]) != 2 {
		t.Errorf("Jar-El group should have 2 texts, got %v", f.summarizer.calls["Jar-El"])
	}
	if f.unconsolidated(t) != 0 {
		t.Error("all sources should be marked consolidated")
	}

	for _, w := range f.writer.written {
		m := w.Metadata
		if m[memory.KeyKind] != "summary" || m[memory.KeyConsolidated] != true {
			t.Errorf("unexpected summary metadata %v", m)
		}
		tags, _ := m[memory.KeyTags].([]string)
		if strings.Join(tags, ",") != "auto-summary,self-baked" {
			t.Errorf("unexpected tags %v", m[memory.KeyTags])
		}
		if m[memory.KeyProject] == "Jar-El" && m[memory.KeySourceCount] != 2 {
			t.Errorf("source_count = %v", m[memory.KeySourceCount])
		}
	}

	// Summaries are stored consolidated, so a second tick has nothing to do.
	report, err = c.RunOnce(context.Background())
	if err != nil || report.Fetched != 0 || report.Stored != 0 {
		t.Errorf("second tick should be idle, got %+v %v", report, err)
	}
}

func TestSummarizeFailureSkipsGroup(t *testing.T) {
	f := newFixture(t)
	f.seed(t, [2]string{"A", "eins"}, [2]string{"B", "zwei"})
	f.summarizer.failWith["A"] = errors.Upstream("llm", "down", nil)
	c := New(f.store, f.summarizer, f.writer, Config{Collection: "test"})

	report, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Stored != 1 || report.Marked != 1 || len(report.Failed) != 1 || report.Failed[0] != "A" {
		t.Errorf("unexpected report %+v", report)
	}
	if f.unconsolidated(t) != 1 {
		t.Error("failed group must stay unconsolidated")
	}
}

func TestStoreFailureDoesNotMark(t *testing.T) {
	f := newFixture(t)
	f.seed(t, [2]string{"A", "eins"})
	f.writer.fail = errors.Storage("qdrant", "unreachable", nil)
	c := New(f.store, f.summarizer, f.writer, Config{Collection: "test"})

	report, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Stored != 0 || report.Marked != 0 || len(report.Failed) != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if f.unconsolidated(t) != 1 {
		t.Error("sources must not be marked when the summary was not stored")
	}
}

func TestMarkFailureKeepsSources(t *testing.T) {
	f := newFixture(t)
	f.seed(t, [2]string{"A", "eins"})
	c := New(&patchFailStore{VectorStore: f.store, failures: 1}, f.summarizer, f.writer, Config{Collection: "test"})

	report, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Stored != 1 || report.Marked != 0 || len(report.Failed) != 1 {
		t.Errorf("unexpected report %+v", report)
	}
	if f.unconsolidated(t) != 1 {
		t.Error("unmarked source should be picked up again")
	}

	// The next tick summarizes the same source again: a duplicate summary.
	report, err = c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Fetched != 1 || report.Stored != 1 || report.Marked != 1 || len(report.Failed) != 0 {
		t.Errorf("second tick report %+v", report)
	}
	if len(f.writer.written) != 2 {
		t.Fatalf("summaries written = %d, want 2", len(f.writer.written))
	}
	if f.writer.written[0].Text != f.writer.written[1].Text {
		t.Errorf("expected the same summary twice, got %q and %q", f.writer.written[0].Text, f.writer.written[1].Text)
	}
	summaries, err := f.store.Scroll(context.Background(), memory.ConsolidatedFilter(true), 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(summaries) != 3 {
		t.Errorf("consolidated records = %d, want 2 summaries and the source", len(summaries))
	}

	report, err = c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Fetched != 0 || report.Stored != 0 {
		t.Errorf("third tick should be idle, got %+v", report)
	}
}

func TestLockRefreshedBetweenGroups(t *testing.T) {
	f := newFixture(t)
	f.seed(t, [2]string{"A", "eins"}, [2]string{"B", "zwei"}, [2]string{"C", "drei"})
	locks := &refreshingLocks{MemoryStore: state.NewMemoryStore()}
	defer locks.Close()
	c := New(f.store, f.summarizer, f.writer, Config{Collection: "test"}, WithLocks(locks))

	report, err := c.RunOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Stored != 3 {
		t.Errorf("report %+v", report)
	}
	if locks.refreshes != 2 {
		t.Errorf("refreshes = %d, want 2", locks.refreshes)
	}
}

func TestLockLostStopsTick(t *testing.T) {
	f := newFixture(t)
	f.seed(t, [2]string{"A", "eins"}, [2]string{"B", "zwei"})
	locks := &refreshingLocks{MemoryStore: state.NewMemoryStore(), expired: true}
	defer locks.Close()
	c := New(f.store, f.summarizer, f.writer, Config{Collection: "test"}, WithLocks(locks))

	report, err := c.RunOnce(context.Background())
	if !errors.Is(err, errors.ErrCodeResourceBusy) {
		t.Fatalf("err = %v, want busy", err)
	}
	if report.Stored != 1 || report.Marked != 1 {
		t.Errorf("only the first group should run, got %+v", report)
	}
	if got := strings.Join(f.summarizer.order, ","); got != "A" {
		t.Errorf("summarized %q", got)
	}
	if f.unconsolidated(t) != 1 {
		t.Error("second group must stay unconsolidated")
	}
}

func TestFetchFailureIsReturned(t *testing.T) {
	f := newFixture(t)
	f.store.Close()
	c := New(f.store, f.summarizer, f.writer, Config{Collection: "test"})
	if _, err := c.RunOnce(context.Background()); !errors.Is(err, errors.ErrCodeStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
}

func TestLockHeldSkipsTick(t *testing.T) {
	f := newFixture(t)
	f.seed(t, [2]string{"A", "eins"})
	locks := state.NewMemoryStore()
	defer locks.Close()
	c := New(f.store, f.summarizer, f.writer, Config{Collection: "test"}, WithLocks(locks))

	held, err := locks.Lock(c.LockKey(), time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	report, err := c.RunOnce(context.Background())
	if !errors.Is(err, errors.ErrCodeResourceBusy) || !report.Skipped {
		t.Fatalf("expected busy skip, got %+v %v", report, err)
	}
	if len(f.summarizer.order) != 0 {
		t.Error("skipped tick must not summarize")
	}

	held.Unlock()
	if _, err := c.RunOnce(context.Background()); err != nil {
		t.Fatalf("tick after unlock: %v", err)
	}
	// The tick releases its own lock.
	again, err := locks.Lock(c.LockKey(), time.Minute)
	if err != nil {
		t.Fatalf("lock should be free after the tick: %v", err)
	}
	again.Unlock()
}

func TestRunTicksUntilCanceled(t *testing.T) {
	f := newFixture(t)
	f.seed(t, [2]string{"A", "eins"})
	c := New(f.store, f.summarizer, f.writer, Config{Collection: "test", Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for f.unconsolidated(t) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("first tick did not run")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !stderrors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop")
	}
}
