package memory

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/vinayprograms/memoryd/errors"
)

// storeFactory builds a fresh store of the given dimension and distance.
type storeFactory func(t *testing.T, dimension int, distance Distance) VectorStore

func item(text string, vector []float32, payload Payload) Item {
	return Item{ID: uuid.NewString(), Text: text, Vector: vector, Payload: payload}
}

// runStoreContract exercises the VectorStore behavior every backend shares.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("EnsureCollectionIdempotent", func(t *testing.T) {
		s := newStore(t, 3, DistanceCosine)
		if err := s.EnsureCollection(ctx); err != nil {
			t.Fatalf("first EnsureCollection: %v", err)
		}
		if err := s.EnsureCollection(ctx); err != nil {
			t.Fatalf("second EnsureCollection: %v", err)
		}
		info, err := s.Info(ctx)
		if err != nil {
			t.Fatalf("Info: %v", err)
		}
		if info.Dimension != 3 || info.Distance != DistanceCosine {
			t.Errorf("unexpected info %+v", info)
		}
	})

	t.Run("SearchOrderAndTopK", func(t *testing.T) {
		s := newStore(t, 2, DistanceCosine)
		if err := s.EnsureCollection(ctx); err != nil {
			t.Fatalf("EnsureCollection: %v", err)
		}
		err := s.Upsert(ctx,
			item("east", []float32{1, 0}, Payload{KeyProject: "a"}),
			item("north", []float32{0, 1}, Payload{KeyProject: "b"}),
			item("north-east", []float32{1, 1}, Payload{KeyProject: "a"}),
		)
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}

		matches, err := s.Search(ctx, []float32{1, 0.1}, 2, nil)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(matches) != 2 {
			t.Fatalf("expected 2 matches, got %d", len(matches))
		}
		if matches[0].Payload.String(KeyText) != "east" || matches[1].Payload.String(KeyText) != "north-east" {
			t.Errorf("unexpected order: %v, %v", matches[0].Payload, matches[1].Payload)
		}
		if matches[0].Score < matches[1].Score {
			t.Error("scores not descending")
		}

		filtered, err := s.Search(ctx, []float32{0, 1}, 5, Filter{KeyProject: "a"})
		if err != nil {
			t.Fatalf("filtered Search: %v", err)
		}
		if len(filtered) != 2 {
			t.Fatalf("expected 2 filtered matches, got %d", len(filtered))
		}
		for _, m := range filtered {
			if m.Payload.String(KeyProject) != "a" {
				t.Errorf("filter leaked %v", m.Payload)
			}
		}

		none, err := s.Search(ctx, []float32{1, 0}, 0, nil)
		if err != nil || len(none) != 0 {
			t.Errorf("topK 0: expected empty, got %v %v", none, err)
		}
	})

	t.Run("UpsertValidatesBeforeWriting", func(t *testing.T) {
		s := newStore(t, 2, DistanceCosine)
		if err := s.EnsureCollection(ctx); err != nil {
			t.Fatalf("EnsureCollection: %v", err)
		}
		err := s.Upsert(ctx,
			item("good", []float32{1, 0}, nil),
			item("bad", []float32{1, 0, 0}, nil),
		)
		if !errors.Is(err, errors.ErrCodeInvalidInput) {
			t.Fatalf("expected invalid input, got %v", err)
		}
		recs, err := s.Scroll(ctx, nil, 10)
		if err != nil {
			t.Fatalf("Scroll: %v", err)
		}
		if len(recs) != 0 {
			t.Errorf("expected nothing written, got %d records", len(recs))
		}
	})

	t.Run("UpsertOverwritesByID", func(t *testing.T) {
		s := newStore(t, 2, DistanceCosine)
		if err := s.EnsureCollection(ctx); err != nil {
			t.Fatalf("EnsureCollection: %v", err)
		}
		it := item("v1", []float32{1, 0}, nil)
		if err := s.Upsert(ctx, it); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		it.Text = "v2"
		if err := s.Upsert(ctx, it); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		recs, err := s.Scroll(ctx, nil, 10)
		if err != nil {
			t.Fatalf("Scroll: %v", err)
		}
		if len(recs) != 1 || recs[0].Text() != "v2" {
			t.Errorf("expected single overwritten record, got %+v", recs)
		}
	})

	t.Run("ScrollAndPatch", func(t *testing.T) {
		s := newStore(t, 2, DistanceCosine)
		if err := s.EnsureCollection(ctx); err != nil {
			t.Fatalf("EnsureCollection: %v", err)
		}
		a := item("a", []float32{1, 0}, Payload{KeyConsolidated: false, KeyProject: "p"})
		b := item("b", []float32{0, 1}, Payload{KeyConsolidated: false, KeyProject: "p"})
		c := item("c", []float32{1, 1}, Payload{KeyConsolidated: true, KeyProject: "p"})
		if err := s.Upsert(ctx, a, b, c); err != nil {
			t.Fatalf("Upsert: %v", err)
		}

		recs, err := s.Scroll(ctx, ConsolidatedFilter(false), 10)
		if err != nil {
			t.Fatalf("Scroll: %v", err)
		}
		if len(recs) != 2 {
			t.Fatalf("expected 2 unconsolidated, got %d", len(recs))
		}
		limited, err := s.Scroll(ctx, ConsolidatedFilter(false), 1)
		if err != nil || len(limited) != 1 {
			t.Fatalf("expected limit 1, got %d %v", len(limited), err)
		}

		if err := s.Patch(ctx, []string{a.ID}, Payload{KeyConsolidated: true}); err != nil {
			t.Fatalf("Patch: %v", err)
		}
		recs, err = s.Scroll(ctx, ConsolidatedFilter(false), 10)
		if err != nil {
			t.Fatalf("Scroll: %v", err)
		}
		if len(recs) != 1 || recs[0].ID != b.ID {
			t.Fatalf("expected only b left, got %+v", recs)
		}
		if recs[0].Payload.String(KeyProject) != "p" {
			t.Error("patch must keep other payload keys")
		}
	})

	t.Run("EuclidScore", func(t *testing.T) {
		s := newStore(t, 2, DistanceEuclid)
		if err := s.EnsureCollection(ctx); err != nil {
			t.Fatalf("EnsureCollection: %v", err)
		}
		if err := s.Upsert(ctx, item("origin", []float32{0, 0}, nil), item("far", []float32{3, 4}, nil)); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		matches, err := s.Search(ctx, []float32{0, 0}, 2, nil)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(matches) != 2 || matches[0].Score != 1 {
			t.Fatalf("expected exact match first with score 1, got %+v", matches)
		}
		if d := matches[1].Score - 1.0/6.0; d > 1e-9 || d < -1e-9 {
			t.Errorf("expected 1/(1+5), got %v", matches[1].Score)
		}
	})
}
