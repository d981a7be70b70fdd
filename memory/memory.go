// Package memory holds the storage side of memoryd: the item model, the
// embedding providers and the vector store backends.
package memory

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/vinayprograms/memoryd/errors"
)

// Item is a single unit of memory.
type Item struct {
	ID      string    `json:"id"`
	Text    string    `json:"text"`
	Vector  []float32 `json:"-"`
	Payload Payload   `json:"payload"`
}

// Record is a stored item as returned by Scroll.
type Record struct {
	ID      string  `json:"id"`
	Payload Payload `json:"payload"`
}

// Text returns the stored text of the record.
func (r Record) Text() string { return r.Payload.String(KeyText) }

// Match is a search hit.
type Match struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
}

// Filter is a conjunction of payload equality conditions.
type Filter map[string]any

// CollectionInfo describes the single collection a store manages.
type CollectionInfo struct {
	Name      string   `json:"name"`
	Dimension int      `json:"dimension"`
	Distance  Distance `json:"distance"`
	Points    int      `json:"points"`
}

// EmbeddingProvider generates vector embeddings for text.
type EmbeddingProvider interface {
	// Embed returns exactly one vector of Dimension() per input text.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the embedding dimension.
	Dimension() int
}

// VectorStore persists items with their vectors in one collection.
type VectorStore interface {
	// EnsureCollection creates the collection if it is missing. A collection
	// that exists with another dimension or distance is a storage error.
	EnsureCollection(ctx context.Context) error

	// Info reports the collection parameters and point count.
	Info(ctx context.Context) (CollectionInfo, error)

	// Upsert writes items in one round trip, overwriting existing ids.
	Upsert(ctx context.Context, items ...Item) error

	// Search returns at most topK matches ordered by descending score.
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)

	// Scroll lists up to limit records matching filter, in no particular order.
	Scroll(ctx context.Context, filter Filter, limit int) ([]Record, error)

	// Patch merges fields into the payloads of the given ids.
	Patch(ctx context.Context, ids []string, fields Payload) error

	Close() error
}

// prepareItems validates a batch before anything is written. Returned items
// carry an id and a payload holding the text.
func prepareItems(items []Item, dimension int) ([]Item, error) {
	out := make([]Item, len(items))
	for i, item := range items {
		if strings.TrimSpace(item.Text) == "" {
			return nil, errors.InvalidInput("item text is empty",
				errors.WithMetadata("index", itoa(i)))
		}
		if len(item.Vector) != dimension {
			return nil, errors.Newf(errors.ErrCodeInvalidInput,
				"item %d: vector dimension %d, collection expects %d", i, len(item.Vector), dimension)
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		item.Payload = item.Payload.Clone()
		item.Payload[KeyText] = item.Text
		out[i] = item
	}
	return out, nil
}

// ConsolidatedFilter selects items the consolidator has not folded yet.
func ConsolidatedFilter(consolidated bool) Filter {
	return Filter{KeyConsolidated: consolidated}
}
