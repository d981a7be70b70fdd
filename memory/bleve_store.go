package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/vinayprograms/memoryd/errors"
)

const (
	recordPrefix = "rec:"
	metaKey      = "meta:collection"
)

// BleveStore is an embedded single-collection VectorStore. Payload fields are
// indexed as exact terms for filtering; vectors live in the index's internal
// key space and search scores candidates by brute force.
type BleveStore struct {
	mu sync.RWMutex

	index      bleve.Index
	collection string
	dimension  int
	distance   Distance
	ready      bool
	closed     bool
}

// BleveStoreConfig configures the bleve backend.
type BleveStoreConfig struct {
	// Path is the directory holding <collection>.bleve. Empty keeps the
	// index in memory.
	Path       string
	Collection string
	Dimension  int
	Distance   Distance
}

// storedRecord is the internal representation kept next to the index.
type storedRecord struct {
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

type collectionMeta struct {
	Name      string    `json:"name"`
	Dimension int       `json:"dimension"`
	Distance  Distance  `json:"distance"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBleveStore opens or creates the index at cfg.Path.
func NewBleveStore(cfg BleveStoreConfig) (*BleveStore, error) {
	if cfg.Dimension <= 0 {
		return nil, errors.InvalidInput("bleve: dimension must be positive")
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "jar_el_memory"
	}
	distance := cfg.Distance
	if distance == "" {
		distance = DistanceCosine
	}

	var index bleve.Index
	var err error
	if cfg.Path == "" {
		index, err = bleve.NewMemOnly(buildIndexMapping())
	} else {
		if err := os.MkdirAll(cfg.Path, 0755); err != nil {
			return nil, errors.Storage("bleve", "create storage directory", err)
		}
		indexPath := filepath.Join(cfg.Path, collection+".bleve")
		if _, statErr := os.Stat(indexPath); os.IsNotExist(statErr) {
			index, err = bleve.New(indexPath, buildIndexMapping())
		} else {
			index, err = bleve.Open(indexPath)
		}
	}
	if err != nil {
		return nil, errors.Storage("bleve", "open index", err)
	}

	return &BleveStore{
		index:      index,
		collection: collection,
		dimension:  cfg.Dimension,
		distance:   distance,
	}, nil
}

// buildIndexMapping indexes every payload field as a single keyword term and
// the text field for full-text matching.
func buildIndexMapping() mapping.IndexMapping {
	textFieldMapping := bleve.NewTextFieldMapping()
	textFieldMapping.Analyzer = standard.Name

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt(KeyText, textFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping
	indexMapping.DefaultAnalyzer = keyword.Name
	return indexMapping
}

// EnsureCollection records the collection parameters on first use and
// verifies them afterwards.
func (s *BleveStore) EnsureCollection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	meta, found, err := s.loadMeta()
	if err != nil {
		return err
	}
	if found {
		if meta.Dimension != s.dimension || meta.Distance != s.distance {
			return errors.Storage("bleve", fmt.Sprintf(
				"collection %s exists with dimension %d and distance %s, configured %d and %s",
				s.collection, meta.Dimension, meta.Distance, s.dimension, s.distance), nil)
		}
		s.ready = true
		return nil
	}

	data, err := json.Marshal(collectionMeta{
		Name:      s.collection,
		Dimension: s.dimension,
		Distance:  s.distance,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return errors.Storage("bleve", "encode collection meta", err)
	}
	if err := s.index.SetInternal([]byte(metaKey), data); err != nil {
		return errors.Storage("bleve", "write collection meta", err)
	}
	s.ready = true
	return nil
}

func (s *BleveStore) loadMeta() (collectionMeta, bool, error) {
	data, err := s.index.GetInternal([]byte(metaKey))
	if err != nil {
		return collectionMeta{}, false, errors.Storage("bleve", "read collection meta", err)
	}
	if data == nil {
		return collectionMeta{}, false, nil
	}
	var meta collectionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return collectionMeta{}, false, errors.Storage("bleve", "decode collection meta", err)
	}
	return meta, true, nil
}

// Info reports the collection parameters and document count.
func (s *BleveStore) Info(ctx context.Context) (CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReady(); err != nil {
		return CollectionInfo{}, err
	}
	count, err := s.index.DocCount()
	if err != nil {
		return CollectionInfo{}, errors.Storage("bleve", "count documents", err)
	}
	return CollectionInfo{
		Name:      s.collection,
		Dimension: s.dimension,
		Distance:  s.distance,
		Points:    int(count),
	}, nil
}

// Upsert indexes all items and their records in one batch.
func (s *BleveStore) Upsert(ctx context.Context, items ...Item) error {
	if len(items) == 0 {
		return nil
	}
	prepared, err := prepareItems(items, s.dimension)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	batch := s.index.NewBatch()
	for _, item := range prepared {
		if err := s.addToBatch(batch, item.ID, storedRecord{Vector: item.Vector, Payload: item.Payload}); err != nil {
			return err
		}
	}
	if err := s.index.Batch(batch); err != nil {
		return errors.Storage("bleve", "write batch", err)
	}
	return nil
}

func (s *BleveStore) addToBatch(batch *bleve.Batch, id string, rec storedRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Storage("bleve", "encode record "+id, err)
	}
	if err := batch.Index(id, indexDocument(rec.Payload)); err != nil {
		return errors.Storage("bleve", "index record "+id, err)
	}
	batch.SetInternal([]byte(recordPrefix+id), data)
	return nil
}

// indexDocument flattens a payload into exact terms.
func indexDocument(p Payload) map[string]any {
	doc := make(map[string]any, len(p))
	for k, v := range p {
		if k == KeyText {
			doc[k] = p.String(KeyText)
			continue
		}
		switch x := v.(type) {
		case []string:
			terms := make([]string, len(x))
			for i, e := range x {
				terms[i] = indexTerm(e)
			}
			doc[k] = terms
		case []any:
			terms := make([]string, 0, len(x))
			for _, e := range x {
				terms = append(terms, indexTerm(e))
			}
			doc[k] = terms
		case map[string]any:
			// Nested objects are stored but not filterable.
		default:
			doc[k] = indexTerm(x)
		}
	}
	return doc
}

// indexTerm marks values so dynamic mapping never reads them as dates or
// numbers.
func indexTerm(v any) string {
	return "=" + termValue(v)
}

func filterQuery(filter Filter) query.Query {
	if len(filter) == 0 {
		return bleve.NewMatchAllQuery()
	}
	conjuncts := make([]query.Query, 0, len(filter))
	for _, k := range sortedKeys(filter) {
		tq := bleve.NewTermQuery(indexTerm(filter[k]))
		tq.SetField(k)
		conjuncts = append(conjuncts, tq)
	}
	return bleve.NewConjunctionQuery(conjuncts...)
}

// candidates returns the ids matching filter, at most limit of them.
func (s *BleveStore) candidates(ctx context.Context, filter Filter, limit int) ([]string, error) {
	req := bleve.NewSearchRequestOptions(filterQuery(filter), limit, 0, false)
	res, err := s.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, errors.Storage("bleve", "query index", err)
	}
	ids := make([]string, 0, len(res.Hits))
	for _, hit := range res.Hits {
		ids = append(ids, hit.ID)
	}
	return ids, nil
}

func (s *BleveStore) loadRecord(id string) (storedRecord, bool, error) {
	data, err := s.index.GetInternal([]byte(recordPrefix + id))
	if err != nil {
		return storedRecord{}, false, errors.Storage("bleve", "read record "+id, err)
	}
	if data == nil {
		return storedRecord{}, false, nil
	}
	var rec storedRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return storedRecord{}, false, errors.Storage("bleve", "decode record "+id, err)
	}
	return rec, true, nil
}

// Search scores every candidate against vector.
func (s *BleveStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}
	if len(vector) != s.dimension {
		return nil, errors.Newf(errors.ErrCodeInvalidInput,
			"query vector dimension %d, collection expects %d", len(vector), s.dimension)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	count, err := s.index.DocCount()
	if err != nil {
		return nil, errors.Storage("bleve", "count documents", err)
	}
	if count == 0 {
		return []Match{}, nil
	}
	ids, err := s.candidates(ctx, filter, int(count))
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(ids))
	for _, id := range ids {
		rec, found, err := s.loadRecord(id)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		matches = append(matches, Match{
			ID:      id,
			Score:   Score(s.distance, vector, rec.Vector),
			Payload: rec.Payload,
		})
	}
	return rank(matches, topK), nil
}

// Scroll lists up to limit records matching filter.
func (s *BleveStore) Scroll(ctx context.Context, filter Filter, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkReady(); err != nil {
		return nil, err
	}

	ids, err := s.candidates(ctx, filter, limit)
	if err != nil {
		return nil, err
	}
	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		rec, found, err := s.loadRecord(id)
		if err != nil {
			return nil, err
		}
		if found {
			records = append(records, Record{ID: id, Payload: rec.Payload})
		}
	}
	return records, nil
}

// Patch merges fields into the payload of each existing id. Unknown ids are
// ignored.
func (s *BleveStore) Patch(ctx context.Context, ids []string, fields Payload) error {
	if len(ids) == 0 || len(fields) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkReady(); err != nil {
		return err
	}

	batch := s.index.NewBatch()
	for _, id := range ids {
		rec, found, err := s.loadRecord(id)
		if err != nil {
			return err
		}
		if !found {
			continue
		}
		rec.Payload = rec.Payload.Clone()
		for k, v := range fields {
			rec.Payload[k] = v
		}
		if err := s.addToBatch(batch, id, rec); err != nil {
			return err
		}
	}
	if batch.Size() == 0 {
		return nil
	}
	if err := s.index.Batch(batch); err != nil {
		return errors.Storage("bleve", "write patch batch", err)
	}
	return nil
}

// Close closes the index.
func (s *BleveStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.index.Close(); err != nil {
		return errors.Storage("bleve", "close index", err)
	}
	return nil
}

func (s *BleveStore) checkOpen() error {
	if s.closed {
		return errors.Storage("bleve", "store is closed", nil)
	}
	return nil
}

func (s *BleveStore) checkReady() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if !s.ready {
		return errors.Storage("bleve", "collection "+s.collection+" not initialized", nil)
	}
	return nil
}
