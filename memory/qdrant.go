package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/memoryd/errors"
)

// QdrantStore is a VectorStore on the Qdrant REST API.
type QdrantStore struct {
	baseURL    string
	collection string
	dimension  int
	distance   Distance
	apiKey     string
	client     *http.Client
}

// QdrantConfig configures the Qdrant backend.
type QdrantConfig struct {
	URL        string // default: http://qdrant:6333
	Collection string // default: jar_el_memory
	Dimension  int
	Distance   Distance
	APIKey     string        // optional, sent as api-key
	Timeout    time.Duration // default 30s
}

// NewQdrantStore creates a Qdrant-backed store. No request is made until the
// first call.
func NewQdrantStore(cfg QdrantConfig) (*QdrantStore, error) {
	if cfg.Dimension <= 0 {
		return nil, errors.InvalidInput("qdrant: dimension must be positive")
	}
	base := strings.TrimRight(cfg.URL, "/")
	if base == "" {
		base = "http://qdrant:6333"
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "jar_el_memory"
	}
	distance := cfg.Distance
	if distance == "" {
		distance = DistanceCosine
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &QdrantStore{
		baseURL:    base,
		collection: collection,
		dimension:  cfg.Dimension,
		distance:   distance,
		apiKey:     cfg.APIKey,
		client:     &http.Client{Timeout: timeout},
	}, nil
}

func qdrantDistance(d Distance) string {
	if d == DistanceEuclid {
		return "Euclid"
	}
	return "Cosine"
}

func fromQdrantDistance(s string) Distance {
	if strings.EqualFold(s, "euclid") {
		return DistanceEuclid
	}
	if strings.EqualFold(s, "cosine") {
		return DistanceCosine
	}
	return Distance(strings.ToLower(s))
}

type qdrantCollection struct {
	PointsCount *int `json:"points_count"`
	Config      struct {
		Params struct {
			Vectors struct {
				Size     int    `json:"size"`
				Distance string `json:"distance"`
			} `json:"vectors"`
		} `json:"params"`
	} `json:"config"`
}

// EnsureCollection creates the collection if missing and verifies its
// parameters otherwise.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	info, found, err := s.getCollection(ctx)
	if err != nil {
		return err
	}
	if found {
		return s.checkParams(info)
	}

	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dimension,
			"distance": qdrantDistance(s.distance),
		},
	}
	status, respBody, err := s.do(ctx, http.MethodPut, s.collectionPath(), body)
	if err != nil {
		return err
	}
	if status == http.StatusOK {
		return nil
	}
	if status == http.StatusConflict || status == http.StatusBadRequest {
		// Lost a creation race; the winner's parameters must still match.
		info, found, err := s.getCollection(ctx)
		if err != nil {
			return err
		}
		if found {
			return s.checkParams(info)
		}
	}
	return s.statusError("create collection", status, respBody)
}

func (s *QdrantStore) checkParams(info CollectionInfo) error {
	if info.Dimension != s.dimension || info.Distance != s.distance {
		return errors.Storage("qdrant", fmt.Sprintf(
			"collection %s exists with dimension %d and distance %s, configured %d and %s",
			s.collection, info.Dimension, info.Distance, s.dimension, s.distance), nil)
	}
	return nil
}

func (s *QdrantStore) getCollection(ctx context.Context) (CollectionInfo, bool, error) {
	status, body, err := s.do(ctx, http.MethodGet, s.collectionPath(), nil)
	if err != nil {
		return CollectionInfo{}, false, err
	}
	if status == http.StatusNotFound {
		return CollectionInfo{}, false, nil
	}
	if status != http.StatusOK {
		return CollectionInfo{}, false, s.statusError("get collection", status, body)
	}
	var resp struct {
		Result qdrantCollection `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return CollectionInfo{}, false, errors.Storage("qdrant", "decode collection info", err)
	}
	info := CollectionInfo{
		Name:      s.collection,
		Dimension: resp.Result.Config.Params.Vectors.Size,
		Distance:  fromQdrantDistance(resp.Result.Config.Params.Vectors.Distance),
	}
	if resp.Result.PointsCount != nil {
		info.Points = *resp.Result.PointsCount
	}
	return info, true, nil
}

// Info reports the collection parameters.
func (s *QdrantStore) Info(ctx context.Context) (CollectionInfo, error) {
	info, found, err := s.getCollection(ctx)
	if err != nil {
		return CollectionInfo{}, err
	}
	if !found {
		return CollectionInfo{}, errors.NotFound("collection "+s.collection+" does not exist",
			errors.WithMetadata("backend", "qdrant"))
	}
	return info, nil
}

type qdrantPoint struct {
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector"`
	Payload Payload   `json:"payload"`
}

// Upsert writes all items in one request.
func (s *QdrantStore) Upsert(ctx context.Context, items ...Item) error {
	if len(items) == 0 {
		return nil
	}
	prepared, err := prepareItems(items, s.dimension)
	if err != nil {
		return err
	}
	points := make([]qdrantPoint, len(prepared))
	for i, item := range prepared {
		if !validPointID(item.ID) {
			return errors.Newf(errors.ErrCodeInvalidInput,
				"qdrant point id %q must be a UUID", item.ID)
		}
		points[i] = qdrantPoint{ID: item.ID, Vector: item.Vector, Payload: item.Payload}
	}

	status, body, err := s.do(ctx, http.MethodPut, s.collectionPath()+"/points?wait=true",
		map[string]any{"points": points})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return s.statusError("upsert", status, body)
	}
	return nil
}

// pointID accepts the string or integer ids Qdrant returns.
type pointID string

func (p *pointID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = pointID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*p = pointID(n.String())
	return nil
}

// wirePointIDs restores the JSON type of each id: Qdrant rejects a numeric
// id sent as a string.
func wirePointIDs(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		if n, err := strconv.ParseUint(id, 10, 64); err == nil {
			out[i] = n
			continue
		}
		out[i] = id
	}
	return out
}

// Search queries the nearest points.
func (s *QdrantStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	if topK <= 0 {
		return []Match{}, nil
	}
	if len(vector) != s.dimension {
		return nil, errors.Newf(errors.ErrCodeInvalidInput,
			"query vector dimension %d, collection expects %d", len(vector), s.dimension)
	}
	body := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": true,
	}
	if f := qdrantFilter(filter); f != nil {
		body["filter"] = f
	}

	status, respBody, err := s.do(ctx, http.MethodPost, s.collectionPath()+"/points/search", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, s.statusError("search", status, respBody)
	}

	var resp struct {
		Result []struct {
			ID      pointID `json:"id"`
			Score   float64 `json:"score"`
			Payload Payload `json:"payload"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Storage("qdrant", "decode search response", err)
	}

	matches := make([]Match, 0, len(resp.Result))
	for _, r := range resp.Result {
		score := r.Score
		if s.distance == DistanceEuclid {
			// Qdrant reports the raw distance for Euclid.
			score = 1 / (1 + score)
		}
		matches = append(matches, Match{ID: string(r.ID), Score: score, Payload: r.Payload})
	}
	return rank(matches, topK), nil
}

// Scroll lists matching records without vectors.
func (s *QdrantStore) Scroll(ctx context.Context, filter Filter, limit int) ([]Record, error) {
	if limit <= 0 {
		return []Record{}, nil
	}
	body := map[string]any{
		"limit":        limit,
		"with_payload": true,
		"with_vector":  false,
	}
	if f := qdrantFilter(filter); f != nil {
		body["filter"] = f
	}

	status, respBody, err := s.do(ctx, http.MethodPost, s.collectionPath()+"/points/scroll", body)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, s.statusError("scroll", status, respBody)
	}

	var resp struct {
		Result struct {
			Points []struct {
				ID      pointID `json:"id"`
				Payload Payload `json:"payload"`
			} `json:"points"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, errors.Storage("qdrant", "decode scroll response", err)
	}

	records := make([]Record, 0, len(resp.Result.Points))
	for _, p := range resp.Result.Points {
		records = append(records, Record{ID: string(p.ID), Payload: p.Payload})
	}
	return records, nil
}

// Patch merges fields into existing payloads.
func (s *QdrantStore) Patch(ctx context.Context, ids []string, fields Payload) error {
	if len(ids) == 0 || len(fields) == 0 {
		return nil
	}
	status, body, err := s.do(ctx, http.MethodPost, s.collectionPath()+"/points/payload?wait=true",
		map[string]any{"payload": fields, "points": wirePointIDs(ids)})
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return s.statusError("set payload", status, body)
	}
	return nil
}

// Close releases idle connections.
func (s *QdrantStore) Close() error {
	s.client.CloseIdleConnections()
	return nil
}

func (s *QdrantStore) collectionPath() string {
	return "/collections/" + url.PathEscape(s.collection)
}

func qdrantFilter(filter Filter) map[string]any {
	if len(filter) == 0 {
		return nil
	}
	must := make([]map[string]any, 0, len(filter))
	for _, k := range sortedKeys(filter) {
		must = append(must, map[string]any{
			"key":   k,
			"match": map[string]any{"value": filter[k]},
		})
	}
	return map[string]any{"must": must}
}

func (s *QdrantStore) do(ctx context.Context, method, path string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return 0, nil, errors.Storage("qdrant", "marshal request", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reader)
	if err != nil {
		return 0, nil, errors.Storage("qdrant", "create request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil, errors.Wrap(ctx.Err(), "qdrant "+method+" "+path)
		}
		return 0, nil, errors.Storage("qdrant", method+" "+path+" failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, errors.Storage("qdrant", "read response", err)
	}
	return resp.StatusCode, respBody, nil
}

func (s *QdrantStore) statusError(op string, status int, body []byte) error {
	return errors.Storage("qdrant",
		fmt.Sprintf("%s failed (status %d): %s", op, status, strings.TrimSpace(string(body))), nil,
		errors.WithMetadata("status", strconv.Itoa(status)))
}

func validPointID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
