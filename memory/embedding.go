package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	googleoption "google.golang.org/api/option"

	"github.com/vinayprograms/memoryd/errors"
)

// DefaultEmbedModel is the embedding model used when none is configured.
const DefaultEmbedModel = "jeffh/intfloat-multilingual-e5-large:q8_0"

// DefaultDimension matches DefaultEmbedModel.
const DefaultDimension = 1024

var knownDimensions = map[string]int{
	DefaultEmbedModel:               1024,
	"intfloat/multilingual-e5-large": 1024,
	"text-embedding-3-small":         1536,
	"text-embedding-3-large":         3072,
	"text-embedding-ada-002":         1536,
	"nomic-embed-text":               768,
	"mxbai-embed-large":              1024,
	"all-minilm":                     384,
	"text-embedding-004":             768,
}

func dimensionFor(model string, configured int) int {
	if configured > 0 {
		return configured
	}
	if d, ok := knownDimensions[model]; ok {
		return d
	}
	return DefaultDimension
}

// checkEmbeddings enforces one vector of the right size per input.
func checkEmbeddings(component string, want, dimension int, vectors [][]float32) error {
	if len(vectors) != want {
		return errors.Upstream(component,
			fmt.Sprintf("backend returned %d embeddings for %d texts", len(vectors), want), nil)
	}
	for i, v := range vectors {
		if len(v) != dimension {
			return errors.Upstream(component,
				fmt.Sprintf("embedding %d has dimension %d, expected %d", i, len(v), dimension), nil)
		}
	}
	return nil
}

// OpenAIEmbedder generates embeddings through any OpenAI-compatible endpoint.
type OpenAIEmbedder struct {
	client    *openai.Client
	model     string
	dimension int
}

// OpenAIConfig configures the OpenAI embedder.
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string        // optional OpenAI-compatible endpoint
	Model     string        // default: DefaultEmbedModel
	Dimension int           // default: looked up from the model
	Timeout   time.Duration // per request, default 60s
}

// NewOpenAIEmbedder creates an embedder on the official SDK. The SDK's own
// retries are disabled.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.InvalidInput("api_key is required for openai embeddings")
	}
	model := cfg.Model
	if model == "" {
		model = DefaultEmbedModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithRequestTimeout(timeout),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(opts...)

	return &OpenAIEmbedder{
		client:    &client,
		model:     model,
		dimension: dimensionFor(model, cfg.Dimension),
	}, nil
}

// Embed generates embeddings for the given texts in one request.
func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	resp, err := e.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input:          openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: texts},
		Model:          openai.EmbeddingModel(e.model),
		EncodingFormat: openai.EmbeddingNewParamsEncodingFormatFloat,
	})
	if err != nil {
		return nil, errors.Upstream("embedder", "openai embedding request failed", err,
			errors.WithMetadata("model", e.model))
	}

	// Order by index; the count check below catches gaps.
	result := make([][]float32, 0, len(resp.Data))
	byIndex := make(map[int][]float32, len(resp.Data))
	for _, d := range resp.Data {
		v := make([]float32, len(d.Embedding))
		for i, x := range d.Embedding {
			v[i] = float32(x)
		}
		byIndex[int(d.Index)] = v
	}
	for i := 0; i < len(resp.Data); i++ {
		v, ok := byIndex[i]
		if !ok {
			return nil, errors.Upstream("embedder", fmt.Sprintf("embedding index %d missing", i), nil)
		}
		result = append(result, v)
	}

	if err := checkEmbeddings("embedder", len(texts), e.dimension, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Dimension returns the embedding dimension.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// Model returns the configured model name.
func (e *OpenAIEmbedder) Model() string {
	return e.model
}

// OllamaEmbedder generates embeddings using Ollama's batch embed API.
type OllamaEmbedder struct {
	baseURL   string
	model     string
	dimension int
	client    *http.Client
}

// OllamaConfig configures the Ollama embedder.
type OllamaConfig struct {
	BaseURL   string // default: http://localhost:11434
	Model     string // default: DefaultEmbedModel
	Dimension int
	Timeout   time.Duration
}

// NewOllamaEmbedder creates a new Ollama embedding provider.
func NewOllamaEmbedder(cfg OllamaConfig) *OllamaEmbedder {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	model := cfg.Model
	if model == "" {
		model = DefaultEmbedModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OllamaEmbedder{
		baseURL:   baseURL,
		model:     model,
		dimension: dimensionFor(model, cfg.Dimension),
		client:    &http.Client{Timeout: timeout},
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed generates embeddings for the given texts.
func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	jsonBody, err := json.Marshal(ollamaEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, errors.Wrap(err, "marshal embed request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/api/embed", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, errors.Wrap(err, "create embed request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Upstream("embedder", "ollama embedding request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Upstream("embedder", "read ollama response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Upstream("embedder",
			fmt.Sprintf("ollama embedding error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body))), nil)
	}

	var embedResp ollamaEmbedResponse
	if err := json.Unmarshal(body, &embedResp); err != nil {
		return nil, errors.Upstream("embedder", "parse ollama response", err)
	}
	if err := checkEmbeddings("embedder", len(texts), e.dimension, embedResp.Embeddings); err != nil {
		return nil, err
	}
	return embedResp.Embeddings, nil
}

// Dimension returns the embedding dimension.
func (e *OllamaEmbedder) Dimension() int {
	return e.dimension
}

// GoogleEmbedder generates embeddings with the Gemini SDK.
type GoogleEmbedder struct {
	client    *genai.Client
	model     *genai.EmbeddingModel
	dimension int
}

// GoogleConfig configures the Google embedder.
type GoogleConfig struct {
	APIKey    string
	Model     string // default: text-embedding-004
	Dimension int
}

// NewGoogleEmbedder creates a Gemini embedding provider.
func NewGoogleEmbedder(ctx context.Context, cfg GoogleConfig) (*GoogleEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, errors.InvalidInput("api_key is required for google embeddings")
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}
	client, err := genai.NewClient(ctx, googleoption.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, errors.Upstream("embedder", "create google client", err)
	}
	return &GoogleEmbedder{
		client:    client,
		model:     client.EmbeddingModel(model),
		dimension: dimensionFor(model, cfg.Dimension),
	}, nil
}

// Embed generates embeddings for the given texts in one batch call.
func (e *GoogleEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	batch := e.model.NewBatch()
	for _, t := range texts {
		batch.AddContent(genai.Text(t))
	}
	resp, err := e.model.BatchEmbedContents(ctx, batch)
	if err != nil {
		return nil, errors.Upstream("embedder", "google embedding request failed", err)
	}
	result := make([][]float32, 0, len(resp.Embeddings))
	for _, emb := range resp.Embeddings {
		if emb == nil {
			result = append(result, nil)
			continue
		}
		result = append(result, emb.Values)
	}
	if err := checkEmbeddings("embedder", len(texts), e.dimension, result); err != nil {
		return nil, err
	}
	return result, nil
}

// Dimension returns the embedding dimension.
func (e *GoogleEmbedder) Dimension() int {
	return e.dimension
}

// Close closes the underlying client.
func (e *GoogleEmbedder) Close() error {
	return e.client.Close()
}

// EmbedderConfig selects and configures an embedding provider.
type EmbedderConfig struct {
	Provider  string // openai, ollama, google, mock
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// NewEmbedder builds the provider named by cfg.Provider.
func NewEmbedder(ctx context.Context, cfg EmbedderConfig) (EmbeddingProvider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "openai":
		e, err := NewOpenAIEmbedder(OpenAIConfig{
			APIKey:    cfg.APIKey,
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case "ollama":
		return NewOllamaEmbedder(OllamaConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
			Timeout:   cfg.Timeout,
		}), nil
	case "google":
		e, err := NewGoogleEmbedder(ctx, GoogleConfig{
			APIKey:    cfg.APIKey,
			Model:     cfg.Model,
			Dimension: cfg.Dimension,
		})
		if err != nil {
			return nil, err
		}
		return e, nil
	case "mock":
		return NewMockEmbedder(dimensionFor(cfg.Model, cfg.Dimension)), nil
	}
	return nil, errors.Newf(errors.ErrCodeInvalidInput, "unknown embedding provider %q", cfg.Provider)
}
