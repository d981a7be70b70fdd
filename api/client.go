package api

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

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/memory"
	"github.com/vinayprograms/memoryd/service"
	"github.com/vinayprograms/memoryd/tasks"
)

// DefaultClientTimeout bounds a single call to the API.
const DefaultClientTimeout = 30 * time.Second

// Client calls a remote memoryd over HTTP. It implements Memory.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default traced client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, errors.InvalidInput("invalid memory API URL: " + baseURL)
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   DefaultClientTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Health reports whether the API answers GET /health.
func (c *Client) Health(ctx context.Context) error {
	var resp statusResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &resp); err != nil {
		return err
	}
	if resp.Status != "ok" {
		return errors.New(errors.ErrCodeUnavailable, "memory API unhealthy: "+resp.Status)
	}
	return nil
}

// Upsert stores one memory and returns its id.
func (c *Client) Upsert(ctx context.Context, req service.UpsertRequest) (string, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodPost, "/memory/upsert", req, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

// BatchUpsert stores several memories.
func (c *Client) BatchUpsert(ctx context.Context, reqs []service.UpsertRequest) (int, error) {
	var resp statusResponse
	if err := c.do(ctx, http.MethodPost, "/memory/batch_upsert", reqs, &resp); err != nil {
		return 0, err
	}
	if resp.Count == nil {
		return 0, nil
	}
	return *resp.Count, nil
}

// Search returns the closest memories to req.Query.
func (c *Client) Search(ctx context.Context, req service.SearchRequest) ([]memory.Match, error) {
	var resp searchResponse
	if err := c.do(ctx, http.MethodPost, "/memory/search", req, &resp); err != nil {
		return nil, err
	}
	return resp.Matches, nil
}

// SummarizeAndStore schedules a summary job and returns its task id.
func (c *Client) SummarizeAndStore(ctx context.Context, texts []string, payload memory.Payload) (string, error) {
	var resp summarizeResponse
	if err := c.do(ctx, http.MethodPost, "/memory/summarize_and_store", summarizeRequest{Texts: texts, Metadata: payload}, &resp); err != nil {
		return "", err
	}
	return resp.TaskID, nil
}

// Observe offers a chat message for remembering.
func (c *Client) Observe(ctx context.Context, req service.ObserveRequest) (service.ObserveResult, error) {
	var resp observeResponse
	if err := c.do(ctx, http.MethodPost, "/memory/observe", req, &resp); err != nil {
		return service.ObserveResult{}, err
	}
	return resp.ObserveResult, nil
}

// Info describes the remote collection.
func (c *Client) Info(ctx context.Context) (memory.CollectionInfo, error) {
	var info memory.CollectionInfo
	err := c.do(ctx, http.MethodGet, "/collection", nil, &info)
	return info, err
}

// Task fetches a job record.
func (c *Client) Task(ctx context.Context, id string) (*tasks.Task, error) {
	var task tasks.Task
	if err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(id), nil, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "memory API "+method+" "+path)
		}
		return errors.New(errors.ErrCodeUnavailable, "memory API "+method+" "+path+" failed",
			errors.WithCause(err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.New(errors.ErrCodeUnavailable, "read memory API response", errors.WithCause(err))
	}

	if resp.StatusCode >= 300 {
		return decodeError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.New(errors.ErrCodeUnavailable, "malformed memory API response", errors.WithCause(err))
	}
	return nil
}

// decodeError restores the server's structured error, falling back to one
// derived from the status.
func decodeError(status int, body []byte) error {
	var er errorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error != nil && er.Error.Code() != "" {
		return er.Error
	}
	code := errors.ErrCodeUnavailable
	switch {
	case status == http.StatusNotFound:
		code = errors.ErrCodeNotFound
	case status == http.StatusBadRequest:
		code = errors.ErrCodeInvalidInput
	case status < 500:
		code = errors.ErrCodeInternal
	}
	return errors.New(code, fmt.Sprintf("memory API status %d: %s", status, strings.TrimSpace(string(body))),
		errors.WithMetadata("status", strconv.Itoa(status)))
}
