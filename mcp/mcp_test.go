package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/memoryd/errors"
	"github.com/vinayprograms/memoryd/logging"
	"github.com/vinayprograms/memoryd/memory"
	"github.com/vinayprograms/memoryd/service"
	"github.com/vinayprograms/memoryd/transport"
)

type fakeMemory struct {
	mu       sync.Mutex
	searches []service.SearchRequest
	observes []service.ObserveRequest
	matches  []memory.Match
	observed service.ObserveResult
	err      error
}

func (f *fakeMemory) Search(ctx context.Context, req service.SearchRequest) ([]memory.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searches = append(f.searches, req)
	return f.matches, f.err
}

func (f *fakeMemory) Observe(ctx context.Context, req service.ObserveRequest) (service.ObserveResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observes = append(f.observes, req)
	return f.observed, f.err
}

func request(t *testing.T, id any, method string, params any) *transport.Request {
	t.Helper()
	req := &transport.Request{JSONRPC: transport.Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			t.Fatal(err)
		}
		req.Params = raw
	}
	return req
}

// decodeResult round-trips the response result into v.
func decodeResult(t *testing.T, msg *transport.OutboundMessage, v any) {
	t.Helper()
	if msg.Response == nil {
		t.Fatal("expected response")
	}
	if msg.Response.Error != nil {
		t.Fatalf("unexpected error: %v", msg.Response.Error)
	}
	raw, err := json.Marshal(msg.Response.Result)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		t.Fatal(err)
	}
}

func TestInitialize(t *testing.T) {
	s := NewServer(&fakeMemory{}, "1.2.3", logging.Nop())

	var res InitializeResult
	decodeResult(t, s.Handle(context.Background(), request(t, 1, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "chat-host", "version": "1.0.0"},
	})), &res)

	if res.ProtocolVersion != "2024-11-05" {
		t.Errorf("protocolVersion = %q", res.ProtocolVersion)
	}
	if res.ServerInfo.Name != ServerName || res.ServerInfo.Version != "1.2.3" {
		t.Errorf("serverInfo = %+v", res.ServerInfo)
	}
	if _, ok := res.Capabilities["tools"]; !ok {
		t.Error("tools capability not advertised")
	}
}

func TestToolsList(t *testing.T) {
	s := NewServer(&fakeMemory{}, "dev", nil)

	var res ToolsListResult
	decodeResult(t, s.Handle(context.Background(), request(t, 2, "tools/list", nil)), &res)

	if len(res.Tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(res.Tools))
	}
	if res.Tools[0].Name != ToolSearch || res.Tools[1].Name != ToolObserve {
		t.Errorf("tools = %s, %s", res.Tools[0].Name, res.Tools[1].Name)
	}
	for _, tool := range res.Tools {
		if tool.InputSchema["type"] != "object" {
			t.Errorf("%s: schema type = %v", tool.Name, tool.InputSchema["type"])
		}
	}
}

func TestPingAndUnknownMethod(t *testing.T) {
	s := NewServer(&fakeMemory{}, "dev", nil)

	msg := s.Handle(context.Background(), request(t, 3, "ping", nil))
	if msg.Response.Error != nil {
		t.Errorf("ping error: %v", msg.Response.Error)
	}

	msg = s.Handle(context.Background(), request(t, 4, "resources/list", nil))
	if msg.Response.Error == nil || msg.Response.Error.Code != transport.MethodNotFound {
		t.Errorf("expected MethodNotFound, got %+v", msg.Response)
	}
	if msg.Response.ID != 4 {
		t.Errorf("id = %v, want 4", msg.Response.ID)
	}
}

func TestCallSearch(t *testing.T) {
	mem := &fakeMemory{matches: []memory.Match{{
		ID:      "a",
		Score:   0.5,
		Payload: memory.Payload{"text": "Ich mag Tee.", "project": "Allgemein"},
	}}}
	s := NewServer(mem, "dev", nil)

	var res ToolCallResult
	decodeResult(t, s.Handle(context.Background(), request(t, 5, "tools/call", map[string]any{
		"name":      ToolSearch,
		"arguments": map[string]any{"query": "Getränke", "top_k": 3},
	})), &res)

	if res.IsError {
		t.Fatalf("unexpected tool error: %+v", res)
	}
	want := service.FormatMatches(mem.matches)
	if len(res.Content) != 1 || res.Content[0].Text != want {
		t.Errorf("content = %+v, want %q", res.Content, want)
	}
	if len(mem.searches) != 1 || mem.searches[0].Query != "Getränke" || mem.searches[0].TopK != 3 {
		t.Errorf("searches = %+v", mem.searches)
	}
}

func TestCallSearch_NoMatches(t *testing.T) {
	s := NewServer(&fakeMemory{}, "dev", nil)

	var res ToolCallResult
	decodeResult(t, s.Handle(context.Background(), request(t, 6, "tools/call", map[string]any{
		"name":      ToolSearch,
		"arguments": map[string]any{"query": "nichts"},
	})), &res)

	if res.Content[0].Text != service.NoMatches {
		t.Errorf("text = %q, want %q", res.Content[0].Text, service.NoMatches)
	}
}

func TestCallObserve_Defaults(t *testing.T) {
	mem := &fakeMemory{observed: service.ObserveResult{
		Status:  service.StatusScheduled,
		Project: "Jar-El",
		Kind:    "fact",
		Tags:    []string{"tee"},
	}}
	s := NewServer(mem, "dev", nil)

	var res ToolCallResult
	decodeResult(t, s.Handle(context.Background(), request(t, 7, "tools/call", map[string]any{
		"name":      ToolObserve,
		"arguments": map[string]any{"text": "Ich trinke gern grünen Tee."},
	})), &res)

	if res.Content[0].Text != mem.observed.Message() {
		t.Errorf("text = %q", res.Content[0].Text)
	}
	got := mem.observes[0]
	if got.Role != "user" || got.Channel != "chat" {
		t.Errorf("role/channel = %q/%q, want user/chat", got.Role, got.Channel)
	}
}

func TestCallTool_Failures(t *testing.T) {
	mem := &fakeMemory{err: errors.Upstream("embedder", "connection refused", nil)}
	s := NewServer(mem, "dev", nil)
	ctx := context.Background()

	var res ToolCallResult
	decodeResult(t, s.Handle(ctx, request(t, 8, "tools/call", map[string]any{
		"name":      ToolSearch,
		"arguments": map[string]any{"query": "x"},
	})), &res)
	if !res.IsError || !strings.Contains(res.Content[0].Text, "connection refused") {
		t.Errorf("expected tool error result, got %+v", res)
	}

	msg := s.Handle(ctx, request(t, 9, "tools/call", map[string]any{"name": "memory_delete"}))
	if msg.Response.Error == nil || msg.Response.Error.Code != transport.InvalidParams {
		t.Errorf("unknown tool: %+v", msg.Response)
	}

	msg = s.Handle(ctx, request(t, 10, "tools/call", map[string]any{
		"name":      ToolSearch,
		"arguments": map[string]any{"query": 42},
	}))
	if msg.Response.Error == nil || msg.Response.Error.Code != transport.InvalidParams {
		t.Errorf("bad arguments: %+v", msg.Response)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServe_Stdio(t *testing.T) {
	input := strings.Join([]string{
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05"}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"memory_observe","arguments":{"text":"  "}}}`,
	}, "\n") + "\n"
	out := &lockedBuffer{}

	mem := &fakeMemory{observed: service.ObserveResult{Status: service.StatusEmpty}}
	s := NewServer(mem, "dev", nil)
	tr := transport.NewStdioTransport(strings.NewReader(input), out, transport.DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Serve(ctx, tr); err != nil {
		t.Fatalf("Serve() = %v", err)
	}

	if !s.Initialized() {
		t.Error("initialized notification not recorded")
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d responses, want 2: %q", len(lines), out.String())
	}
	var resp struct {
		ID     int            `json:"id"`
		Result ToolCallResult `json:"result"`
	}
	if err := json.Unmarshal([]byte(lines[1]), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.ID != 2 || resp.Result.Content[0].Text != "Leerer Text, nichts zu speichern." {
		t.Errorf("response = %+v", resp)
	}
}
