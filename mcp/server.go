// Package mcp serves the memory tools to chat hosts over the Model Context
// Protocol (JSON-RPC 2.0).
package mcp

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/memoryd/logging"
	"github.com/vinayprograms/memoryd/memory"
	"github.com/vinayprograms/memoryd/service"
	"github.com/vinayprograms/memoryd/transport"
)

// ProtocolVersion is the MCP revision the server speaks.
const ProtocolVersion = "2024-11-05"

// ServerName is reported in the initialize handshake.
const ServerName = "memoryd"

// Tool names.
const (
	ToolSearch  = "memory_search"
	ToolObserve = "memory_observe"
)

// Memory is what the tools need. *service.Service and *api.Client both
// satisfy it.
type Memory interface {
	Search(ctx context.Context, req service.SearchRequest) ([]memory.Match, error)
	Observe(ctx context.Context, req service.ObserveRequest) (service.ObserveResult, error)
}

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolsListResult is the result of tools/list.
type ToolsListResult struct {
	Tools []Tool `json:"tools"`
}

// ToolCallParams are the parameters for tools/call.
type ToolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolCallResult is the result of tools/call.
type ToolCallResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError"`
}

// Content represents content in a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// InitializeResult answers the initialize request.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
}

// ServerInfo identifies the server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type searchArgs struct {
	Query string `json:"query"`
	TopK  int    `json:"top_k"`
}

type observeArgs struct {
	Text    string `json:"text"`
	Role    string `json:"role"`
	Channel string `json:"channel"`
}

// Server dispatches MCP requests to a Memory.
type Server struct {
	mem         Memory
	version     string
	logger      *logging.Logger
	initialized atomic.Bool
}

// NewServer creates a tool server.
func NewServer(mem Memory, version string, logger *logging.Logger) *Server {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Server{mem: mem, version: version, logger: logger.WithComponent("mcp")}
}

// Initialized reports whether the client has confirmed the handshake.
func (s *Server) Initialized() bool {
	return s.initialized.Load()
}

// Tools returns the advertised tool definitions.
func (s *Server) Tools() []Tool {
	return []Tool{
		{
			Name:        ToolSearch,
			Description: "Semantische Suche im Memory. Gibt ein lesbares Text-Listing der Treffer zurück.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Suchanfrage"},
					"top_k": map[string]any{
						"type":        "integer",
						"description": "Maximale Anzahl Treffer",
						"default":     service.DefaultTopK,
					},
				},
				"required": []string{"query"},
			},
		},
		{
			Name:        ToolObserve,
			Description: "Beobachtet eine Chat-Nachricht und speichert sie ggf. automatisch im Memory.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text":    map[string]any{"type": "string", "description": "Nachrichtentext"},
					"role":    map[string]any{"type": "string", "default": service.DefaultSourceRole},
					"channel": map[string]any{"type": "string", "default": service.DefaultChannel},
				},
				"required": []string{"text"},
			},
		},
	}
}

// Serve runs t and answers its requests until the input ends or ctx is
// canceled. Requests are handled one at a time, in order.
func (s *Server) Serve(ctx context.Context, t transport.Transport) error {
	ctx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		t.Run(ctx)
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-t.Recv():
			if !ok {
				return nil
			}
			if msg.Request == nil {
				s.notification(msg.Notification)
				continue
			}
			if err := t.Send(s.Handle(ctx, msg.Request)); err != nil {
				return err
			}
		}
	}
}

func (s *Server) notification(n *transport.Notification) {
	if n == nil {
		return
	}
	switch n.Method {
	case "notifications/initialized":
		s.initialized.Store(true)
		s.logger.Debug("client initialized")
	default:
		s.logger.Debug("ignoring notification", logging.Fields{"method": n.Method})
	}
}

// Handle answers a single request.
func (s *Server) Handle(ctx context.Context, req *transport.Request) *transport.OutboundMessage {
	switch req.Method {
	case "initialize":
		return transport.NewResult(req.ID, InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      ServerInfo{Name: ServerName, Version: s.version},
		})
	case "ping":
		return transport.NewResult(req.ID, struct{}{})
	case "tools/list":
		return transport.NewResult(req.ID, ToolsListResult{Tools: s.Tools()})
	case "tools/call":
		var params ToolCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return transport.NewError(req.ID, transport.InvalidParams, "Invalid params", err.Error())
		}
		return s.call(ctx, req.ID, params)
	default:
		return transport.NewError(req.ID, transport.MethodNotFound, "Method not found", req.Method)
	}
}

func (s *Server) call(ctx context.Context, id any, params ToolCallParams) *transport.OutboundMessage {
	start := time.Now()
	var (
		text string
		err  error
	)

	switch params.Name {
	case ToolSearch:
		var args searchArgs
		if err := decodeArgs(params.Arguments, &args); err != nil {
			return transport.NewError(id, transport.InvalidParams, "Invalid params", err.Error())
		}
		var matches []memory.Match
		matches, err = s.mem.Search(ctx, service.SearchRequest{Query: args.Query, TopK: args.TopK})
		if err == nil {
			text = service.FormatMatches(matches)
		}
	case ToolObserve:
		args := observeArgs{Role: service.DefaultSourceRole, Channel: service.DefaultChannel}
		if err := decodeArgs(params.Arguments, &args); err != nil {
			return transport.NewError(id, transport.InvalidParams, "Invalid params", err.Error())
		}
		var res service.ObserveResult
		res, err = s.mem.Observe(ctx, service.ObserveRequest{Text: args.Text, Role: args.Role, Channel: args.Channel})
		if err == nil {
			text = res.Message()
		}
	default:
		return transport.NewError(id, transport.InvalidParams, "Unknown tool", params.Name)
	}

	fields := logging.Fields{"tool": params.Name, "duration_ms": time.Since(start).Milliseconds()}
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Warn("tool call failed", fields)
		return transport.NewResult(id, ToolCallResult{
			Content: []Content{{Type: "text", Text: err.Error()}},
			IsError: true,
		})
	}
	s.logger.Debug("tool call", fields)
	return transport.NewResult(id, ToolCallResult{Content: []Content{{Type: "text", Text: text}}})
}

func decodeArgs(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}
