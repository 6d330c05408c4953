// Package mcp implements the Model Context Protocol server for Haven.
//
// The MCP server exposes a read-only view of clients and calls so
// MCP-compatible AI assistants can pull case context into their own
// conversations without going through the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/dhruvvootkuri/haven/internal/model"
	"github.com/dhruvvootkuri/haven/internal/registry"
	"github.com/dhruvvootkuri/haven/internal/storage"
)

// Server wraps the MCP server with Haven's storage layer and call
// registry.
type Server struct {
	mcpServer *mcpserver.MCPServer
	db        *storage.DB
	registry  *registry.Registry
	logger    *slog.Logger
}

// New builds the MCP server and registers every resource, tool, and
// prompt on it.
func New(db *storage.DB, reg *registry.Registry, logger *slog.Logger, version string) *Server {
	s := &Server{
		db:       db,
		registry: reg,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"haven",
		version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer exposes the wrapped mcp-go server so the HTTP layer can
// mount a transport on it.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// haven://calls/active — snapshot of every call in progress.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"haven://calls/active",
			"Active Calls",
			mcplib.WithResourceDescription("Snapshot of every intake call currently in progress"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleActiveCallsResource,
	)
}

func (s *Server) registerTools() {
	// haven_client_lookup — client record with recent call history.
	s.mcpServer.AddTool(
		mcplib.NewTool("haven_client_lookup",
			mcplib.WithDescription("Look up a client's case record, extracted intake profile, and recent calls"),
			mcplib.WithString("client_id", mcplib.Description("Client UUID"), mcplib.Required()),
		),
		s.handleClientLookup,
	)

	// haven_active_calls — calls currently in progress.
	s.mcpServer.AddTool(
		mcplib.NewTool("haven_active_calls",
			mcplib.WithDescription("List intake calls currently in progress with their turn counts"),
		),
		s.handleActiveCalls,
	)

	// haven_call_transcript — transcript of a live or completed call.
	s.mcpServer.AddTool(
		mcplib.NewTool("haven_call_transcript",
			mcplib.WithDescription("Fetch the transcript of a call: live text for a call in progress, the persisted record otherwise"),
			mcplib.WithString("call_id", mcplib.Description("Call UUID"), mcplib.Required()),
		),
		s.handleCallTranscript,
	)
}

func (s *Server) handleActiveCallsResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(activeCallSummaries(s.registry), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal active calls: %w", err)
	}

	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "haven://calls/active",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleClientLookup(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	idStr := request.GetString("client_id", "")
	clientID, err := uuid.Parse(idStr)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid client_id: %s", idStr)), nil
	}

	client, err := s.db.GetClient(ctx, clientID)
	if err != nil {
		return errorResult(fmt.Sprintf("client lookup failed: %v", err)), nil
	}

	recentCalls, _, err := s.db.ListCallsByClient(ctx, clientID, 5, 0)
	if err != nil {
		s.logger.Warn("mcp: list calls for client lookup failed", "client_id", clientID, "error", err)
		recentCalls = nil
	}

	resultData, _ := json.MarshalIndent(map[string]any{
		"client":       client,
		"recent_calls": recentCalls,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleActiveCalls(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	summaries := activeCallSummaries(s.registry)
	resultData, _ := json.MarshalIndent(map[string]any{
		"calls": summaries,
		"total": len(summaries),
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleCallTranscript(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	idStr := request.GetString("call_id", "")
	callID, err := uuid.Parse(idStr)
	if err != nil {
		return errorResult(fmt.Sprintf("invalid call_id: %s", idStr)), nil
	}

	// A call in progress is served from the registry; anything else
	// falls back to the persisted record.
	if _, ok := s.registry.Get(callID); ok {
		resultData, _ := json.MarshalIndent(map[string]any{
			"call_id":    callID,
			"status":     model.CallStatusInProgress,
			"transcript": s.registry.FullTranscript(callID),
		}, "", "  ")
		return &mcplib.CallToolResult{
			Content: []mcplib.Content{
				mcplib.TextContent{Type: "text", Text: string(resultData)},
			},
		}, nil
	}

	call, err := s.db.GetCall(ctx, callID)
	if err != nil {
		return errorResult(fmt.Sprintf("call lookup failed: %v", err)), nil
	}

	transcript := ""
	if call.Transcript != nil {
		transcript = *call.Transcript
	}
	resultData, _ := json.MarshalIndent(map[string]any{
		"call_id":    call.ID,
		"status":     call.Status,
		"transcript": transcript,
		"summary":    call.Summary,
	}, "", "  ")

	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

// activeCallSummary is the trimmed view of an active call exposed over
// MCP. Chat history stays internal to the call core.
type activeCallSummary struct {
	CallID      uuid.UUID `json:"call_id"`
	ClientID    uuid.UUID `json:"client_id"`
	ExternalRef string    `json:"external_ref,omitempty"`
	TurnIndex   int       `json:"turn_index"`
	Segments    int       `json:"segments"`
	StartedAt   string    `json:"started_at"`
}

func activeCallSummaries(reg *registry.Registry) []activeCallSummary {
	active := reg.ActiveCalls()
	out := make([]activeCallSummary, 0, len(active))
	for _, c := range active {
		out = append(out, activeCallSummary{
			CallID:      c.CallID,
			ClientID:    c.ClientID,
			ExternalRef: c.ExternalRef,
			TurnIndex:   c.TurnIndex,
			Segments:    len(c.Segments),
			StartedAt:   c.StartedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
