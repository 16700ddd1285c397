// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Munin memory tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/munin/internal/capture"
	"github.com/starford/munin/internal/memoryservice"
	"github.com/starford/munin/internal/recall"
)

// Server wraps the MCP server with Munin memory tools.
type Server struct {
	mcp *server.MCPServer
	svc *memoryservice.Service
}

// New creates a new MCP server with all Munin tools registered.
func New(svc *memoryservice.Service) *Server {
	s := &Server{svc: svc}

	s.mcp = server.NewMCPServer(
		"Munin",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("memory_capture",
		mcp.WithDescription("Store one memory record anchored at the current commit. "+
			"Records are append-only: capture a correction instead of editing. "+
			"Read the contract first via the get_record_contract tool or the "+
			"munin://record-format resource."),
		mcp.WithString("namespace", mcp.Required(), mcp.Description("Target namespace (e.g. decisions, insights, sessions)")),
		mcp.WithString("summary", mcp.Required(), mcp.Description("Single-line summary, at most 512 characters")),
		mcp.WithString("body", mcp.Description("Optional Markdown body with the full detail")),
		mcp.WithString("tags", mcp.Description("Optional comma-separated tags (lowercase, kebab-case)")),
		mcp.WithString("source_ref", mcp.Description("Optional git ref or file path the record is about")),
	), s.captureMemory)

	s.mcp.AddTool(mcp.NewTool("memory_recall",
		mcp.WithDescription("Search stored memory records. Returns matches as JSON, best first."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Search query string")),
		mcp.WithString("namespace", mcp.Description("Optional namespace to search (empty for all)")),
		mcp.WithString("mode", mcp.Description("Ranking mode: vector, keyword or hybrid (default hybrid)")),
		mcp.WithString("hydrate", mcp.Description("Result detail: summary, full or files (default summary)")),
		mcp.WithString("k", mcp.Description("Maximum number of results")),
	), s.recallMemory)

	s.mcp.AddTool(mcp.NewTool("memory_sync",
		mcp.WithDescription("Replicate memory with the configured remote: fetch, merge, and optionally push."),
		mcp.WithString("namespaces", mcp.Description("Optional comma-separated namespaces (empty for all)")),
		mcp.WithString("push", mcp.Description("Set to true to push merged namespaces back to the remote")),
	), s.syncMemory)

	s.mcp.AddTool(mcp.NewTool("memory_reindex",
		mcp.WithDescription("Drop and rebuild the search index from the record store."),
	), s.reindexMemory)

	s.mcp.AddTool(mcp.NewTool("memory_status",
		mcp.WithDescription("Report per-namespace record counts, sync state and embedding configuration."),
	), s.memoryStatus)

	s.mcp.AddTool(mcp.NewTool("get_record_contract",
		mcp.WithDescription("Returns the canonical Munin record format contract. "+
			"Call this before capturing records to pick the right namespace and structure."),
	), s.getRecordContract)

	// Resource: record format contract.
	s.mcp.AddResource(
		mcp.NewResource("munin://record-format", "Record Format Contract",
			mcp.WithResourceDescription("Canonical format and namespace catalog for captured memory records."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readRecordFormatResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) captureMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	namespace, err := req.RequireString("namespace")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	summary, err := req.RequireString("summary")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	creq := capture.Request{Namespace: namespace, Summary: summary}
	if v, bErr := req.RequireString("body"); bErr == nil {
		creq.Body = v
	}
	if v, tErr := req.RequireString("tags"); tErr == nil {
		creq.Tags = splitList(v)
	}
	if v, srErr := req.RequireString("source_ref"); srErr == nil {
		creq.SourceRef = v
	}

	res, err := s.svc.Capture(ctx, creq)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	text := fmt.Sprintf("stored: %s", res.ID)
	if len(res.Warnings) > 0 {
		text += "\nwarnings: " + strings.Join(res.Warnings, "; ")
	}
	return mcp.NewToolResultText(text), nil
}

func (s *Server) recallMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("query")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	q := recall.Query{Text: text}
	if v, nsErr := req.RequireString("namespace"); nsErr == nil {
		q.Namespace = v
	}
	if v, mErr := req.RequireString("mode"); mErr == nil {
		mode, parseErr := recall.ParseMode(v)
		if parseErr != nil {
			return mcp.NewToolResultError(parseErr.Error()), nil
		}
		q.Mode = mode
	}
	if v, hErr := req.RequireString("hydrate"); hErr == nil {
		hydration, parseErr := recall.ParseHydration(v)
		if parseErr != nil {
			return mcp.NewToolResultError(parseErr.Error()), nil
		}
		q.Hydration = hydration
	}
	if v, kErr := req.RequireString("k"); kErr == nil {
		k, parseErr := strconv.Atoi(strings.TrimSpace(v))
		if parseErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid k: %q", v)), nil
		}
		q.K = k
	}

	matches, err := s.svc.Search(ctx, q)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(matches) == 0 {
		return mcp.NewToolResultText("no matches found"), nil
	}
	out, _ := json.MarshalIndent(matches, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) syncMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var namespaces []string
	if v, nsErr := req.RequireString("namespaces"); nsErr == nil {
		namespaces = splitList(v)
	}
	push := false
	if v, pErr := req.RequireString("push"); pErr == nil {
		if b, parseErr := strconv.ParseBool(strings.TrimSpace(v)); parseErr == nil {
			push = b
		}
	}

	results := s.svc.Sync(ctx, namespaces, push)
	out, _ := json.MarshalIndent(results, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) reindexMemory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if err := s.svc.Reindex(ctx); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText("reindex complete"), nil
}

func (s *Server) memoryStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.svc.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	out, _ := json.MarshalIndent(status, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) getRecordContract(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(RecordFormatContract), nil
}

func (s *Server) readRecordFormatResource(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      "munin://record-format",
			MIMEType: "text/markdown",
			Text:     RecordFormatContract,
		},
	}, nil
}

// splitList parses a comma-separated argument into trimmed, non-empty items.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
