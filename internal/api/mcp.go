package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/scribeflow/scribeflow/internal/storage"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Searcher Searcher
	Defaults RetrievalDefaults
}

// NewMCPServer creates an MCP server exposing the knowledge base and the
// content pipeline to agent clients.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	s := server.NewMCPServer(
		"scribeflow",
		"1.0.0",
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("scribeflow: marketing content pipeline over a private knowledge base."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("search_knowledge",
			mcp.WithDescription("Semantically search the knowledge base and return relevant chunks with confidence and similarity scores."),
			mcp.WithString("query", mcp.Description("Search query"), mcp.Required()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 5)")),
			mcp.WithNumber("min_confidence", mcp.Description("Minimum chunk confidence score 0-100 (default 70)")),
		),
		mcpSearchKnowledge(deps),
	)

	s.AddTool(
		mcp.NewTool("create_idea",
			mcp.WithDescription("Queue a new article idea as a pipeline task. The outline agent picks it up on the next poll."),
			mcp.WithString("title", mcp.Description("Working title for the article"), mcp.Required()),
			mcp.WithString("summary", mcp.Description("One-paragraph pitch")),
			mcp.WithString("target_audience", mcp.Description("Who the article is for")),
			mcp.WithArray("keywords", mcp.Description("SEO keywords")),
		),
		mcpCreateIdea(deps),
	)

	s.AddTool(
		mcp.NewTool("list_tasks",
			mcp.WithDescription("List pipeline tasks, optionally filtered by status."),
			mcp.WithString("status", mcp.Description("Filter: pending, in_progress, completed, pending_review, or error")),
			mcp.WithNumber("limit", mcp.Description("Maximum number of results (default 20)")),
		),
		mcpListTasks(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"pipeline://recent",
			"Recent Pipeline Tasks",
			mcp.WithResourceDescription("Last 10 pipeline tasks (summary fields only)"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecent(deps),
	)

	return s
}

func mcpSearchKnowledge(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := req.RequireString("query")
		if err != nil {
			return mcpError("query is required"), nil
		}

		limit := req.GetInt("limit", deps.Defaults.TopK)
		minConfidence := req.GetFloat("min_confidence", deps.Defaults.MinConfidence)

		chunks, err := deps.Searcher.Search(ctx, query, limit, minConfidence)
		if err != nil {
			return mcpError(fmt.Sprintf("search failed: %v", err)), nil
		}
		if len(chunks) == 0 {
			return mcpText("[]"), nil
		}

		type hit struct {
			ChunkID      string  `json:"chunk_id"`
			DocumentName string  `json:"document_name"`
			Content      string  `json:"content"`
			Confidence   float64 `json:"confidence"`
			Similarity   float32 `json:"similarity"`
		}
		results := make([]hit, len(chunks))
		for i, c := range chunks {
			results[i] = hit{
				ChunkID:      c.ID,
				DocumentName: c.DocumentName,
				Content:      c.Content,
				Confidence:   c.Confidence,
				Similarity:   c.Similarity,
			}
		}

		b, err := json.Marshal(results)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal results: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpCreateIdea(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		title, err := req.RequireString("title")
		if err != nil {
			return mcpError("title is required"), nil
		}

		keywords := req.GetStringSlice("keywords", nil)
		keywordsJSON := "[]"
		if len(keywords) > 0 {
			b, err := json.Marshal(keywords)
			if err != nil {
				return mcpError(fmt.Sprintf("failed to marshal keywords: %v", err)), nil
			}
			keywordsJSON = string(b)
		}

		task := storage.PipelineTask{
			ID:             uuid.New().String(),
			TaskType:       storage.TaskBlogOutline,
			Title:          title,
			Summary:        req.GetString("summary", ""),
			TargetAudience: req.GetString("target_audience", ""),
			Keywords:       keywordsJSON,
		}
		if err := deps.Store.CreateTask(task); err != nil {
			return mcpError(fmt.Sprintf("failed to queue idea: %v", err)), nil
		}

		return mcpText(fmt.Sprintf("Queued outline task %s", task.ID)), nil
	}
}

func mcpListTasks(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status := req.GetString("status", "")
		limit := req.GetInt("limit", 20)
		if limit <= 0 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		tasks, err := deps.Store.ListTasks(status, limit)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to list tasks: %v", err)), nil
		}
		if len(tasks) == 0 {
			return mcpText("[]"), nil
		}

		b, err := json.Marshal(tasks)
		if err != nil {
			return mcpError(fmt.Sprintf("failed to marshal tasks: %v", err)), nil
		}
		return mcpText(string(b)), nil
	}
}

func mcpResourceRecent(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		tasks, err := deps.Store.ListTasks("", 10)
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks: %w", err)
		}

		type taskSummary struct {
			ID        string `json:"id"`
			TaskType  string `json:"task_type"`
			Status    string `json:"status"`
			Title     string `json:"title"`
			CreatedAt string `json:"created_at"`
		}
		summaries := make([]taskSummary, len(tasks))
		for i, t := range tasks {
			title := t.Title
			if utf8.RuneCountInString(title) > 200 {
				runes := []rune(title)
				title = string(runes[:200]) + "..."
			}
			summaries[i] = taskSummary{
				ID:        t.ID,
				TaskType:  t.TaskType,
				Status:    t.Status,
				Title:     title,
				CreatedAt: t.CreatedAt.Format(time.RFC3339),
			}
		}

		b, err := json.Marshal(summaries)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal tasks: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
