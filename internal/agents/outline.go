package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/scribeflow/scribeflow/internal/llm"
	"github.com/scribeflow/scribeflow/internal/storage"
)

// AgentOutlineScribe is the configuration key for the outline stage.
const AgentOutlineScribe = "outline_scribe"

// OutlineAgent turns an idea task into a structured article outline and
// queues the draft stage.
type OutlineAgent struct {
	store  TaskStore
	gen    Generator
	search Searcher
	opts   SearchOptions
	log    *slog.Logger
}

func NewOutlineAgent(store TaskStore, gen Generator, search Searcher, opts SearchOptions, log *slog.Logger) *OutlineAgent {
	return &OutlineAgent{store: store, gen: gen, search: search, opts: opts, log: log}
}

func (a *OutlineAgent) TaskType() string {
	return storage.TaskBlogOutline
}

func (a *OutlineAgent) Run(ctx context.Context, taskID string) Outcome {
	return runStage(ctx, a.store, a.log, AgentOutlineScribe, storage.TaskBlogOutline, taskID, a.produce)
}

func (a *OutlineAgent) produce(ctx context.Context, task storage.PipelineTask, cfg storage.AgentConfiguration) (string, *storage.PipelineTask, error) {
	query := strings.TrimSpace(task.Title + " " + task.Summary)
	if query == "" {
		return "", nil, fmt.Errorf("task %s has no title or summary to research", task.ID)
	}

	chunks, err := a.search.Search(ctx, query, a.opts.TopK, a.opts.MinConfidence)
	if err != nil {
		return "", nil, fmt.Errorf("retrieving context: %w", err)
	}

	prompt := RenderPrompt(cfg.BasePrompt, map[string]string{
		"title":    task.Title,
		"summary":  task.Summary,
		"audience": task.TargetAudience,
		"keywords": keywordText(task.Keywords),
		"context":  formatContext(chunks),
	})

	params, err := parseGenParams(cfg.DefaultParameters)
	if err != nil {
		return "", nil, err
	}
	res, err := a.gen.Generate(ctx, llm.GenerateRequest{
		Model:       cfg.LLMModelName,
		Prompt:      prompt,
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
	})
	if err != nil {
		return "", nil, fmt.Errorf("generating outline: %w", err)
	}

	outline, err := ParseOutline(res.Text)
	if err != nil {
		return "", nil, err
	}
	outlineJSON, err := json.Marshal(outline)
	if err != nil {
		return "", nil, err
	}

	chunkIDs, docIDs := provenance(chunks)
	downstream := &storage.PipelineTask{
		ID:                uuid.NewString(),
		TaskType:          storage.TaskBlogDraft,
		RelatedPipelineID: task.ID,
		Title:             outline.Title,
		Summary:           task.Summary,
		TargetAudience:    task.TargetAudience,
		Keywords:          task.Keywords,
		Data:              string(outlineJSON),
		SourceChunkIDs:    chunkIDs,
		SourceDocumentIDs: docIDs,
	}
	return string(outlineJSON), downstream, nil
}

// keywordText renders a JSON keyword array for prompt use. Malformed input
// passes through unchanged rather than failing the run.
func keywordText(raw string) string {
	var keywords []string
	if err := json.Unmarshal([]byte(raw), &keywords); err != nil {
		return raw
	}
	return strings.Join(keywords, ", ")
}
