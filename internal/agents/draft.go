package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/scribeflow/scribeflow/internal/llm"
	"github.com/scribeflow/scribeflow/internal/retrieval"
	"github.com/scribeflow/scribeflow/internal/storage"
)

// AgentDraftScribe is the configuration key for the draft stage.
const AgentDraftScribe = "draft_scribe"

// DraftAgent expands an outline into a full article draft. Context is
// retrieved per section concurrently; the run only proceeds when every
// section search succeeded, so a draft never mixes researched and
// unresearched sections. The finished draft queues the publish stage in
// pending_review for a human gate.
type DraftAgent struct {
	store  TaskStore
	gen    Generator
	search Searcher
	opts   SearchOptions
	log    *slog.Logger
}

func NewDraftAgent(store TaskStore, gen Generator, search Searcher, opts SearchOptions, log *slog.Logger) *DraftAgent {
	return &DraftAgent{store: store, gen: gen, search: search, opts: opts, log: log}
}

func (a *DraftAgent) TaskType() string {
	return storage.TaskBlogDraft
}

func (a *DraftAgent) Run(ctx context.Context, taskID string) Outcome {
	return runStage(ctx, a.store, a.log, AgentDraftScribe, storage.TaskBlogDraft, taskID, a.produce)
}

func (a *DraftAgent) produce(ctx context.Context, task storage.PipelineTask, cfg storage.AgentConfiguration) (string, *storage.PipelineTask, error) {
	outline, err := ParseOutline(task.Data)
	if err != nil {
		return "", nil, fmt.Errorf("reading outline from task %s: %w", task.ID, err)
	}

	queries := make([]string, len(outline.Sections))
	for i, s := range outline.Sections {
		queries[i] = strings.TrimSpace(s.Heading + " " + s.Summary)
	}
	sections, err := a.search.SearchSections(ctx, queries, a.opts.TopK, a.opts.MinConfidence)
	if err != nil {
		return "", nil, fmt.Errorf("retrieving section context: %w", err)
	}

	outlineJSON, err := json.Marshal(outline)
	if err != nil {
		return "", nil, err
	}
	prompt := RenderPrompt(cfg.BasePrompt, map[string]string{
		"title":    outline.Title,
		"audience": task.TargetAudience,
		"keywords": keywordText(task.Keywords),
		"outline":  string(outlineJSON),
		"context":  formatSectionContext(outline.Sections, sections),
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
		return "", nil, fmt.Errorf("generating draft: %w", err)
	}

	article, err := ParseArticle(res.Text)
	if err != nil {
		return "", nil, err
	}
	articleJSON, err := json.Marshal(article)
	if err != nil {
		return "", nil, err
	}

	// Provenance lists only what this run retrieved, not what earlier
	// stages saw; lineage to the outline's sources goes through the
	// related task link.
	chunkIDs, docIDs := provenance(sections...)
	downstream := &storage.PipelineTask{
		ID:                uuid.NewString(),
		TaskType:          storage.TaskBlogPublish,
		Status:            storage.StatusPendingReview,
		RelatedPipelineID: task.ID,
		Title:             article.Title,
		Summary:           task.Summary,
		TargetAudience:    task.TargetAudience,
		Keywords:          task.Keywords,
		Data:              string(articleJSON),
		SourceChunkIDs:    chunkIDs,
		SourceDocumentIDs: docIDs,
	}
	return string(articleJSON), downstream, nil
}

// formatSectionContext labels each section's retrieved chunks with its
// heading so the model can place material where it belongs.
func formatSectionContext(outline []OutlineSection, sections [][]retrieval.ScoredChunk) string {
	var sb strings.Builder
	for i, chunks := range sections {
		heading := fmt.Sprintf("section %d", i+1)
		if i < len(outline) {
			heading = outline[i].Heading
		}
		fmt.Fprintf(&sb, "## Context for %q\n%s\n\n", heading, formatContext(chunks))
	}
	return strings.TrimRight(sb.String(), "\n")
}
