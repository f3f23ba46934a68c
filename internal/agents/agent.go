// Package agents implements the content pipeline stages. Each agent claims a
// task of its type, gathers retrieval context, calls the generation provider,
// and hands its output to the next stage through the task store.
package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/scribeflow/scribeflow/internal/llm"
	"github.com/scribeflow/scribeflow/internal/retrieval"
	"github.com/scribeflow/scribeflow/internal/storage"
)

// Outcome reports one agent run. Claimed is false when the task was missing,
// of another type, or already past pending; that is a no-op, not a failure.
// Err is set when the run failed and the task was moved to the error status.
type Outcome struct {
	TaskID  string
	Claimed bool
	Err     error
}

// Agent is one pipeline stage.
type Agent interface {
	// TaskType returns the task type this agent claims.
	TaskType() string

	// Run attempts to claim and process the given task.
	Run(ctx context.Context, taskID string) Outcome
}

// TaskStore is the slice of the task store agents need.
type TaskStore interface {
	ClaimTask(id, taskType string) (*storage.PipelineTask, error)
	CompleteTask(id, result string, downstream *storage.PipelineTask) error
	FailTask(id, errMsg string) error
	GetTask(id string) (storage.PipelineTask, error)
	GetAgentConfiguration(agentType string) (storage.AgentConfiguration, error)
}

// Generator produces text from a prompt. Implemented by the LLM client.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResult, error)
}

// Searcher finds relevant chunks for context assembly. Implemented by the
// retriever.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, minConfidence float64) ([]retrieval.ScoredChunk, error)
	SearchSections(ctx context.Context, queries []string, topK int, minConfidence float64) ([][]retrieval.ScoredChunk, error)
}

// SearchOptions are the retrieval parameters agents use when gathering
// context, typically taken from configuration.
type SearchOptions struct {
	TopK          int
	MinConfidence float64
}

// genParams is the parsed form of AgentConfiguration.DefaultParameters.
type genParams struct {
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

func parseGenParams(raw string) (genParams, error) {
	var p genParams
	if raw == "" {
		return p, nil
	}
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return p, fmt.Errorf("parsing agent parameters: %w", err)
	}
	return p, nil
}

// produceFunc is one stage's body: given the claimed task and its agent
// configuration, return the stage result (stored on the completed task) and
// an optional downstream task.
type produceFunc func(ctx context.Context, task storage.PipelineTask, cfg storage.AgentConfiguration) (result string, downstream *storage.PipelineTask, err error)

// runStage drives the shared claim/produce/complete sequence. A failed claim
// returns an unclaimed Outcome; a failed produce marks the task error and
// carries the cause in the Outcome. Completion, including the downstream
// insert, is one store call so it is atomic.
func runStage(ctx context.Context, store TaskStore, log *slog.Logger, agentType, taskType, taskID string, produce produceFunc) Outcome {
	task, err := store.ClaimTask(taskID, taskType)
	if err != nil {
		return Outcome{TaskID: taskID, Err: fmt.Errorf("claiming task: %w", err)}
	}
	if task == nil {
		log.Debug("task not claimable", "task", taskID, "type", taskType)
		return Outcome{TaskID: taskID}
	}

	log.Info("task claimed", "task", taskID, "type", taskType, "agent", agentType)

	cfg, err := store.GetAgentConfiguration(agentType)
	if err != nil {
		return failStage(store, log, taskID, fmt.Errorf("loading agent configuration %q: %w", agentType, err))
	}

	result, downstream, err := produce(ctx, *task, cfg)
	if err != nil {
		return failStage(store, log, taskID, err)
	}

	if err := store.CompleteTask(taskID, result, downstream); err != nil {
		return failStage(store, log, taskID, fmt.Errorf("completing task: %w", err))
	}

	if downstream != nil {
		log.Info("task completed", "task", taskID, "next", downstream.ID, "next_type", downstream.TaskType)
	} else {
		log.Info("task completed", "task", taskID)
	}
	return Outcome{TaskID: taskID, Claimed: true}
}

// failStage records the failure on the task and in the log. The original
// error stays in the Outcome even when recording it fails.
func failStage(store TaskStore, log *slog.Logger, taskID string, cause error) Outcome {
	log.Error("task failed", "task", taskID, "error", cause)
	if err := store.FailTask(taskID, cause.Error()); err != nil {
		log.Error("recording task failure", "task", taskID, "error", err)
	}
	return Outcome{TaskID: taskID, Claimed: true, Err: cause}
}

// provenance collects the distinct chunk and document IDs from one or more
// retrieval result sets, JSON-encoded for the task columns.
func provenance(sections ...[]retrieval.ScoredChunk) (chunkIDs, documentIDs string) {
	var chunks []string
	var docs []string
	seenChunk := make(map[string]bool)
	seenDoc := make(map[string]bool)
	for _, section := range sections {
		for _, c := range section {
			if !seenChunk[c.ID] {
				seenChunk[c.ID] = true
				chunks = append(chunks, c.ID)
			}
			if !seenDoc[c.DocumentID] {
				seenDoc[c.DocumentID] = true
				docs = append(docs, c.DocumentID)
			}
		}
	}
	cb, _ := json.Marshal(chunks)
	db, _ := json.Marshal(docs)
	if chunks == nil {
		cb = []byte("[]")
	}
	if docs == nil {
		db = []byte("[]")
	}
	return string(cb), string(db)
}
