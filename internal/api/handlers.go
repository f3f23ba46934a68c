// Package api exposes the daemon's REST surface: retrieval queries, ad-hoc
// generation, pipeline task management, and the pipeline trigger.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/scribeflow/scribeflow/internal/llm"
	"github.com/scribeflow/scribeflow/internal/retrieval"
	"github.com/scribeflow/scribeflow/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Searcher abstracts retrieval for the API layer.
type Searcher interface {
	Search(ctx context.Context, query string, topK int, minConfidence float64) ([]retrieval.ScoredChunk, error)
}

// Generator abstracts text generation for the API layer.
type Generator interface {
	Generate(ctx context.Context, req llm.GenerateRequest) (llm.GenerateResult, error)
}

// PipelineRunner abstracts the worker for the trigger endpoint.
type PipelineRunner interface {
	RunOnce(ctx context.Context) (int, error)
	Sweep() (int, error)
}

// RetrievalDefaults fill in omitted search parameters.
type RetrievalDefaults struct {
	TopK          int
	MinConfidence float64
}

type AppDeps struct {
	Store         *storage.Store
	Searcher      Searcher
	Generator     Generator
	Runner        PipelineRunner
	Token         string
	TriggerSecret string
	Defaults      RetrievalDefaults
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/v1/retrieve", handleRetrieve(deps))
		r.Post("/v1/generate", handleGenerate(deps))
		r.Post("/v1/tasks", handleCreateTask(deps))
		r.Get("/v1/tasks", handleListTasks(deps))
		r.Get("/v1/tasks/{id}", handleGetTask(deps))
		r.Post("/v1/tasks/{id}/promote", handlePromoteTask(deps))
		r.Post("/v1/tasks/{id}/retry", handleRetryTask(deps))
	})

	r.Group(func(r chi.Router) {
		r.Use(TriggerAuth(deps.TriggerSecret))
		r.Post("/v1/pipeline/run", handlePipelineRun(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

type RetrieveRequest struct {
	Query         string   `json:"query"`
	TopK          *int     `json:"top_k"`
	MinConfidence *float64 `json:"min_confidence"`
}

type retrieveHit struct {
	ChunkID      string  `json:"chunk_id"`
	DocumentID   string  `json:"document_id"`
	DocumentName string  `json:"document_name"`
	Content      string  `json:"content"`
	Metadata     string  `json:"metadata,omitempty"`
	Confidence   float64 `json:"confidence"`
	Similarity   float32 `json:"similarity"`
}

func handleRetrieve(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req RetrieveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}

		topK := deps.Defaults.TopK
		if req.TopK != nil {
			topK = *req.TopK
		}
		minConfidence := deps.Defaults.MinConfidence
		if req.MinConfidence != nil {
			minConfidence = *req.MinConfidence
		}

		chunks, err := deps.Searcher.Search(r.Context(), req.Query, topK, minConfidence)
		if errors.Is(err, retrieval.ErrInvalidParameter) || errors.Is(err, retrieval.ErrDimensionMismatch) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "search failed: %v", err)
			return
		}

		hits := make([]retrieveHit, len(chunks))
		for i, c := range chunks {
			hits[i] = retrieveHit{
				ChunkID:      c.ID,
				DocumentID:   c.DocumentID,
				DocumentName: c.DocumentName,
				Content:      c.Content,
				Metadata:     c.Metadata,
				Confidence:   c.Confidence,
				Similarity:   c.Similarity,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"chunks": hits})
	}
}

type GenerateRequest struct {
	Prompt      string  `json:"prompt"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

func handleGenerate(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req GenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Prompt == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prompt is required")
			return
		}

		result, err := deps.Generator.Generate(r.Context(), llm.GenerateRequest{
			Model:       req.Model,
			Prompt:      req.Prompt,
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
		})
		if errors.Is(err, llm.ErrEmptyGeneration) {
			httpErrorDetails(w, http.StatusInternalServerError, "api_error",
				map[string]any{"finish_reason": result.FinishReason},
				"provider returned empty output")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "generation failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"generated_text": result.Text,
			"finish_reason":  result.FinishReason,
			"usage":          result.Usage,
		})
	}
}

type CreateTaskRequest struct {
	TaskType          string   `json:"task_type"`
	Title             string   `json:"title"`
	Summary           string   `json:"summary"`
	TargetAudience    string   `json:"target_audience"`
	Keywords          []string `json:"keywords"`
	RelatedPipelineID string   `json:"related_pipeline_id"`
}

func handleCreateTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.TaskType == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "task_type is required")
			return
		}
		if req.Title == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		keywordsJSON := "[]"
		if req.Keywords != nil {
			b, err := json.Marshal(req.Keywords)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to marshal keywords: %v", err)
				return
			}
			keywordsJSON = string(b)
		}

		task := storage.PipelineTask{
			ID:                uuid.New().String(),
			TaskType:          req.TaskType,
			RelatedPipelineID: req.RelatedPipelineID,
			Title:             req.Title,
			Summary:           req.Summary,
			TargetAudience:    req.TargetAudience,
			Keywords:          keywordsJSON,
		}
		err := deps.Store.CreateTask(task)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "%v", err)
			return
		}
		if errors.Is(err, storage.ErrInvalidLinkage) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to create task: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     task.ID,
			"status": storage.StatusPending,
		})
	}
}

func handleListTasks(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := r.URL.Query().Get("status")
		limit := parseIntParam(r, "limit", 20, 100)

		tasks, err := deps.Store.ListTasks(status, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list tasks: %v", err)
			return
		}
		if tasks == nil {
			tasks = []storage.PipelineTask{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tasks)
	}
}

func handleGetTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		task, err := deps.Store.GetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get task: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(task)
	}
}

func handlePromoteTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.PromoteTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if errors.Is(err, storage.ErrInvalidState) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to promote task: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": storage.StatusPending})
	}
}

func handleRetryTask(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		err := deps.Store.ResetTask(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		if errors.Is(err, storage.ErrInvalidState) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to retry task: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": storage.StatusPending})
	}
}

// handlePipelineRun sweeps stale tasks and drives one poll synchronously.
// External schedulers hit this instead of waiting for the in-process timers.
func handlePipelineRun(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		swept, err := deps.Runner.Sweep()
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "stale sweep failed: %v", err)
			return
		}

		claimed, err := deps.Runner.RunOnce(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "pipeline run failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"claimed": claimed,
			"swept":   swept,
		})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	httpErrorDetails(w, code, errType, nil, format, args...)
}

func httpErrorDetails(w http.ResponseWriter, code int, errType string, details map[string]any, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	e := map[string]any{
		"message": fmt.Sprintf(format, args...),
		"type":    errType,
	}
	if len(details) > 0 {
		e["details"] = details
	}
	json.NewEncoder(w).Encode(map[string]any{"error": e})
}
