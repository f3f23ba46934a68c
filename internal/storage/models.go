package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrInvalidLinkage is returned when a task's type or predecessor reference
// cannot form a valid lineage chain.
var ErrInvalidLinkage = errors.New("invalid task linkage")

// ErrInvalidState is returned when a status transition is requested on a
// task whose current status does not allow it.
var ErrInvalidState = errors.New("invalid task state")

// Pipeline task statuses.
const (
	StatusPending       = "pending"
	StatusInProgress    = "in_progress"
	StatusCompleted     = "completed"
	StatusPendingReview = "pending_review"
	StatusError         = "error"
)

// Pipeline task types. The set is open: a new stage registers its prior
// stage in priorStage below. These are the stages shipped today.
const (
	TaskBlogOutline = "blog_outline"
	TaskBlogDraft   = "blog_draft"
	TaskBlogPublish = "blog_publish"
)

// priorStage maps a task type to the task type its predecessor must have.
// An empty value means the stage starts a lineage chain.
var priorStage = map[string]string{
	TaskBlogOutline: "",
	TaskBlogDraft:   TaskBlogOutline,
	TaskBlogPublish: TaskBlogDraft,
}

// PriorStage returns the required predecessor task type for taskType.
// ok is false when the task type is unknown to this build.
func PriorStage(taskType string) (prior string, ok bool) {
	prior, ok = priorStage[taskType]
	return prior, ok
}

// Document is a source text unit. Content is immutable once ingested;
// a Document owns zero or more Chunks.
type Document struct {
	ID        string
	Name      string
	Type      string
	Metadata  string // JSON object stored as text
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PipelineTask is a unit of work in the content pipeline.
// RelatedPipelineID points at the task's single predecessor ("" when the
// task starts a chain). SourceChunkIDs and SourceDocumentIDs are copied
// provenance snapshots; they stay valid even if the source chunks are
// later re-embedded or deleted.
type PipelineTask struct {
	ID                string
	TaskType          string
	Status            string
	RelatedPipelineID string
	Title             string
	Summary           string
	TargetAudience    string
	Keywords          string // JSON array stored as text
	Data              string // JSON payload, shape keyed by TaskType
	SourceChunkIDs    string // JSON array stored as text
	SourceDocumentIDs string // JSON array stored as text
	ErrorMessage      string
	CreatedAt         time.Time
	UpdatedAt         time.Time
	CompletedAt       time.Time // zero unless the task completed successfully
}

// AgentConfiguration holds a per-agent-type prompt template and generation
// defaults. Read-only to the orchestrator.
type AgentConfiguration struct {
	AgentType         string
	BasePrompt        string
	LLMModelName      string
	DefaultParameters string // JSON object stored as text
}
