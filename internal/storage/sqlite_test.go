package storage

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestMigrationsApply(t *testing.T) {
	s := openTestStore(t)

	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		t.Fatalf("querying schema_version: %v", err)
	}
	if count < 2 {
		t.Errorf("applied migrations = %d, want >= 2", count)
	}

	// Seed migration must install the shipped agent configurations.
	for _, agent := range []string{"outline_scribe", "draft_scribe", "publisher"} {
		if _, err := s.GetAgentConfiguration(agent); err != nil {
			t.Errorf("GetAgentConfiguration(%q): %v", agent, err)
		}
	}
}

func TestSaveAndGetDocument(t *testing.T) {
	s := openTestStore(t)

	doc := Document{
		ID:       "doc-1",
		Name:     "Q3 product launch notes",
		Type:     "notes",
		Metadata: `{"source":"wiki"}`,
	}
	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument: %v", err)
	}

	got, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Name != doc.Name || got.Type != doc.Type {
		t.Errorf("got %+v, want name/type from %+v", got, doc)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set on save")
	}

	if _, err := s.GetDocument("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetDocument(missing) = %v, want ErrNotFound", err)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	s := openTestStore(t)

	task := PipelineTask{
		ID:             "t1",
		TaskType:       TaskBlogOutline,
		Title:          "Why teams adopt Go",
		Summary:        "Pitch for platform engineers",
		TargetAudience: "platform engineers",
		Keywords:       `["go","platform"]`,
	}
	if err := s.CreateTask(task); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.TaskType != TaskBlogOutline || got.Title != task.Title {
		t.Errorf("got %+v, want fields from %+v", got, task)
	}
	if !got.CompletedAt.IsZero() {
		t.Errorf("completed_at = %v on a fresh task, want zero", got.CompletedAt)
	}
}

func TestCreateTask_LinkageTypeChecked(t *testing.T) {
	s := openTestStore(t)

	if err := s.CreateTask(PipelineTask{ID: "outline-1", TaskType: TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask outline: %v", err)
	}

	// Correct linkage: draft follows outline.
	if err := s.CreateTask(PipelineTask{ID: "draft-1", TaskType: TaskBlogDraft, RelatedPipelineID: "outline-1"}); err != nil {
		t.Fatalf("CreateTask draft with outline predecessor: %v", err)
	}

	// Wrong linkage: publish cannot follow outline.
	err := s.CreateTask(PipelineTask{ID: "pub-1", TaskType: TaskBlogPublish, RelatedPipelineID: "outline-1"})
	if err == nil {
		t.Fatal("expected error for publish linked to outline, got nil")
	}

	// Missing predecessor.
	err = s.CreateTask(PipelineTask{ID: "draft-2", TaskType: TaskBlogDraft, RelatedPipelineID: "nope"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing predecessor error = %v, want ErrNotFound", err)
	}

	// Chain-starting stage cannot have a predecessor.
	err = s.CreateTask(PipelineTask{ID: "outline-2", TaskType: TaskBlogOutline, RelatedPipelineID: "outline-1"})
	if err == nil {
		t.Fatal("expected error for outline with predecessor, got nil")
	}
}

func TestClaimTask(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(PipelineTask{ID: "t1", TaskType: TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	claimed, err := s.ClaimTask("t1", TaskBlogOutline)
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if claimed == nil {
		t.Fatal("ClaimTask returned nil for a pending task")
	}
	if claimed.Status != StatusInProgress {
		t.Errorf("claimed status = %q, want in_progress", claimed.Status)
	}

	// Second claim is a no-op, not an error.
	again, err := s.ClaimTask("t1", TaskBlogOutline)
	if err != nil {
		t.Fatalf("second ClaimTask: %v", err)
	}
	if again != nil {
		t.Error("second ClaimTask returned a task, want nil")
	}

	// Wrong type never claims.
	if err := s.CreateTask(PipelineTask{ID: "t2", TaskType: TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask t2: %v", err)
	}
	got, err := s.ClaimTask("t2", TaskBlogDraft)
	if err != nil {
		t.Fatalf("ClaimTask wrong type: %v", err)
	}
	if got != nil {
		t.Error("ClaimTask with wrong type returned a task, want nil")
	}
}

func TestClaimTask_ConcurrentExactlyOne(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(PipelineTask{ID: "t1", TaskType: TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	const racers = 8
	var wg sync.WaitGroup
	wins := make(chan string, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimTask("t1", TaskBlogOutline)
			if err != nil {
				t.Errorf("ClaimTask: %v", err)
				return
			}
			if claimed != nil {
				wins <- claimed.ID
			}
		}()
	}
	wg.Wait()
	close(wins)

	var winners []string
	for id := range wins {
		winners = append(winners, id)
	}
	if len(winners) != 1 {
		t.Errorf("claim winners = %d, want exactly 1", len(winners))
	}
}

func TestCompleteTask_WithDownstream(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(PipelineTask{ID: "t1", TaskType: TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.ClaimTask("t1", TaskBlogOutline); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	downstream := &PipelineTask{
		ID:                "t2",
		TaskType:          TaskBlogDraft,
		RelatedPipelineID: "t1",
		SourceChunkIDs:    `["c1","c2"]`,
		SourceDocumentIDs: `["d1"]`,
	}
	if err := s.CompleteTask("t1", `{"outline":"done"}`, downstream); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}

	done, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask t1: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("t1 status = %q, want completed", done.Status)
	}
	if done.Data != `{"outline":"done"}` {
		t.Errorf("t1 data = %s, want stage result stored", done.Data)
	}
	if done.CompletedAt.IsZero() {
		t.Error("completed_at not set on completion")
	}

	next, err := s.GetTask("t2")
	if err != nil {
		t.Fatalf("GetTask t2: %v", err)
	}
	if next.Status != StatusPending {
		t.Errorf("t2 status = %q, want pending", next.Status)
	}
	if next.RelatedPipelineID != "t1" {
		t.Errorf("t2 related = %q, want t1", next.RelatedPipelineID)
	}
	if next.SourceChunkIDs != `["c1","c2"]` {
		t.Errorf("t2 source_chunk_ids = %s", next.SourceChunkIDs)
	}
}

func TestCompleteTask_RollsBackOnBadDownstream(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(PipelineTask{ID: "t1", TaskType: TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.ClaimTask("t1", TaskBlogOutline); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	// Downstream with invalid linkage must fail and leave t1 in_progress.
	bad := &PipelineTask{ID: "t2", TaskType: TaskBlogPublish, RelatedPipelineID: "t1"}
	if err := s.CompleteTask("t1", "", bad); err == nil {
		t.Fatal("expected CompleteTask to fail on invalid downstream linkage")
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask t1: %v", err)
	}
	if got.Status != StatusInProgress {
		t.Errorf("t1 status = %q after rollback, want in_progress", got.Status)
	}
	if _, err := s.GetTask("t2"); !errors.Is(err, ErrNotFound) {
		t.Errorf("t2 exists after rollback, GetTask = %v", err)
	}
}

func TestFailTask(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(PipelineTask{ID: "t1", TaskType: TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.ClaimTask("t1", TaskBlogOutline); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}

	if err := s.FailTask("t1", "generation returned empty output"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusError {
		t.Errorf("status = %q, want error", got.Status)
	}
	if got.ErrorMessage != "generation returned empty output" {
		t.Errorf("error_message = %q", got.ErrorMessage)
	}
	if !got.CompletedAt.IsZero() {
		t.Error("completed_at set on a failed task")
	}

	if err := s.FailTask("missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("FailTask(missing) = %v, want ErrNotFound", err)
	}
}

func TestPromoteTask(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(PipelineTask{ID: "t1", TaskType: TaskBlogOutline, Status: StatusPendingReview}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	if err := s.PromoteTask("t1"); err != nil {
		t.Fatalf("PromoteTask: %v", err)
	}
	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}

	// Promoting a task that is not pending_review reports its actual state.
	err = s.PromoteTask("t1")
	if err == nil || !strings.Contains(err.Error(), "not pending_review") {
		t.Errorf("second PromoteTask = %v, want state error", err)
	}

	if err := s.PromoteTask("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("PromoteTask(missing) = %v, want ErrNotFound", err)
	}
}

func TestResetTask(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(PipelineTask{ID: "t1", TaskType: TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.ClaimTask("t1", TaskBlogOutline); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if err := s.FailTask("t1", "boom"); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	if err := s.ResetTask("t1"); err != nil {
		t.Fatalf("ResetTask: %v", err)
	}
	got, err := s.GetTask("t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("status = %q, want pending", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error_message = %q after reset, want empty", got.ErrorMessage)
	}
}

func TestResetStaleTasks(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("t%d", i)
		if err := s.CreateTask(PipelineTask{ID: id, TaskType: TaskBlogOutline}); err != nil {
			t.Fatalf("CreateTask %s: %v", id, err)
		}
		if _, err := s.ClaimTask(id, TaskBlogOutline); err != nil {
			t.Fatalf("ClaimTask %s: %v", id, err)
		}
	}

	// Age two of the claims behind the threshold.
	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := s.db.Exec(`UPDATE pipeline_tasks SET updated_at = ? WHERE id IN ('t0','t1')`, old); err != nil {
		t.Fatalf("aging rows: %v", err)
	}

	n, err := s.ResetStaleTasks(30 * time.Minute)
	if err != nil {
		t.Fatalf("ResetStaleTasks: %v", err)
	}
	if n != 2 {
		t.Errorf("reset %d tasks, want 2", n)
	}

	fresh, err := s.GetTask("t2")
	if err != nil {
		t.Fatalf("GetTask t2: %v", err)
	}
	if fresh.Status != StatusInProgress {
		t.Errorf("fresh task status = %q, want in_progress", fresh.Status)
	}
}

func TestClaimableTasks(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(PipelineTask{ID: "a", TaskType: TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask a: %v", err)
	}
	if err := s.CreateTask(PipelineTask{ID: "b", TaskType: TaskBlogDraft}); err != nil {
		t.Fatalf("CreateTask b: %v", err)
	}
	if err := s.CreateTask(PipelineTask{ID: "c", TaskType: TaskBlogOutline, Status: StatusPendingReview}); err != nil {
		t.Fatalf("CreateTask c: %v", err)
	}

	got, err := s.ClaimableTasks([]string{TaskBlogOutline, TaskBlogDraft}, 10)
	if err != nil {
		t.Fatalf("ClaimableTasks: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("claimable = %d, want 2 (pending only)", len(got))
	}

	got, err = s.ClaimableTasks([]string{TaskBlogDraft}, 10)
	if err != nil {
		t.Fatalf("ClaimableTasks draft: %v", err)
	}
	if len(got) != 1 || got[0].ID != "b" {
		t.Errorf("claimable drafts = %+v, want just b", got)
	}

	got, err = s.ClaimableTasks(nil, 10)
	if err != nil {
		t.Fatalf("ClaimableTasks(nil): %v", err)
	}
	if got != nil {
		t.Errorf("claimable with no types = %+v, want nil", got)
	}
}

func TestAgentConfiguration(t *testing.T) {
	s := openTestStore(t)

	cfg := AgentConfiguration{
		AgentType:         "outline_scribe",
		BasePrompt:        "Plan an article about {{title}}",
		LLMModelName:      "test-model",
		DefaultParameters: `{"temperature":0.5}`,
	}
	if err := s.SaveAgentConfiguration(cfg); err != nil {
		t.Fatalf("SaveAgentConfiguration: %v", err)
	}

	got, err := s.GetAgentConfiguration("outline_scribe")
	if err != nil {
		t.Fatalf("GetAgentConfiguration: %v", err)
	}
	if got.LLMModelName != "test-model" {
		t.Errorf("model = %q, want test-model (upsert should overwrite seed)", got.LLMModelName)
	}

	if _, err := s.GetAgentConfiguration("nonexistent"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAgentConfiguration(nonexistent) = %v, want ErrNotFound", err)
	}
}
