package orchestrator

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/scribeflow/scribeflow/internal/agents"
	"github.com/scribeflow/scribeflow/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// stubAgent claims and completes tasks through the real store so the worker's
// claim accounting is exercised end to end.
type stubAgent struct {
	taskType string
	store    *storage.Store
	runs     atomic.Int32
	fail     bool
}

func (a *stubAgent) TaskType() string { return a.taskType }

func (a *stubAgent) Run(_ context.Context, taskID string) agents.Outcome {
	a.runs.Add(1)
	claimed, err := a.store.ClaimTask(taskID, a.taskType)
	if err != nil {
		return agents.Outcome{TaskID: taskID, Err: err}
	}
	if claimed == nil {
		return agents.Outcome{TaskID: taskID}
	}
	if a.fail {
		err := fmt.Errorf("stub failure")
		a.store.FailTask(taskID, err.Error())
		return agents.Outcome{TaskID: taskID, Claimed: true, Err: err}
	}
	if err := a.store.CompleteTask(taskID, "", nil); err != nil {
		return agents.Outcome{TaskID: taskID, Claimed: true, Err: err}
	}
	return agents.Outcome{TaskID: taskID, Claimed: true}
}

func newTestWorker(t *testing.T, s *storage.Store, list ...agents.Agent) *Worker {
	t.Helper()
	d, err := NewDispatcher(list...)
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	w, err := NewWorker(s, d, Options{
		PollInterval:   10 * time.Millisecond,
		Concurrency:    2,
		BatchSize:      8,
		StaleThreshold: 30 * time.Minute,
	}, testLogger())
	if err != nil {
		t.Fatalf("NewWorker: %v", err)
	}
	t.Cleanup(w.Release)
	return w
}

func TestDispatcherRejectsDuplicateTypes(t *testing.T) {
	s := openTestStore(t)
	a := &stubAgent{taskType: storage.TaskBlogOutline, store: s}
	b := &stubAgent{taskType: storage.TaskBlogOutline, store: s}
	if _, err := NewDispatcher(a, b); err == nil {
		t.Fatal("expected error for duplicate agent registration")
	}
}

func TestRunOnceProcessesBatch(t *testing.T) {
	s := openTestStore(t)
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("t%d", i)
		if err := s.CreateTask(storage.PipelineTask{ID: id, TaskType: storage.TaskBlogOutline}); err != nil {
			t.Fatalf("CreateTask %s: %v", id, err)
		}
	}

	agent := &stubAgent{taskType: storage.TaskBlogOutline, store: s}
	w := newTestWorker(t, s, agent)

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 3 {
		t.Errorf("claimed = %d, want 3", n)
	}

	for i := 0; i < 3; i++ {
		got, err := s.GetTask(fmt.Sprintf("t%d", i))
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status != storage.StatusCompleted {
			t.Errorf("t%d status = %q, want completed", i, got.Status)
		}
	}

	// A second poll finds nothing.
	n, err = w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("second poll claimed = %d, want 0", n)
	}
}

func TestRunOnceIgnoresUnregisteredTypes(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(storage.PipelineTask{ID: "d1", TaskType: storage.TaskBlogDraft}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	agent := &stubAgent{taskType: storage.TaskBlogOutline, store: s}
	w := newTestWorker(t, s, agent)

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 0 {
		t.Errorf("claimed = %d, want 0", n)
	}
	if got := agent.runs.Load(); got != 0 {
		t.Errorf("agent ran %d times for a type it doesn't handle", got)
	}
}

func TestRunOnceIsolatesFailures(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(storage.PipelineTask{ID: "o1", TaskType: storage.TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask o1: %v", err)
	}
	if err := s.CreateTask(storage.PipelineTask{ID: "d1", TaskType: storage.TaskBlogDraft}); err != nil {
		t.Fatalf("CreateTask d1: %v", err)
	}

	failing := &stubAgent{taskType: storage.TaskBlogOutline, store: s, fail: true}
	healthy := &stubAgent{taskType: storage.TaskBlogDraft, store: s}
	w := newTestWorker(t, s, failing, healthy)

	n, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 1 {
		t.Errorf("successful claims = %d, want 1", n)
	}

	failed, _ := s.GetTask("o1")
	if failed.Status != storage.StatusError {
		t.Errorf("o1 status = %q, want error", failed.Status)
	}
	ok, _ := s.GetTask("d1")
	if ok.Status != storage.StatusCompleted {
		t.Errorf("d1 status = %q, want completed despite sibling failure", ok.Status)
	}
}

func TestSweepRecoversStaleTasks(t *testing.T) {
	s := openTestStore(t)
	if err := s.CreateTask(storage.PipelineTask{ID: "t1", TaskType: storage.TaskBlogOutline}); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.ClaimTask("t1", storage.TaskBlogOutline); err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	old := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339)
	if _, err := s.DB().Exec(`UPDATE pipeline_tasks SET updated_at = ? WHERE id = 't1'`, old); err != nil {
		t.Fatalf("aging row: %v", err)
	}

	agent := &stubAgent{taskType: storage.TaskBlogOutline, store: s}
	w := newTestWorker(t, s, agent)

	n, err := w.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	got, _ := s.GetTask("t1")
	if got.Status != storage.StatusPending {
		t.Errorf("status = %q after sweep, want pending", got.Status)
	}
}
