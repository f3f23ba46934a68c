// Package orchestrator polls the task store and fans claimable tasks out to
// the stage agents on a worker pool.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/scribeflow/scribeflow/internal/agents"
	"github.com/scribeflow/scribeflow/internal/storage"
)

// Dispatcher routes tasks to the agent registered for their type.
type Dispatcher struct {
	byType map[string]agents.Agent
	types  []string
}

// NewDispatcher registers the given agents. Registering two agents for one
// task type is a wiring mistake and fails.
func NewDispatcher(list ...agents.Agent) (*Dispatcher, error) {
	d := &Dispatcher{byType: make(map[string]agents.Agent, len(list))}
	for _, a := range list {
		tt := a.TaskType()
		if _, dup := d.byType[tt]; dup {
			return nil, fmt.Errorf("duplicate agent for task type %q", tt)
		}
		d.byType[tt] = a
		d.types = append(d.types, tt)
	}
	return d, nil
}

// Types returns the task types with a registered agent, in registration order.
func (d *Dispatcher) Types() []string {
	return d.types
}

// AgentFor returns the agent registered for the task type.
func (d *Dispatcher) AgentFor(taskType string) (agents.Agent, bool) {
	a, ok := d.byType[taskType]
	return a, ok
}

// TaskSource is the slice of the task store the worker polls.
type TaskSource interface {
	ClaimableTasks(types []string, limit int) ([]storage.PipelineTask, error)
	ResetStaleTasks(olderThan time.Duration) (int, error)
}

// Options tune the polling loop.
type Options struct {
	// PollInterval is the delay between store polls.
	PollInterval time.Duration

	// Concurrency caps simultaneously running agents.
	Concurrency int

	// BatchSize caps tasks picked up per poll.
	BatchSize int

	// SweepInterval is the delay between stale-task sweeps. Zero disables
	// the in-process sweeper.
	SweepInterval time.Duration

	// StaleThreshold is how long a task may sit in_progress before a sweep
	// returns it to pending.
	StaleThreshold time.Duration
}

const (
	defaultPollInterval = 5 * time.Second
	defaultConcurrency  = 4
	defaultBatchSize    = 16
)

// Worker drives the pipeline: each poll claims up to BatchSize pending tasks
// and runs their agents on a bounded pool. The atomic claim makes overlapping
// polls and multiple workers safe; a task lost to a race is simply skipped.
type Worker struct {
	store      TaskSource
	dispatcher *Dispatcher
	pool       *ants.Pool
	opts       Options
	log        *slog.Logger
}

// NewWorker creates a Worker and its pool. Call Release when done.
func NewWorker(store TaskSource, dispatcher *Dispatcher, opts Options, log *slog.Logger) (*Worker, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}

	pool, err := ants.NewPool(opts.Concurrency)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		pool:       pool,
		opts:       opts,
		log:        log,
	}, nil
}

// Run polls until ctx is cancelled. When SweepInterval is set it also sweeps
// stale in_progress tasks on its own timer.
func (w *Worker) Run(ctx context.Context) error {
	poll := time.NewTicker(w.opts.PollInterval)
	defer poll.Stop()

	var sweep <-chan time.Time
	if w.opts.SweepInterval > 0 {
		t := time.NewTicker(w.opts.SweepInterval)
		defer t.Stop()
		sweep = t.C
	}

	w.log.Info("pipeline worker started",
		"poll_interval", w.opts.PollInterval,
		"concurrency", w.opts.Concurrency,
		"types", w.dispatcher.Types())

	for {
		select {
		case <-ctx.Done():
			w.log.Info("pipeline worker stopping")
			return ctx.Err()
		case <-poll.C:
			if _, err := w.RunOnce(ctx); err != nil {
				w.log.Error("poll failed", "error", err)
			}
		case <-sweep:
			if n, err := w.Sweep(); err != nil {
				w.log.Error("stale sweep failed", "error", err)
			} else if n > 0 {
				w.log.Warn("returned stale tasks to pending", "count", n)
			}
		}
	}
}

// RunOnce performs a single poll: claim up to BatchSize tasks, run their
// agents on the pool, and wait for the batch to finish. It returns how many
// tasks an agent actually claimed. Exposed for the trigger endpoint and
// tests.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	tasks, err := w.store.ClaimableTasks(w.dispatcher.Types(), w.opts.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("listing claimable tasks: %w", err)
	}
	if len(tasks) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	claimed := 0

	for _, task := range tasks {
		agent, ok := w.dispatcher.AgentFor(task.TaskType)
		if !ok {
			// ClaimableTasks only returns registered types; a miss here
			// means the dispatcher changed under us.
			w.log.Error("no agent for task type", "task", task.ID, "type", task.TaskType)
			continue
		}

		task := task
		wg.Add(1)
		if err := w.pool.Submit(func() {
			defer wg.Done()
			out := agent.Run(ctx, task.ID)
			if out.Claimed && out.Err == nil {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}); err != nil {
			wg.Done()
			w.log.Error("submitting task to pool", "task", task.ID, "error", err)
		}
	}

	wg.Wait()
	return claimed, nil
}

// Sweep returns stale in_progress tasks to pending.
func (w *Worker) Sweep() (int, error) {
	return w.store.ResetStaleTasks(w.opts.StaleThreshold)
}

// Release shuts the worker pool down. The worker must not be used after.
func (w *Worker) Release() {
	w.pool.Release()
}
