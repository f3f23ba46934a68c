package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/scribeflow/scribeflow/internal/publish"
	"github.com/scribeflow/scribeflow/internal/storage"
)

// AgentPublisher is the configuration key for the publish stage.
const AgentPublisher = "publisher"

// Publisher posts a finished article to the blog platform. Implemented by
// the publish client.
type Publisher interface {
	CreateArticle(ctx context.Context, a publish.Article) (publish.Article, error)
}

// PublishAgent is the terminal stage: it posts the reviewed article and
// records the platform's identifiers on the task. It queues nothing further.
type PublishAgent struct {
	store     TaskStore
	publisher Publisher
	log       *slog.Logger
}

func NewPublishAgent(store TaskStore, publisher Publisher, log *slog.Logger) *PublishAgent {
	return &PublishAgent{store: store, publisher: publisher, log: log}
}

func (a *PublishAgent) TaskType() string {
	return storage.TaskBlogPublish
}

func (a *PublishAgent) Run(ctx context.Context, taskID string) Outcome {
	return runStage(ctx, a.store, a.log, AgentPublisher, storage.TaskBlogPublish, taskID, a.produce)
}

func (a *PublishAgent) produce(ctx context.Context, task storage.PipelineTask, _ storage.AgentConfiguration) (string, *storage.PipelineTask, error) {
	article, err := ParseArticle(task.Data)
	if err != nil {
		return "", nil, fmt.Errorf("reading article from task %s: %w", task.ID, err)
	}

	posted, err := a.publisher.CreateArticle(ctx, publish.Article{
		Title:     article.Title,
		BodyHTML:  article.BodyHTML,
		Tags:      strings.Join(article.Tags, ", "),
		Published: true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("publishing article: %w", err)
	}

	result, err := json.Marshal(map[string]any{
		"article_id": posted.ID,
		"handle":     posted.Handle,
		"title":      posted.Title,
		"published":  true,
	})
	if err != nil {
		return "", nil, err
	}
	return string(result), nil, nil
}
