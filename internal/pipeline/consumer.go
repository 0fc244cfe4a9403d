package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nsqio/go-nsq"

	"paperdesk/apps/backend/features/document"
	"paperdesk/apps/backend/internal/config"
	"paperdesk/apps/backend/internal/middleware"
)

// Consumer adapts the runner to NSQ message delivery.
type Consumer struct {
	runner *Runner
}

func NewConsumer(runner *Runner) *Consumer {
	return &Consumer{runner: runner}
}

func (c *Consumer) HandleMessage(m *nsq.Message) error {
	if len(m.Body) == 0 {
		return nil
	}

	var task document.IngestTask
	if err := json.Unmarshal(m.Body, &task); err != nil {
		// Poison pill: invalid JSON, don't retry
		slog.Error("poison pill: invalid json", "error", err)
		return nil
	}
	if task.DocumentID == "" {
		slog.Error("poison pill: task without document_id")
		return nil
	}

	ctx := context.Background()
	if task.CorrelationID != "" {
		ctx = middleware.WithCorrelationID(ctx, task.CorrelationID)
	}

	return c.runner.Process(ctx, task)
}

// StartConsumer subscribes the runner to the ingestion topic with
// bounded concurrency. The caller owns the returned consumer and stops
// it on shutdown.
func StartConsumer(runner *Runner, lookupdAddr string, concurrency int) (*nsq.Consumer, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	consumer, err := nsq.NewConsumer(config.TopicIngestTask, config.ChannelPipeline, nsq.NewConfig())
	if err != nil {
		return nil, err
	}
	consumer.AddConcurrentHandlers(NewConsumer(runner), concurrency)
	if err := consumer.ConnectToNSQLookupd(lookupdAddr); err != nil {
		return nil, err
	}
	return consumer, nil
}
