package queue

import (
	"context"
	"fmt"
)

// Publisher publishes stage messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg StageMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg StageMessage) error

// Consumer consumes stage messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

const queuePrefix = "sendit"

// QueueName returns the stage work queue name, e.g. sendit.import.
func QueueName(stage Stage) string {
	return fmt.Sprintf("%s.%s", queuePrefix, stage)
}

// DLQName returns the dead-letter queue name for a stage, e.g. dlq.sendit.import.
func DLQName(stage Stage) string {
	return fmt.Sprintf("dlq.%s", QueueName(stage))
}

// WorkQueueNames returns all stage work queues (5 total).
func WorkQueueNames() []string {
	queues := make([]string, 0, len(stages))
	for _, stage := range stages {
		queues = append(queues, QueueName(stage))
	}
	return queues
}

// DLQNames returns all dead-letter queues (5 total).
func DLQNames() []string {
	queues := make([]string, 0, len(stages))
	for _, stage := range stages {
		queues = append(queues, DLQName(stage))
	}
	return queues
}
