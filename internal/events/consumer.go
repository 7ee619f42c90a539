package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/jogardn/bookstore-fulfillment/internal/notify"
	"github.com/sirupsen/logrus"
)

const (
	MaxRetries        = 3
	InitialRetryDelay = 1 * time.Second
	MaxRetryDelay     = 30 * time.Second
)

type ConsumerMetrics struct {
	ProcessedCount int64 `json:"processed"`
	RetryCount     int64 `json:"retries"`
	DLQCount       int64 `json:"dead_lettered"`
	SuccessCount   int64 `json:"succeeded"`
	FailureCount   int64 `json:"failed"`
}

// MessageMetadata travels in the "metadata" header of dead-lettered tasks.
type MessageMetadata struct {
	RetryCount     int              `json:"retry_count"`
	FirstFailure   time.Time        `json:"first_failure"`
	LastFailure    time.Time        `json:"last_failure"`
	OriginalTopic  string           `json:"original_topic"`
	ErrorMessage   string           `json:"error_message"`
	FailedChannels []notify.Channel `json:"failed_channels,omitempty"`
}

// TaskConsumer delivers notification tasks from Kafka. A task whose channels
// keep failing is retried with backoff on only those channels, then written
// to the dead-letter topic.
type TaskConsumer struct {
	consumerGroup sarama.ConsumerGroup
	processor     *taskProcessor
	logger        *logrus.Logger
	topics        []string
}

type taskProcessor struct {
	handler  notify.Handler
	producer sarama.SyncProducer
	dlqTopic string
	logger   *logrus.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time

	processed, retries, dlq, succeeded, failed atomic.Int64
}

func NewTaskConsumer(brokers []string, groupID, topic string, handler notify.Handler, logger *logrus.Logger) (*TaskConsumer, error) {
	consumerGroup, err := sarama.NewConsumerGroup(brokers, groupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	producer, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		consumerGroup.Close()
		return nil, fmt.Errorf("failed to create producer for DLQ: %w", err)
	}

	if topic == "" {
		topic = NotificationTopic
	}
	return &TaskConsumer{
		consumerGroup: consumerGroup,
		processor:     newTaskProcessor(handler, producer, topic+".dlq", logger),
		logger:        logger,
		topics:        []string{topic},
	}, nil
}

func newTaskProcessor(handler notify.Handler, producer sarama.SyncProducer, dlqTopic string, logger *logrus.Logger) *taskProcessor {
	return &taskProcessor{
		handler:  handler,
		producer: producer,
		dlqTopic: dlqTopic,
		logger:   logger,
		sleep:    sleepContext,
		now:      time.Now,
	}
}

func (c *TaskConsumer) Start(ctx context.Context) error {
	handler := &consumerGroupHandler{processor: c.processor, logger: c.logger}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Kafka consumer context cancelled")
			return nil
		default:
			if err := c.consumerGroup.Consume(ctx, c.topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				c.logger.WithError(err).Error("Error consuming from Kafka")
				return err
			}
		}
	}
}

func (c *TaskConsumer) Close() error {
	if err := c.processor.producer.Close(); err != nil {
		c.logger.WithError(err).Error("Failed to close producer")
	}
	return c.consumerGroup.Close()
}

func (c *TaskConsumer) Metrics() ConsumerMetrics {
	return c.processor.metrics()
}

type consumerGroupHandler struct {
	processor *taskProcessor
	logger    *logrus.Logger
}

func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session setup")
	return nil
}

func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("Kafka consumer group session cleanup")
	return nil
}

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.processor.process(session.Context(), message) {
				// Unmarked, so the next session redelivers it.
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			h.logger.Info("Consumer group session context cancelled")
			return nil
		}
	}
}

// process reports whether the message is finished with: delivered or dead
// lettered. It returns false only when ctx ends mid-delivery, and the offset
// must then stay uncommitted.
func (p *taskProcessor) process(ctx context.Context, message *sarama.ConsumerMessage) bool {
	p.processed.Add(1)

	task, failed, err := p.deliverWithRetry(ctx, message)
	if err == nil {
		p.succeeded.Add(1)
		return true
	}
	if ctx.Err() != nil {
		p.logger.WithError(err).WithField("offset", message.Offset).Warn("Delivery interrupted by shutdown, leaving offset uncommitted")
		return false
	}

	p.failed.Add(1)
	p.logger.WithError(err).Error("Failed to deliver notification task after retries")
	if dlqErr := p.sendToDLQ(message, task, failed, err); dlqErr != nil {
		p.logger.WithError(dlqErr).Error("Failed to send task to DLQ")
		return true
	}
	p.dlq.Add(1)
	return true
}

// deliverWithRetry returns the task as last attempted and the channels that
// were still failing.
func (p *taskProcessor) deliverWithRetry(ctx context.Context, message *sarama.ConsumerMessage) (*notify.Task, []notify.Channel, error) {
	var task notify.Task
	if err := json.Unmarshal(message.Value, &task); err != nil {
		p.logger.WithError(err).Error("Failed to unmarshal notification task")
		return nil, nil, fmt.Errorf("malformed task: %w", err)
	}
	if len(task.Channels) == 0 {
		task.Channels = notify.AllChannels
	}

	logger := p.logger.WithFields(logrus.Fields{
		"topic":     message.Topic,
		"partition": message.Partition,
		"offset":    message.Offset,
		"task_id":   task.ID,
		"order_id":  task.Event.OrderID,
	})
	logger.Info("Processing notification task")

	retryDelay := InitialRetryDelay
	var lastErr error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		if attempt > 0 {
			logger.WithFields(logrus.Fields{
				"attempt":  attempt,
				"delay":    retryDelay,
				"channels": task.Channels,
			}).Info("Retrying failed channels")

			if err := p.sleep(ctx, retryDelay); err != nil {
				return &task, task.Channels, err
			}
			p.retries.Add(1)

			retryDelay *= 2
			if retryDelay > MaxRetryDelay {
				retryDelay = MaxRetryDelay
			}
		}

		err := p.handler.Deliver(ctx, task)
		if err == nil {
			return &task, nil, nil
		}
		lastErr = err

		var deliveryErr *notify.DeliveryError
		if !errors.As(err, &deliveryErr) {
			return &task, task.Channels, err
		}
		task.Channels = deliveryErr.Failed
		task.Attempt++
		logger.WithError(err).WithField("attempt", attempt+1).Warn("Notification channels failed")
	}

	return &task, task.Channels, fmt.Errorf("exhausted retries for task %s: %w", task.ID, lastErr)
}

func (p *taskProcessor) sendToDLQ(message *sarama.ConsumerMessage, task *notify.Task, failed []notify.Channel, processingError error) error {
	now := p.now()
	metadata := MessageMetadata{
		RetryCount:     replayCount(message) + 1,
		FirstFailure:   now,
		LastFailure:    now,
		OriginalTopic:  message.Topic,
		ErrorMessage:   processingError.Error(),
		FailedChannels: failed,
	}
	if task != nil && !task.CreatedAt.IsZero() {
		metadata.FirstFailure = task.CreatedAt
	}

	metadataBytes, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	// Dead-letter only the channels that never succeeded.
	value := message.Value
	if task != nil {
		task.Channels = failed
		if value, err = json.Marshal(task); err != nil {
			return fmt.Errorf("failed to marshal task: %w", err)
		}
	}

	dlqMessage := &sarama.ProducerMessage{
		Topic: p.dlqTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("metadata"), Value: metadataBytes},
			{Key: []byte("original_topic"), Value: []byte(message.Topic)},
			{Key: []byte("original_partition"), Value: []byte(strconv.Itoa(int(message.Partition)))},
			{Key: []byte("original_offset"), Value: []byte(strconv.FormatInt(message.Offset, 10))},
			{Key: []byte("failure_time"), Value: []byte(now.Format(time.RFC3339))},
		},
	}

	partition, offset, err := p.producer.SendMessage(dlqMessage)
	if err != nil {
		return fmt.Errorf("failed to send to DLQ: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"dlq_topic":     p.dlqTopic,
		"dlq_partition": partition,
		"dlq_offset":    offset,
		"original_key":  string(message.Key),
		"channels":      failed,
		"error":         processingError.Error(),
	}).Warn("Task sent to dead letter queue")

	return nil
}

func (p *taskProcessor) metrics() ConsumerMetrics {
	return ConsumerMetrics{
		ProcessedCount: p.processed.Load(),
		RetryCount:     p.retries.Load(),
		DLQCount:       p.dlq.Load(),
		SuccessCount:   p.succeeded.Load(),
		FailureCount:   p.failed.Load(),
	}
}

// replayCount reads how many times the DLQ processor has already replayed
// this message.
func replayCount(message *sarama.ConsumerMessage) int {
	value, ok := header(message, "retry_count")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(string(value))
	if err != nil {
		return 0
	}
	return n
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
