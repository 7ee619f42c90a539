package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/IBM/sarama"
	"github.com/jogardn/bookstore-fulfillment/internal/notify"
	"github.com/sirupsen/logrus"
)

// TaskProducer publishes notification tasks to Kafka. Tasks are keyed by
// order id so one order's notifications stay on one partition. Deliver waits
// for the broker ack, so the API runs it behind a notify.WorkerQueue.
type TaskProducer struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logrus.Logger
}

func NewTaskProducer(brokers []string, topic string, logger *logrus.Logger) (*TaskProducer, error) {
	producer, err := sarama.NewSyncProducer(brokers, producerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewTaskProducerWith(producer, topic, logger), nil
}

func NewTaskProducerWith(producer sarama.SyncProducer, topic string, logger *logrus.Logger) *TaskProducer {
	if topic == "" {
		topic = NotificationTopic
	}
	return &TaskProducer{producer: producer, topic: topic, logger: logger}
}

func (p *TaskProducer) Deliver(ctx context.Context, task notify.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(task.Event.OrderID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("task_id"), Value: []byte(task.ID)},
			{Key: []byte("kind"), Value: []byte(task.Event.Kind)},
			{Key: []byte("attempt"), Value: []byte(strconv.Itoa(task.Attempt))},
		},
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		p.logger.WithError(err).Error("Failed to send notification task to Kafka")
		return fmt.Errorf("failed to send task: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"topic":     p.topic,
		"partition": partition,
		"offset":    offset,
		"order_id":  task.Event.OrderID,
		"task_id":   task.ID,
	}).Info("Notification task published to Kafka")

	return nil
}

func (p *TaskProducer) Close() error {
	return p.producer.Close()
}
