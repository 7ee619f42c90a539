package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IBM/sarama"
	"github.com/sirupsen/logrus"
)

// MaxReplays caps how often one task may travel from the DLQ back to the
// notification topic.
const MaxReplays = MaxRetries

var ErrReplayLimit = errors.New("exceeded maximum replay attempts")

type DLQConfig struct {
	GroupID     string
	DLQTopic    string
	ReplayTopic string
	// Replay sends dead-lettered tasks back after ReplayDelay. When false the
	// processor only logs them.
	Replay      bool
	ReplayDelay time.Duration
}

type DLQProcessor struct {
	consumer sarama.ConsumerGroup
	producer sarama.SyncProducer
	config   DLQConfig
	logger   *logrus.Logger
	sleep    func(ctx context.Context, d time.Duration) error
	now      func() time.Time
}

func NewDLQProcessor(brokers []string, config DLQConfig, logger *logrus.Logger) (*DLQProcessor, error) {
	if config.GroupID == "" {
		config.GroupID = "fulfillment-dlq-monitor"
	}
	if config.DLQTopic == "" {
		config.DLQTopic = NotificationDLQTopic
	}
	if config.ReplayTopic == "" {
		config.ReplayTopic = NotificationTopic
	}

	consumer, err := sarama.NewConsumerGroup(brokers, config.GroupID, consumerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create DLQ consumer: %w", err)
	}

	var producer sarama.SyncProducer
	if config.Replay {
		producer, err = sarama.NewSyncProducer(brokers, producerConfig())
		if err != nil {
			consumer.Close()
			return nil, fmt.Errorf("failed to create producer: %w", err)
		}
	}

	return &DLQProcessor{
		consumer: consumer,
		producer: producer,
		config:   config,
		logger:   logger,
		sleep:    sleepContext,
		now:      time.Now,
	}, nil
}

func (p *DLQProcessor) ProcessDLQ(ctx context.Context) error {
	handler := &dlqConsumerHandler{processor: p, logger: p.logger}

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("DLQ processor context cancelled")
			return nil
		default:
			if err := p.consumer.Consume(ctx, []string{p.config.DLQTopic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return nil
				}
				p.logger.WithError(err).Error("Error consuming from DLQ")
				return err
			}
		}
	}
}

// handle returns false when ctx ends before a due replay was attempted.
func (p *DLQProcessor) handle(ctx context.Context, message *sarama.ConsumerMessage) bool {
	metadata := Metadata(message)

	p.logger.WithFields(logrus.Fields{
		"partition":       message.Partition,
		"offset":          message.Offset,
		"order_id":        string(message.Key),
		"original_topic":  metadata.OriginalTopic,
		"retry_count":     metadata.RetryCount,
		"failed_channels": metadata.FailedChannels,
		"first_failure":   metadata.FirstFailure,
		"error_message":   metadata.ErrorMessage,
	}).Warn("Dead-lettered notification task")

	if !p.config.Replay {
		return true
	}
	if err := p.sleep(ctx, p.config.ReplayDelay); err != nil {
		return false
	}
	if err := p.ReplayMessage(message); err != nil {
		p.logger.WithError(err).WithField("order_id", string(message.Key)).Error("Failed to replay DLQ message")
	}
	return true
}

// ReplayMessage republishes a dead-lettered task to the notification topic
// unless it has already been replayed MaxReplays times.
func (p *DLQProcessor) ReplayMessage(message *sarama.ConsumerMessage) error {
	metadata := Metadata(message)
	if metadata.RetryCount > MaxReplays {
		p.logger.WithFields(logrus.Fields{
			"order_id":    string(message.Key),
			"retry_count": metadata.RetryCount,
		}).Error("Message exceeded maximum replay attempts")
		return ErrReplayLimit
	}

	replayMessage := &sarama.ProducerMessage{
		Topic: p.config.ReplayTopic,
		Key:   sarama.ByteEncoder(message.Key),
		Value: sarama.ByteEncoder(message.Value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("retry_count"), Value: []byte(strconv.Itoa(metadata.RetryCount))},
			{Key: []byte("replayed_from_dlq"), Value: []byte("true")},
			{Key: []byte("replay_time"), Value: []byte(p.now().Format(time.RFC3339))},
		},
	}

	partition, offset, err := p.producer.SendMessage(replayMessage)
	if err != nil {
		return fmt.Errorf("failed to replay message: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"replay_topic":     p.config.ReplayTopic,
		"replay_partition": partition,
		"replay_offset":    offset,
		"order_id":         string(message.Key),
	}).Info("Message replayed from DLQ")

	return nil
}

func (p *DLQProcessor) Close() error {
	if p.producer != nil {
		if err := p.producer.Close(); err != nil {
			p.logger.WithError(err).Error("Failed to close producer")
		}
	}
	return p.consumer.Close()
}

// Metadata decodes the metadata header of a dead-lettered message.
func Metadata(message *sarama.ConsumerMessage) MessageMetadata {
	var metadata MessageMetadata
	if value, ok := header(message, "metadata"); ok {
		json.Unmarshal(value, &metadata)
	}
	return metadata
}

type dlqConsumerHandler struct {
	processor *DLQProcessor
	logger    *logrus.Logger
}

func (h *dlqConsumerHandler) Setup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session setup")
	return nil
}

func (h *dlqConsumerHandler) Cleanup(sarama.ConsumerGroupSession) error {
	h.logger.Info("DLQ consumer session cleanup")
	return nil
}

func (h *dlqConsumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case message, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if !h.processor.handle(session.Context(), message) {
				return nil
			}
			session.MarkMessage(message, "")

		case <-session.Context().Done():
			return nil
		}
	}
}
