package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/jogardn/bookstore-fulfillment/internal/notify"
	"github.com/jogardn/bookstore-fulfillment/internal/storage/memory"
	"github.com/jogardn/bookstore-fulfillment/pkg/models"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testTask() notify.Task {
	return notify.Task{
		ID: "task-1",
		Event: notify.Event{
			RecipientID: "buyer-1",
			OrderID:     "order-1",
			Kind:        models.NotificationOrderDelivered,
			Message:     "Your order has been delivered",
			Contact:     notify.Contact{Email: "buyer@example.com", Phone: "+15550100"},
		},
		Channels:  notify.AllChannels,
		CreatedAt: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
}

func taskMessage(t *testing.T, task notify.Task, headers ...sarama.RecordHeader) *sarama.ConsumerMessage {
	t.Helper()
	data, err := json.Marshal(task)
	if err != nil {
		t.Fatal(err)
	}
	return &sarama.ConsumerMessage{
		Topic:     NotificationTopic,
		Partition: 0,
		Offset:    42,
		Key:       []byte(task.Event.OrderID),
		Value:     data,
		Headers:   toPointers(headers),
	}
}

func toPointers(headers []sarama.RecordHeader) []*sarama.RecordHeader {
	out := make([]*sarama.RecordHeader, len(headers))
	for i := range headers {
		out[i] = &headers[i]
	}
	return out
}

func TestTaskProducerDeliver(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != NotificationTopic {
			return fmt.Errorf("topic = %s", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "order-1" {
			return fmt.Errorf("key = %s", key)
		}
		value, _ := msg.Value.Encode()
		var task notify.Task
		if err := json.Unmarshal(value, &task); err != nil {
			return err
		}
		if task.ID != "task-1" || len(task.Channels) != 3 {
			return fmt.Errorf("task = %+v", task)
		}
		return nil
	})

	p := NewTaskProducerWith(producer, "", testLogger())
	if err := p.Deliver(context.Background(), testTask()); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestTaskProducerDeliverError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewTaskProducerWith(producer, "", testLogger())
	if err := p.Deliver(context.Background(), testTask()); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Errorf("Deliver() error = %v, want ErrOutOfBrokers", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Deliver(ctx, testTask()); !errors.Is(err, context.Canceled) {
		t.Errorf("Deliver(cancelled) error = %v, want context.Canceled", err)
	}
	producer.Close()
}

// stalledProducer holds every send until release is closed.
type stalledProducer struct {
	sarama.SyncProducer
	release chan struct{}
	sent    chan *sarama.ProducerMessage
}

func (p *stalledProducer) SendMessage(msg *sarama.ProducerMessage) (int32, int64, error) {
	<-p.release
	p.sent <- msg
	return 0, 1, nil
}

func (p *stalledProducer) Close() error { return nil }

func TestNotifyDoesNotWaitForBroker(t *testing.T) {
	stalled := &stalledProducer{release: make(chan struct{}), sent: make(chan *sarama.ProducerMessage, 4)}
	queue := notify.NewWorkerQueue(NewTaskProducerWith(stalled, "", testLogger()), 1, 4, nil, testLogger())
	queue.Start(context.Background())
	fanOut := notify.NewFanOut(memory.NewNotificationStore(), queue, nil, testLogger())

	start := time.Now()
	if err := fanOut.Notify(context.Background(), testTask().Event); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Notify() took %v while the broker was stalled", elapsed)
	}

	close(stalled.release)
	select {
	case msg := <-stalled.sent:
		if key, _ := msg.Key.Encode(); string(key) != "order-1" {
			t.Errorf("published key = %s, want order-1", key)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("task was never published")
	}
	queue.Close()
}

// scriptedHandler fails the given channels for the first failures calls.
type scriptedHandler struct {
	mutex    sync.Mutex
	failures int
	failing  []notify.Channel
	calls    [][]notify.Channel
	err      error
}

func (h *scriptedHandler) Deliver(ctx context.Context, task notify.Task) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.calls = append(h.calls, append([]notify.Channel(nil), task.Channels...))
	if h.err != nil {
		return h.err
	}
	if len(h.calls) > h.failures {
		return nil
	}
	errs := make(map[notify.Channel]error)
	for _, ch := range h.failing {
		errs[ch] = errors.New("down")
	}
	return &notify.DeliveryError{Failed: h.failing, Errs: errs}
}

func newTestProcessor(t *testing.T, handler notify.Handler, producer sarama.SyncProducer) *taskProcessor {
	p := newTaskProcessor(handler, producer, NotificationDLQTopic, testLogger())
	p.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	p.now = func() time.Time { return time.Date(2024, 1, 1, 12, 5, 0, 0, time.UTC) }
	return p
}

func TestProcessorRetriesOnlyFailedChannels(t *testing.T) {
	handler := &scriptedHandler{failures: 1, failing: []notify.Channel{notify.ChannelEmail}}
	producer := mocks.NewSyncProducer(t, nil)
	p := newTestProcessor(t, handler, producer)

	p.process(context.Background(), taskMessage(t, testTask()))

	if len(handler.calls) != 2 {
		t.Fatalf("calls = %v, want 2", handler.calls)
	}
	if len(handler.calls[1]) != 1 || handler.calls[1][0] != notify.ChannelEmail {
		t.Errorf("retry channels = %v, want [email]", handler.calls[1])
	}
	m := p.metrics()
	if m.SuccessCount != 1 || m.RetryCount != 1 || m.DLQCount != 0 {
		t.Errorf("metrics = %+v", m)
	}
	producer.Close()
}

func TestProcessorDeadLettersAfterRetries(t *testing.T) {
	handler := &scriptedHandler{failures: 100, failing: []notify.Channel{notify.ChannelSMS}}
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != NotificationDLQTopic {
			return fmt.Errorf("topic = %s", msg.Topic)
		}
		var metadata MessageMetadata
		for _, h := range msg.Headers {
			if string(h.Key) == "metadata" {
				if err := json.Unmarshal(h.Value, &metadata); err != nil {
					return err
				}
			}
		}
		if metadata.RetryCount != 1 || len(metadata.FailedChannels) != 1 || metadata.FailedChannels[0] != notify.ChannelSMS {
			return fmt.Errorf("metadata = %+v", metadata)
		}
		value, _ := msg.Value.Encode()
		var task notify.Task
		if err := json.Unmarshal(value, &task); err != nil {
			return err
		}
		if len(task.Channels) != 1 || task.Channels[0] != notify.ChannelSMS {
			return fmt.Errorf("dead-lettered channels = %v", task.Channels)
		}
		return nil
	})
	p := newTestProcessor(t, handler, producer)

	p.process(context.Background(), taskMessage(t, testTask()))

	if len(handler.calls) != MaxRetries+1 {
		t.Errorf("calls = %d, want %d", len(handler.calls), MaxRetries+1)
	}
	m := p.metrics()
	if m.FailureCount != 1 || m.DLQCount != 1 || m.RetryCount != MaxRetries {
		t.Errorf("metrics = %+v", m)
	}
	producer.Close()
}

func TestProcessorMalformedTaskGoesStraightToDLQ(t *testing.T) {
	handler := &scriptedHandler{}
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	p := newTestProcessor(t, handler, producer)

	p.process(context.Background(), &sarama.ConsumerMessage{Topic: NotificationTopic, Key: []byte("order-1"), Value: []byte("{not json")})

	if len(handler.calls) != 0 {
		t.Errorf("handler called %d times for malformed task", len(handler.calls))
	}
	if p.metrics().DLQCount != 1 {
		t.Errorf("metrics = %+v", p.metrics())
	}
	producer.Close()
}

func TestProcessorCarriesReplayCount(t *testing.T) {
	handler := &scriptedHandler{err: errors.New("unexpected")}
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		for _, h := range msg.Headers {
			if string(h.Key) == "metadata" {
				var metadata MessageMetadata
				json.Unmarshal(h.Value, &metadata)
				if metadata.RetryCount != 3 {
					return fmt.Errorf("retry count = %d, want 3", metadata.RetryCount)
				}
			}
		}
		return nil
	})
	p := newTestProcessor(t, handler, producer)

	p.process(context.Background(), taskMessage(t, testTask(), sarama.RecordHeader{Key: []byte("retry_count"), Value: []byte("2")}))
	if len(handler.calls) != 1 {
		t.Errorf("non-delivery error retried %d times", len(handler.calls)-1)
	}
	producer.Close()
}

type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx    context.Context
	mutex  sync.Mutex
	marked []int64
}

func (s *fakeSession) Context() context.Context { return s.ctx }

func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, metadata string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	sarama.ConsumerGroupClaim
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func TestConsumeClaimMarking(t *testing.T) {
	tests := []struct {
		name       string
		handler    *scriptedHandler
		cancelIn   bool
		wantMarked int
		wantCalls  int
	}{
		{
			name:       "delivered task is committed",
			handler:    &scriptedHandler{},
			wantMarked: 2,
			wantCalls:  2,
		},
		{
			name:       "shutdown during backoff leaves the offset for redelivery",
			handler:    &scriptedHandler{failures: 100, failing: []notify.Channel{notify.ChannelEmail}},
			cancelIn:   true,
			wantMarked: 0,
			wantCalls:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			producer := mocks.NewSyncProducer(t, nil)
			p := newTestProcessor(t, tt.handler, producer)
			if tt.cancelIn {
				p.sleep = func(ctx context.Context, d time.Duration) error {
					cancel()
					return ctx.Err()
				}
			}

			second := taskMessage(t, testTask())
			second.Offset = 43
			claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 2)}
			claim.messages <- taskMessage(t, testTask())
			claim.messages <- second
			if !tt.cancelIn {
				close(claim.messages)
			}

			session := &fakeSession{ctx: ctx}
			h := &consumerGroupHandler{processor: p, logger: testLogger()}
			if err := h.ConsumeClaim(session, claim); err != nil {
				t.Fatalf("ConsumeClaim() error = %v", err)
			}

			if len(session.marked) != tt.wantMarked {
				t.Errorf("marked offsets = %v, want %d", session.marked, tt.wantMarked)
			}
			if len(tt.handler.calls) != tt.wantCalls {
				t.Errorf("handler calls = %d, want %d", len(tt.handler.calls), tt.wantCalls)
			}
			if m := p.metrics(); m.DLQCount != 0 || m.FailureCount != 0 {
				t.Errorf("metrics = %+v, want nothing dead-lettered", m)
			}
			producer.Close()
		})
	}
}

func dlqMessage(t *testing.T, retryCount int) *sarama.ConsumerMessage {
	t.Helper()
	metadata, _ := json.Marshal(MessageMetadata{RetryCount: retryCount, OriginalTopic: NotificationTopic})
	return taskMessage(t, testTask(), sarama.RecordHeader{Key: []byte("metadata"), Value: metadata})
}

func TestReplayMessage(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != NotificationTopic {
			return fmt.Errorf("topic = %s", msg.Topic)
		}
		for _, h := range msg.Headers {
			if string(h.Key) == "retry_count" && string(h.Value) != "1" {
				return fmt.Errorf("retry_count = %s", h.Value)
			}
		}
		return nil
	})

	p := &DLQProcessor{
		producer: producer,
		config:   DLQConfig{ReplayTopic: NotificationTopic, Replay: true},
		logger:   testLogger(),
		sleep:    func(ctx context.Context, d time.Duration) error { return nil },
		now:      time.Now,
	}

	if err := p.ReplayMessage(dlqMessage(t, 1)); err != nil {
		t.Fatalf("ReplayMessage() error = %v", err)
	}
	if err := p.ReplayMessage(dlqMessage(t, MaxReplays+1)); !errors.Is(err, ErrReplayLimit) {
		t.Errorf("ReplayMessage(over limit) error = %v, want ErrReplayLimit", err)
	}
	producer.Close()
}

func TestDLQInterruptedReplayIsNotCommitted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	producer := mocks.NewSyncProducer(t, nil)
	p := &DLQProcessor{
		producer: producer,
		config:   DLQConfig{ReplayTopic: NotificationTopic, Replay: true, ReplayDelay: time.Minute},
		logger:   testLogger(),
		sleep: func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		},
		now: time.Now,
	}

	claim := &fakeClaim{messages: make(chan *sarama.ConsumerMessage, 1)}
	claim.messages <- dlqMessage(t, 1)
	session := &fakeSession{ctx: ctx}

	h := &dlqConsumerHandler{processor: p, logger: testLogger()}
	if err := h.ConsumeClaim(session, claim); err != nil {
		t.Fatalf("ConsumeClaim() error = %v", err)
	}
	if len(session.marked) != 0 {
		t.Errorf("marked offsets = %v, want none", session.marked)
	}
	producer.Close()
}

func TestSplitBrokers(t *testing.T) {
	got := SplitBrokers(" kafka-1:9092, kafka-2:9092 ,,")
	if len(got) != 2 || got[0] != "kafka-1:9092" || got[1] != "kafka-2:9092" {
		t.Errorf("SplitBrokers() = %v", got)
	}
}
