package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

type recordingSink struct {
	mutex  sync.Mutex
	events []Event
	got    chan struct{}
}

func (s *recordingSink) Publish(ctx context.Context, userID, eventType string, data interface{}) error {
	raw, _ := data.(json.RawMessage)
	s.mutex.Lock()
	s.events = append(s.events, Event{UserID: userID, Type: eventType, Data: raw})
	s.mutex.Unlock()
	s.got <- struct{}{}
	return nil
}

func TestRelayForwardsPublishedEvents(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	sink := &recordingSink{got: make(chan struct{}, 1)}
	relay := NewRelay(client, "test:push:", sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go relay.Run(ctx, ready)

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("relay did not subscribe")
	}

	publisher := NewRedisPublisher(client, "test:push:")
	if err := publisher.Publish(ctx, "buyer-1", "out_for_delivery", map[string]string{"orderId": "order-1"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-sink.got:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not relayed")
	}

	sink.mutex.Lock()
	defer sink.mutex.Unlock()
	ev := sink.events[0]
	if ev.UserID != "buyer-1" || ev.Type != "out_for_delivery" {
		t.Errorf("event = %+v", ev)
	}
	var data map[string]string
	if err := json.Unmarshal(ev.Data, &data); err != nil || data["orderId"] != "order-1" {
		t.Errorf("data = %s, %v", ev.Data, err)
	}
}

func TestPublisherChannelIsPerUser(t *testing.T) {
	p := NewRedisPublisher(nil, "")
	if got := p.Channel("buyer-1"); got != "fulfillment:push:buyer-1" {
		t.Errorf("Channel() = %q", got)
	}
}
