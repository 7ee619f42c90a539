// Package events moves notification tasks over Kafka: a producer used by the
// API, a retrying consumer that delivers them, and a dead-letter processor.
package events

import (
	"strings"

	"github.com/IBM/sarama"
)

const (
	NotificationTopic    = "fulfillment.notifications"
	NotificationDLQTopic = "fulfillment.notifications.dlq"
)

func SplitBrokers(brokers string) []string {
	var out []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}

func producerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Version = sarama.V2_6_0_0
	return config
}

func consumerConfig() *sarama.Config {
	config := sarama.NewConfig()
	config.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Version = sarama.V2_6_0_0
	return config
}

func header(message *sarama.ConsumerMessage, key string) ([]byte, bool) {
	for _, h := range message.Headers {
		if string(h.Key) == key {
			return h.Value, true
		}
	}
	return nil, false
}
