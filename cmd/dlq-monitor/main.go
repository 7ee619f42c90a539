package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jogardn/bookstore-fulfillment/internal/config"
	"github.com/jogardn/bookstore-fulfillment/internal/events"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := config.NewLogger(cfg.LogLevel)

	processor, err := events.NewDLQProcessor(events.SplitBrokers(cfg.Kafka.Brokers), events.DLQConfig{
		GroupID:     cfg.Kafka.DLQGroup,
		DLQTopic:    cfg.Kafka.Topic + ".dlq",
		ReplayTopic: cfg.Kafka.Topic,
		Replay:      cfg.Kafka.Replay,
		ReplayDelay: cfg.Kafka.ReplayDelay,
	}, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create DLQ processor")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := processor.ProcessDLQ(ctx); err != nil {
			logger.WithError(err).Error("DLQ processor stopped")
		}
	}()

	logger.WithFields(logrus.Fields{
		"topic":  cfg.Kafka.Topic + ".dlq",
		"replay": cfg.Kafka.Replay,
	}).Info("DLQ monitor started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-done:
	}

	logger.Info("Shutting down DLQ monitor...")
	cancel()
	if err := processor.Close(); err != nil {
		logger.WithError(err).Error("Failed to close DLQ processor")
	}
	<-done
}
