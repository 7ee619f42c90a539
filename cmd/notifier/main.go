package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jogardn/bookstore-fulfillment/internal/circuitbreaker"
	"github.com/jogardn/bookstore-fulfillment/internal/config"
	"github.com/jogardn/bookstore-fulfillment/internal/events"
	"github.com/jogardn/bookstore-fulfillment/internal/mail"
	"github.com/jogardn/bookstore-fulfillment/internal/metrics"
	"github.com/jogardn/bookstore-fulfillment/internal/notify"
	"github.com/jogardn/bookstore-fulfillment/internal/realtime"
	"github.com/jogardn/bookstore-fulfillment/internal/sms"
	"github.com/jogardn/bookstore-fulfillment/internal/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// The notifier consumes notification tasks from Kafka and delivers them over
// push, mail and SMS. Push events reach API instances through Redis.
func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var publisher notify.Publisher
	if cfg.Realtime == "redis" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		publisher = realtime.NewRedisPublisher(client, cfg.Redis.Prefix+"push:")
	} else {
		// No API connections live in this process; push events are dropped.
		logger.Warn("REALTIME_BACKEND is not redis; push notifications will not reach clients")
		hub := websocket.NewHub(logger)
		go hub.Run(ctx)
		publisher = hub
	}

	m := metrics.New("notifier")
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: cfg.Notify.BreakerFails,
		Timeout:     cfg.Notify.BreakerTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			m.SetBreakerState(name, int(to))
		},
	}, logger)

	deliverer := notify.NewDeliverer(publisher, newMailer(cfg, logger), newSMSSender(cfg, logger), breakers, m, logger)
	deliverer.SetTimeout(cfg.Notify.SendTimeout)

	brokers := events.SplitBrokers(cfg.Kafka.Brokers)
	logger.WithField("brokers", brokers).Info("Initializing Kafka consumer...")

	var consumer *events.TaskConsumer
	for i := 0; i < 10; i++ {
		consumer, err = events.NewTaskConsumer(brokers, cfg.Kafka.GroupID, cfg.Kafka.Topic, deliverer, logger)
		if err == nil {
			logger.Info("Successfully connected to Kafka")
			break
		}

		logger.WithError(err).WithField("attempt", i+1).Warn("Failed to connect to Kafka, retrying...")
		time.Sleep(5 * time.Second)
	}
	if err != nil {
		logger.WithError(err).Fatal("Failed to create Kafka consumer after retries")
	}

	go func() {
		logger.WithField("topic", cfg.Kafka.Topic).Info("Starting Kafka consumer for notification tasks")
		if err := consumer.Start(ctx); err != nil {
			logger.WithError(err).Error("Kafka consumer error")
		}
	}()

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":   "healthy",
			"service":  "notifier",
			"consumer": consumer.Metrics(),
			"breakers": breakers.Snapshots(),
		})
	}).Methods("GET")
	router.Handle("/metrics", m.Handler()).Methods("GET")

	srv := &http.Server{
		Addr:         ":" + cfg.NotifierPort,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithField("port", cfg.NotifierPort).Info("Starting notifier")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start HTTP server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down notifier...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("HTTP server forced to shutdown")
	}

	if err := consumer.Close(); err != nil {
		logger.WithError(err).Error("Failed to close Kafka consumer")
	}
	cancel()

	logger.Info("Notifier gracefully stopped")
}

func newMailer(cfg *config.Config, logger *logrus.Logger) notify.MailSender {
	if cfg.SMTP.Host == "" {
		logger.Warn("SMTP_HOST not set; mail is logged, not sent")
		return mail.NewLogMailer(logger)
	}
	return mail.NewMailer(mail.Config{
		Host:     cfg.SMTP.Host,
		Port:     cfg.SMTP.Port,
		Username: cfg.SMTP.Username,
		Password: cfg.SMTP.Password,
		From:     cfg.SMTP.From,
	}, logger)
}

func newSMSSender(cfg *config.Config, logger *logrus.Logger) notify.SMSSender {
	if cfg.SMS.GatewayURL == "" {
		logger.Warn("SMS_GATEWAY_URL not set; SMS is logged, not sent")
		return sms.NewLogSender(logger)
	}
	return sms.NewClient(cfg.SMS.GatewayURL, cfg.SMS.APIKey, cfg.SMS.Sender, logger)
}
