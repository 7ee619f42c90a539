package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/auth"
	"github.com/jogardn/bookstore-fulfillment/internal/circuitbreaker"
	"github.com/jogardn/bookstore-fulfillment/internal/config"
	"github.com/jogardn/bookstore-fulfillment/internal/directory"
	"github.com/jogardn/bookstore-fulfillment/internal/events"
	"github.com/jogardn/bookstore-fulfillment/internal/fulfillment"
	"github.com/jogardn/bookstore-fulfillment/internal/httpapi"
	"github.com/jogardn/bookstore-fulfillment/internal/ledger"
	"github.com/jogardn/bookstore-fulfillment/internal/mail"
	"github.com/jogardn/bookstore-fulfillment/internal/metrics"
	"github.com/jogardn/bookstore-fulfillment/internal/migration"
	"github.com/jogardn/bookstore-fulfillment/internal/notify"
	"github.com/jogardn/bookstore-fulfillment/internal/otp"
	"github.com/jogardn/bookstore-fulfillment/internal/realtime"
	"github.com/jogardn/bookstore-fulfillment/internal/sms"
	"github.com/jogardn/bookstore-fulfillment/internal/storage/memory"
	"github.com/jogardn/bookstore-fulfillment/internal/storage/postgres"
	"github.com/jogardn/bookstore-fulfillment/internal/storage/redisstore"
	"github.com/jogardn/bookstore-fulfillment/internal/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// storage groups the stores selected by STORAGE_BACKEND.
type storage struct {
	orders        ledger.Store
	notifications notify.Store
	directory     interface {
		directory.Directory
		migration.DirectoryWriter
	}
	close func()
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}
	logger := config.NewLogger(cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open storage")
	}
	defer store.close()

	var redisClient *redis.Client
	if cfg.Storage.CodeBackend == "redis" || cfg.Realtime == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Fatal("Failed to connect to Redis")
		}
		defer redisClient.Close()
		logger.WithField("addr", cfg.Redis.Addr).Info("Redis connection established")
	}

	var codeStore otp.Store
	if cfg.Storage.CodeBackend == "redis" {
		codeStore = redisstore.NewCodeStore(redisClient, cfg.Redis.Prefix)
	} else {
		memCodes := memory.NewCodeStore()
		go memCodes.Run(ctx, time.Minute)
		codeStore = memCodes
	}

	m := metrics.New("api")
	breakers := circuitbreaker.NewManager(circuitbreaker.Config{
		MaxFailures: cfg.Notify.BreakerFails,
		Timeout:     cfg.Notify.BreakerTimeout,
		OnStateChange: func(name string, from, to circuitbreaker.State) {
			m.SetBreakerState(name, int(to))
		},
	}, logger)

	hub := websocket.NewHub(logger)
	go hub.Run(ctx)

	var publisher notify.Publisher = hub
	if cfg.Realtime == "redis" {
		pushPrefix := cfg.Redis.Prefix + "push:"
		publisher = realtime.NewRedisPublisher(redisClient, pushPrefix)
		relay := realtime.NewRelay(redisClient, pushPrefix, hub, logger)
		go func() {
			if err := relay.Run(ctx, nil); err != nil {
				logger.WithError(err).Error("Realtime relay stopped")
			}
		}()
	}

	// In kafka mode the workers publish tasks for cmd/notifier; otherwise they
	// deliver them directly.
	var handler notify.Handler
	var producer *events.TaskProducer
	switch cfg.Notify.Queue {
	case "kafka":
		producer, err = events.NewTaskProducer(events.SplitBrokers(cfg.Kafka.Brokers), cfg.Kafka.Topic, logger)
		if err != nil {
			logger.WithError(err).Fatal("Failed to create Kafka producer")
		}
		handler = producer
	default:
		deliverer := notify.NewDeliverer(publisher, newMailer(cfg, logger), newSMSSender(cfg, logger), breakers, m, logger)
		deliverer.SetTimeout(cfg.Notify.SendTimeout)
		handler = deliverer
	}
	workerQueue := notify.NewWorkerQueue(handler, cfg.Notify.Workers, cfg.Notify.QueueSize, m, logger)
	workerQueue.Start(ctx)

	orderLedger := ledger.New(store.orders, logger)

	if cfg.Seed.File != "" {
		if err := seed(ctx, cfg, store, orderLedger, logger); err != nil {
			logger.WithError(err).Fatal("Failed to load seed data")
		}
	}

	issuer := otp.NewIssuer(codeStore, otp.Config{
		TTL:      cfg.Rules.CodeTTL,
		Attempts: cfg.Rules.VerifyAttempts,
		Window:   cfg.Rules.VerifyWindow,
	}, logger)

	fanOut := notify.NewFanOut(store.notifications, workerQueue, m, logger)
	service := fulfillment.NewService(orderLedger, issuer, store.directory, fanOut, m, logger, fulfillment.Options{
		CancelWindow:              cfg.Rules.CancelWindow,
		LegacyImmediateAssignment: cfg.Rules.LegacyImmediateAssignment,
	})

	api := httpapi.NewHandler(service, notify.NewInbox(store.notifications), hub, breakers, logger)
	router := api.Router(auth.NewVerifier(cfg.Auth.JWTSecret, logger), m)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.WithFields(logrus.Fields{
			"port":     cfg.Port,
			"storage":  cfg.Storage.Backend,
			"codes":    cfg.Storage.CodeBackend,
			"queue":    cfg.Notify.Queue,
			"realtime": cfg.Realtime,
		}).Info("Starting fulfillment service")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	// Drain queued deliveries before the stores close.
	workerQueue.Close()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.WithError(err).Error("Failed to close Kafka producer")
		}
	}
	cancel()

	logger.Info("Server gracefully stopped")
}

func openStorage(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*storage, error) {
	if cfg.Storage.Backend == "memory" {
		logger.Warn("Using in-memory storage; orders are lost on restart")
		return &storage{
			orders:        memory.NewOrderStore(),
			notifications: memory.NewNotificationStore(),
			directory:     memory.NewDirectory(),
			close:         func() {},
		}, nil
	}

	db, err := postgres.Open(ctx, postgres.Options{
		URL:             cfg.Storage.DatabaseURL,
		MaxOpenConns:    cfg.Storage.MaxOpenConns,
		MaxIdleConns:    cfg.Storage.MaxIdleConns,
		ConnMaxLifetime: cfg.Storage.ConnMaxLifetime,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &storage{
		orders:        postgres.NewOrderStore(db),
		notifications: postgres.NewNotificationStore(db),
		directory:     postgres.NewDirectory(db),
		close:         func() { db.Close() },
	}, nil
}

func seed(ctx context.Context, cfg *config.Config, store *storage, orderLedger *ledger.Ledger, logger *logrus.Logger) error {
	ds, err := migration.LoadDataset(cfg.Seed.File)
	if err != nil {
		return err
	}

	importer := migration.NewImporter(store.directory, orderLedger, logger)
	importer.SetConfig(migration.Config{
		BatchSize:    50,
		Concurrency:  5,
		DryRun:       cfg.Seed.DryRun,
		SkipExisting: true,
	})

	result, err := importer.Import(ctx, ds)
	if err != nil {
		return err
	}
	if result.DryRun {
		return nil
	}

	report, err := importer.Validate(ctx, ds)
	if err != nil {
		return err
	}
	logger.WithFields(logrus.Fields{
		"file":              cfg.Seed.File,
		"failed":            result.Failed,
		"missing":           len(report.Missing),
		"consistency_score": report.Statistics.ConsistencyScore,
	}).Info("Seed data loaded")
	return nil
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
