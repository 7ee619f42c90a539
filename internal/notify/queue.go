package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/jogardn/bookstore-fulfillment/internal/metrics"
	"github.com/sirupsen/logrus"
)

var ErrQueueFull = errors.New("notification queue is full")

type Handler interface {
	Deliver(ctx context.Context, task Task) error
}

// WorkerQueue delivers tasks in-process on a fixed pool of workers. Enqueue
// never waits; a full buffer drops the task.
type WorkerQueue struct {
	tasks   chan Task
	handler Handler
	workers int
	metrics *metrics.Metrics
	logger  *logrus.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	mutex     sync.RWMutex
	closed    bool
}

func NewWorkerQueue(handler Handler, workers, size int, m *metrics.Metrics, logger *logrus.Logger) *WorkerQueue {
	if workers <= 0 {
		workers = 4
	}
	if size <= 0 {
		size = 256
	}
	return &WorkerQueue{
		tasks:   make(chan Task, size),
		handler: handler,
		workers: workers,
		metrics: m,
		logger:  logger,
	}
}

// Start launches the workers. They exit once Close has drained the buffer.
func (q *WorkerQueue) Start(ctx context.Context) {
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.run(ctx, i)
	}
	q.logger.WithField("workers", q.workers).Info("Notification workers started")
}

func (q *WorkerQueue) run(ctx context.Context, worker int) {
	defer q.wg.Done()
	for task := range q.tasks {
		if err := q.handler.Deliver(ctx, task); err != nil {
			q.logger.WithFields(logrus.Fields{
				"worker":   worker,
				"task_id":  task.ID,
				"order_id": task.Event.OrderID,
			}).WithError(err).Warn("Notification task finished with failures")
		}
	}
}

func (q *WorkerQueue) Enqueue(ctx context.Context, task Task) error {
	q.mutex.RLock()
	defer q.mutex.RUnlock()

	if q.closed {
		return errors.New("notification queue is closed")
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		q.metrics.Dropped()
		q.logger.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"order_id": task.Event.OrderID,
		}).Warn("Notification queue full, dropping task")
		return ErrQueueFull
	}
}

// Close stops accepting tasks and waits for the workers to drain the buffer.
func (q *WorkerQueue) Close() {
	q.closeOnce.Do(func() {
		q.mutex.Lock()
		q.closed = true
		close(q.tasks)
		q.mutex.Unlock()
	})
	q.wg.Wait()
}
