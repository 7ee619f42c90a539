package notify

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jogardn/bookstore-fulfillment/internal/apperr"
	"github.com/jogardn/bookstore-fulfillment/internal/circuitbreaker"
	"github.com/jogardn/bookstore-fulfillment/internal/metrics"
	"github.com/sirupsen/logrus"
)

// DefaultSendTimeout bounds a single channel send.
const DefaultSendTimeout = 15 * time.Second

// DeliveryError lists the channels that failed for one task.
type DeliveryError struct {
	Failed []Channel
	Errs   map[Channel]error
}

func (e *DeliveryError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, ch := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", ch, e.Errs[ch]))
	}
	return "notification delivery failed: " + strings.Join(parts, "; ")
}

// Deliverer sends one task over its channels concurrently. A channel whose
// contact detail is missing is skipped, not failed.
type Deliverer struct {
	publisher Publisher
	mail      MailSender
	sms       SMSSender
	breakers  *circuitbreaker.Manager
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	timeout   time.Duration
}

func NewDeliverer(publisher Publisher, mail MailSender, sms SMSSender, breakers *circuitbreaker.Manager, m *metrics.Metrics, logger *logrus.Logger) *Deliverer {
	return &Deliverer{
		publisher: publisher,
		mail:      mail,
		sms:       sms,
		breakers:  breakers,
		metrics:   m,
		logger:    logger,
		timeout:   DefaultSendTimeout,
	}
}

func (d *Deliverer) SetTimeout(timeout time.Duration) {
	d.timeout = timeout
}

func (d *Deliverer) Deliver(ctx context.Context, task Task) error {
	var (
		wg    sync.WaitGroup
		mutex sync.Mutex
		errs  = make(map[Channel]error)
	)

	for _, ch := range task.Channels {
		send := d.sender(ch, task.Event)
		if send == nil {
			continue
		}

		wg.Add(1)
		go func(ch Channel, send func(context.Context) error) {
			defer wg.Done()

			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			err := d.breakers.GetOrCreate(string(ch)).Execute(sendCtx, send)
			if err != nil {
				d.metrics.NotificationFailed(string(ch))
				d.logger.WithFields(logrus.Fields{
					"task_id":  task.ID,
					"order_id": task.Event.OrderID,
					"channel":  ch,
					"attempt":  task.Attempt,
				}).WithError(err).Warn("Notification channel failed")

				mutex.Lock()
				errs[ch] = apperr.External(string(ch), err)
				mutex.Unlock()
				return
			}
			d.metrics.NotificationSent(string(ch))
		}(ch, send)
	}
	wg.Wait()

	if len(errs) == 0 {
		d.logger.WithFields(logrus.Fields{
			"task_id":  task.ID,
			"order_id": task.Event.OrderID,
			"kind":     task.Event.Kind,
		}).Debug("Notification delivered")
		return nil
	}

	failed := make([]Channel, 0, len(errs))
	for ch := range errs {
		failed = append(failed, ch)
	}
	sort.Slice(failed, func(i, j int) bool { return failed[i] < failed[j] })
	return &DeliveryError{Failed: failed, Errs: errs}
}

func (d *Deliverer) sender(ch Channel, ev Event) func(context.Context) error {
	switch ch {
	case ChannelPush:
		if d.publisher == nil || ev.RecipientID == "" {
			return nil
		}
		return func(ctx context.Context) error {
			return d.publisher.Publish(ctx, ev.RecipientID, string(ev.Kind), map[string]interface{}{
				"orderId": ev.OrderID,
				"message": ev.Message,
			})
		}
	case ChannelEmail:
		if d.mail == nil || ev.Contact.Email == "" {
			return nil
		}
		return func(ctx context.Context) error {
			return d.mail.Send(ctx, ev.Contact.Email, ev.Subject, ev.Message)
		}
	case ChannelSMS:
		if d.sms == nil || ev.Contact.Phone == "" {
			return nil
		}
		return func(ctx context.Context) error {
			return d.sms.Send(ctx, ev.Contact.Phone, ev.Message)
		}
	}
	return nil
}
