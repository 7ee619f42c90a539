// Package mail sends plain-text notification mail over SMTP.
package mail

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// MaxInFlight caps SMTP exchanges still running, including ones whose
	// caller has given up. Defaults to DefaultMaxInFlight.
	MaxInFlight int
}

const DefaultMaxInFlight = 8

// ErrBusy is returned when MaxInFlight exchanges are already running.
var ErrBusy = errors.New("smtp: too many sends in flight")

type dialer interface {
	DialAndSend(m ...*gomail.Message) error
}

type Mailer struct {
	from     string
	dialer   dialer
	inflight chan struct{}
	logger   *logrus.Logger
}

func NewMailer(config Config, logger *logrus.Logger) *Mailer {
	if config.MaxInFlight <= 0 {
		config.MaxInFlight = DefaultMaxInFlight
	}
	return &Mailer{
		from:     config.From,
		dialer:   gomail.NewDialer(config.Host, config.Port, config.Username, config.Password),
		inflight: make(chan struct{}, config.MaxInFlight),
		logger:   logger,
	}
}

// Send delivers one message. gomail only bounds the dial, so a cancelled ctx
// returns early while the SMTP exchange finishes in the background. Those
// exchanges hold an in-flight slot until they end; with every slot taken Send
// fails fast with ErrBusy.
func (m *Mailer) Send(ctx context.Context, to, subject, body string) error {
	select {
	case m.inflight <- struct{}{}:
	default:
		return ErrBusy
	}

	msg := gomail.NewMessage()
	msg.SetHeader("From", m.from)
	msg.SetHeader("To", to)
	msg.SetHeader("Subject", subject)
	msg.SetBody("text/plain", body)

	done := make(chan error, 1)
	go func() {
		defer func() { <-m.inflight }()
		done <- m.dialer.DialAndSend(msg)
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send mail: %w", err)
		}
		m.logger.WithField("subject", subject).Info("Mail sent")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LogMailer is used when no SMTP host is configured.
type LogMailer struct {
	logger *logrus.Logger
}

func NewLogMailer(logger *logrus.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.logger.WithFields(logrus.Fields{
		"to":      to,
		"subject": subject,
	}).Info("SMTP not configured, mail logged only")
	return nil
}
