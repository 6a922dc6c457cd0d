package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"time"

	"github.com/binwatch/binwatch/config"
	"github.com/binwatch/binwatch/internal/report"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"
	gomail "gopkg.in/gomail.v2"
)

// ErrDelivery means the report could not be delivered after all
// configured retry attempts, or failed permanently.
var ErrDelivery = errors.New("report delivery failed")

// Sender delivers a composed report. The pipeline depends on this
// interface so tests can substitute a fake transport.
type Sender interface {
	Send(ctx context.Context, r *report.Report) error
}

// SMTP delivers reports through the configured mail relay, retrying
// transient transport failures with exponential backoff.
type SMTP struct {
	conf config.Mail

	// send performs one delivery attempt; replaced in tests.
	send func(m *gomail.Message) error
	// initialBackoff shortens waits in tests.
	initialBackoff time.Duration
}

func New(conf config.Mail) *SMTP {
	s := &SMTP{conf: conf, initialBackoff: 2 * time.Second}
	s.send = s.smtpSend
	return s
}

func (s *SMTP) message(r *report.Report) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", s.conf.From)
	// One message, all recipients: a partial-recipient rejection
	// surfaces as one failed transaction instead of silently dropping
	// some addresses.
	m.SetHeader("To", r.Recipients...)
	m.SetHeader("Subject", r.Subject)
	m.SetHeader("X-Mailer", "binwatch")
	m.SetBody("text/plain", r.Body)
	return m
}

func (s *SMTP) smtpSend(m *gomail.Message) error {
	d := gomail.NewDialer(s.conf.Host, s.conf.Port, s.conf.Username, s.conf.Password)
	d.SSL = s.conf.TLS

	timeout := s.conf.Timeout.Get()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	errc := make(chan error, 1)
	go func() { errc <- d.DialAndSend(m) }()
	select {
	case err := <-errc:
		return err
	case <-time.After(timeout):
		return fmt.Errorf("mail transport timed out after %s", timeout)
	}
}

// Send delivers the report, making at most retry_attempts+1 attempts.
// Permanent failures (authentication rejected, 5xx responses) stop
// retrying immediately.
func (s *SMTP) Send(ctx context.Context, r *report.Report) error {
	msg := s.message(r)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.initialBackoff
	bo.MaxInterval = 2 * time.Minute
	bo.MaxElapsedTime = 0

	attempt := 0
	op := func() error {
		attempt++
		err := s.send(msg)
		if err == nil {
			return nil
		}
		if permanent(err) {
			log.Printf("mail delivery failed permanently: %v", err)
			return backoff.Permanent(err)
		}
		log.Printf("mail delivery attempt %d failed: %v", attempt, err)
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(s.conf.RetryAttempts)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return fmt.Errorf("%w: %v", ErrDelivery, err)
	}
	return nil
}

// permanent classifies transport errors. 5xx SMTP responses will not
// heal on retry; 4xx and network-level errors might.
func permanent(err error) bool {
	var proto *textproto.Error
	if errors.As(err, &proto) {
		return proto.Code >= 500
	}
	// Connection refused, timeouts and other net errors are worth
	// retrying.
	return false
}
