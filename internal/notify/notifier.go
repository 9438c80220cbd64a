// Package notify sends fire-and-forget email notifications and records
// every attempt in the email log. Delivery failures never fail the
// operation that triggered the notification.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"
	"time"

	"github.com/Abhilash1575/virtual-lab/internal/repository"
)

// Sender delivers a single message
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// SMTPSender delivers mail through a plain SMTP relay
type SMTPSender struct {
	Addr string // host:port
	From string
}

// Send submits the message to the relay
func (s *SMTPSender) Send(ctx context.Context, recipient, subject, body string) error {
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s\r\n",
		s.From, recipient, subject, body)
	return smtp.SendMail(s.Addr, nil, s.From, []string{recipient}, []byte(msg))
}

// Notifier sends notifications asynchronously and logs the outcome
type Notifier struct {
	sender  Sender
	log     repository.EmailLogRepositoryInterface
	logger  *slog.Logger
	timeout time.Duration
}

// NewNotifier creates a Notifier. A nil sender disables delivery but
// still records attempts as failed, which keeps the audit trail intact
// on hosts without a relay.
func NewNotifier(sender Sender, log repository.EmailLogRepositoryInterface, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		sender:  sender,
		log:     log,
		logger:  logger,
		timeout: 15 * time.Second,
	}
}

// Notify delivers a message in the background. The caller's context is
// not used: the triggering request finishing must not cancel delivery.
func (n *Notifier) Notify(recipient, subject, body string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
		defer cancel()

		entry := &repository.EmailLog{
			Recipient: recipient,
			Subject:   subject,
			Body:      body,
			Status:    repository.EmailStatusSent,
		}

		var sendErr error
		if n.sender == nil {
			sendErr = fmt.Errorf("no mail sender configured")
		} else {
			sendErr = n.sender.Send(ctx, recipient, subject, body)
		}
		if sendErr != nil {
			msg := sendErr.Error()
			entry.Status = repository.EmailStatusFailed
			entry.Error = &msg
			n.logger.Warn("Notification delivery failed",
				"recipient", recipient, "subject", subject, "error", sendErr)
		}

		if err := n.log.Record(ctx, entry); err != nil {
			n.logger.Error("Failed to record notification", "recipient", recipient, "error", err)
		}
	}()
}

// BookingConfirmation formats and sends a booking confirmation
func (n *Notifier) BookingConfirmation(recipient, experimentName string, start, end time.Time) {
	subject := "Lab booking confirmed: " + experimentName
	body := fmt.Sprintf(
		"Your booking for %q is confirmed.\n\nStart: %s\nEnd:   %s\n\nThe lab session can be started once the booking window opens.",
		experimentName,
		start.UTC().Format(time.RFC1123),
		end.UTC().Format(time.RFC1123),
	)
	n.Notify(recipient, subject, body)
}

// BookingCancellation formats and sends a cancellation notice
func (n *Notifier) BookingCancellation(recipient, experimentName string, start time.Time) {
	subject := "Lab booking cancelled: " + experimentName
	body := fmt.Sprintf(
		"Your booking for %q starting %s has been cancelled.",
		experimentName,
		start.UTC().Format(time.RFC1123),
	)
	n.Notify(recipient, subject, body)
}
