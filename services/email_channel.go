package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/propalert/market-alert-backend/models"
	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"
)

// mailSender abstracts gomail's dialer so tests can capture outgoing mail.
type mailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailChannel delivers alert summaries over SMTP. Email is best effort: a
// failed send is recorded and not retried, the next scan produces fresh
// alerts anyway.
type EmailChannel struct {
	sender mailSender
	from   string
}

// NewEmailChannel creates an email delivery channel from SMTP settings
func NewEmailChannel(host string, port int, username, password, from string) *EmailChannel {
	return &EmailChannel{
		sender: gomail.NewDialer(host, port, username, password),
		from:   from,
	}
}

// Name returns the channel identifier
func (c *EmailChannel) Name() string {
	return models.DeliveryMethodEmail
}

// Deliver sends one summary email covering all alerts in the batch
func (c *EmailChannel) Deliver(ctx context.Context, institution *models.Institution, alerts []models.PropertyAlert) models.DeliveryResult {
	result := models.DeliveryResult{
		Channel:     models.DeliveryMethodEmail,
		Attempts:    1,
		DeliveredAt: time.Now(),
	}

	recipients := institution.NotificationSettings.EmailRecipients
	if len(recipients) == 0 {
		recipients = []string{institution.ContactEmail}
	}
	if len(recipients) == 0 || recipients[0] == "" {
		result.Status = models.DeliveryStatusSkipped
		result.Reason = "no email recipients configured"
		return result
	}

	if err := ctx.Err(); err != nil {
		result.Status = models.DeliveryStatusSkipped
		result.Reason = "context cancelled before send"
		return result
	}

	message := gomail.NewMessage()
	message.SetHeader("From", c.from)
	message.SetHeader("To", recipients...)
	message.SetHeader("Subject", fmt.Sprintf("Property market alert: %d new listing match(es)", len(alerts)))
	message.SetBody("text/plain", buildAlertEmailBody(institution, alerts))

	if err := c.sender.DialAndSend(message); err != nil {
		logrus.WithError(err).WithFields(logrus.Fields{
			"component":      "EmailChannel",
			"institution_id": institution.ID,
			"recipients":     len(recipients),
		}).Error("Email delivery failed")
		result.Status = models.DeliveryStatusFailed
		result.Reason = err.Error()
		return result
	}

	logrus.WithFields(logrus.Fields{
		"component":      "EmailChannel",
		"institution_id": institution.ID,
		"alert_count":    len(alerts),
		"recipients":     len(recipients),
	}).Info("Email delivery succeeded")

	result.Status = models.DeliveryStatusSuccess
	result.DeliveredAt = time.Now()
	return result
}

func buildAlertEmailBody(institution *models.Institution, alerts []models.PropertyAlert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Hello %s,\n\n", institution.Name)
	fmt.Fprintf(&b, "The following tracked member properties appeared on the market:\n\n")

	for _, alert := range alerts {
		fmt.Fprintf(&b, "- Member %s: %s", alert.MemberRef, alert.Listing.Address)
		if alert.Listing.Price != nil {
			fmt.Fprintf(&b, " ($%.0f)", *alert.Listing.Price)
		}
		fmt.Fprintf(&b, " [%s confidence, %s]\n", alert.Confidence, alert.Method)
	}

	fmt.Fprintf(&b, "\nListing details are available in your alert feed.\n")
	return b.String()
}
