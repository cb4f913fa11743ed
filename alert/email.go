package alert

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"
)

// MailSender is the subset of *gomail.Dialer used by EmailNotifier.
type MailSender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailConfig configures SMTP delivery.
type EmailConfig struct {
	Host     string   `json:"host" yaml:"host" mapstructure:"host"`
	Port     int      `json:"port" yaml:"port" mapstructure:"port"`
	Username string   `json:"username" yaml:"username" mapstructure:"username"`
	Password string   `json:"password" yaml:"password" mapstructure:"password"`
	From     string   `json:"from" yaml:"from" mapstructure:"from"`
	To       []string `json:"to" yaml:"to" mapstructure:"to"`
}

// EmailNotifier mails alerts to a fixed recipient list.
type EmailNotifier struct {
	sender MailSender
	from   string
	to     []string
}

// NewEmailNotifier creates a notifier that dials cfg.Host for every alert.
func NewEmailNotifier(cfg EmailConfig) *EmailNotifier {
	return NewEmailNotifierWithSender(gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password), cfg.From, cfg.To...)
}

// NewEmailNotifierWithSender creates a notifier with an existing sender.
func NewEmailNotifierWithSender(sender MailSender, from string, to ...string) *EmailNotifier {
	return &EmailNotifier{sender: sender, from: from, to: to}
}

// Notify implements Notifier. gomail has no context support, so ctx is only
// checked before dialing.
func (n *EmailNotifier) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m := gomail.NewMessage()
	m.SetHeader("From", n.from)
	m.SetHeader("To", n.to...)
	m.SetHeader("Subject", fmt.Sprintf("[querydispatch %s] %s", a.Level, a.Title))
	m.SetBody("text/plain", emailBody(a))

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("alert: email: %w", err)
	}
	return nil
}

func emailBody(a Alert) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Kind: %s\n", a.Kind)
	if a.FacilityID != "" {
		fmt.Fprintf(&b, "Facility: %s\n", a.FacilityID)
	}
	for _, k := range a.SortedFields() {
		fmt.Fprintf(&b, "%s: %s\n", k, a.Fields[k])
	}
	fmt.Fprintf(&b, "Time: %s\n\n%s\n", a.At.Format(time.RFC3339), a.Message)
	return b.String()
}
