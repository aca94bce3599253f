package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Email is a rendered HTML message.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Mailer delivers rendered emails.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// NewMailer creates the mailer selected by configuration.
func NewMailer(cfg domain.NotificationConfig) (Mailer, error) {
	switch cfg.Mailer {
	case "log", "":
		return LogMailer{}, nil
	case "smtp":
		if cfg.SMTPHost == "" {
			return nil, fmt.Errorf("smtp mailer requires a host")
		}
		return &SMTPMailer{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported mailer: %s", cfg.Mailer)
	}
}

// LogMailer writes emails to the structured log instead of sending them.
type LogMailer struct{}

// Send logs email.
func (LogMailer) Send(ctx context.Context, email Email) error {
	slog.InfoContext(ctx, "email",
		"to", email.To,
		"subject", email.Subject,
		"body", email.HTML,
	)
	return nil
}

// SMTPMailer sends email through an SMTP relay with PLAIN auth.
type SMTPMailer struct {
	Host     string
	Port     int
	Username string
	Password string

	// send is smtp.SendMail outside tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// Send delivers email. The context only gates the start of delivery;
// net/smtp does not take one.
func (m *SMTPMailer) Send(ctx context.Context, email Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	port := m.Port
	if port == 0 {
		port = 587
	}
	addr := net.JoinHostPort(m.Host, strconv.Itoa(port))

	var auth smtp.Auth
	if m.Username != "" {
		auth = smtp.PlainAuth("", m.Username, m.Password, m.Host)
	}

	send := m.send
	if send == nil {
		send = smtp.SendMail
	}

	if err := send(addr, auth, email.From, []string{email.To}, buildMessage(email)); err != nil {
		return fmt.Errorf("smtp send to %s: %w", email.To, err)
	}
	return nil
}

func buildMessage(email Email) []byte {
	var b strings.Builder
	b.WriteString("From: " + headerValue(email.From) + "\r\n")
	b.WriteString("To: " + headerValue(email.To) + "\r\n")
	b.WriteString("Subject: " + headerValue(email.Subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(email.HTML)
	return []byte(b.String())
}

// headerValue strips line breaks so a value cannot start a new header.
func headerValue(v string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(v)
}
