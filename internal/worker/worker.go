// Package worker delivers violation emails from the event bus.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/notify"
)

var emailTemplate = template.Must(template.New("violation").Parse(
	`<p>Hi {{.UserName}},</p>` +
		`<p>A transfer from your account was flagged for review.</p>` +
		`<p>{{.Message}}</p>`,
))

// emailFields are the values rendered into a violation email.
type emailFields struct {
	Email    string
	UserName string
	Message  template.HTML
}

// Worker consumes violation notices and mails them.
type Worker struct {
	bus     domain.EventBus
	mailer  notify.Mailer
	from    string
	subject string

	mu            sync.Mutex
	subscriptions []domain.Subscription
	ctx           context.Context
	cancel        context.CancelFunc

	sent   int64
	failed int64
}

// NewWorker creates a notification worker.
func NewWorker(bus domain.EventBus, mailer notify.Mailer, cfg domain.NotificationConfig) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	subject := cfg.Subject
	if subject == "" {
		subject = "Policy Violation Detected"
	}
	return &Worker{
		bus:     bus,
		mailer:  mailer,
		from:    cfg.From,
		subject: subject,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to flagged-transfer notices.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransferFlagged, w.handleMessage)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("notification worker started",
		"topic", domain.TopicTransferFlagged,
	)
	return nil
}

// handleMessage renders and sends one notice.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	start := time.Now()

	var notice notify.ViolationNotice
	if err := json.Unmarshal(msg.Payload, &notice); err != nil {
		slog.Error("failed to parse violation notice",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	email, err := w.Render(notice)
	if err != nil {
		return err
	}

	if err := w.mailer.Send(ctx, email); err != nil {
		w.mu.Lock()
		w.failed++
		w.mu.Unlock()
		slog.Error("failed to send violation email",
			"transfer_id", notice.TransferID,
			"error", err,
		)
		return err
	}

	w.mu.Lock()
	w.sent++
	w.mu.Unlock()

	slog.Info("violation email sent",
		"transfer_id", notice.TransferID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Render builds the email for notice. Each report line ends with <br>.
func (w *Worker) Render(notice notify.ViolationNotice) (notify.Email, error) {
	fields := emailFields{
		Email:    notice.RecipientEmail,
		UserName: notice.RecipientDisplayName,
		Message:  template.HTML(escapedReport(notice.ViolationReportText)),
	}

	var body bytes.Buffer
	if err := emailTemplate.Execute(&body, fields); err != nil {
		return notify.Email{}, fmt.Errorf("render violation email: %w", err)
	}

	return notify.Email{
		From:    w.from,
		To:      fields.Email,
		Subject: w.subject,
		HTML:    body.String(),
	}, nil
}

func escapedReport(text string) string {
	report := domain.ParseViolationReport(text)
	for i, line := range report {
		report[i] = template.HTMLEscapeString(line)
	}
	return report.HTML()
}

// Stop unsubscribes and stops the worker.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("notification worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Sent              int64    `json:"sent"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Sent:              w.sent,
		Failed:            w.failed,
	}
}
