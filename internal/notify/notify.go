// Package notify publishes violation notices for flagged transfers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ViolationNotice is the message sent to the account holder whose transfer
// was flagged.
type ViolationNotice struct {
	TransferID           string `json:"transferId"`
	RecipientEmail       string `json:"recipientEmail"`
	RecipientDisplayName string `json:"recipientDisplayName"`
	ViolationReportText  string `json:"violationReportText"`
}

// NewViolationNotice addresses a notice for transfer to its sender.
func NewViolationNotice(sender domain.AccountSnapshot, transfer *domain.Transfer) ViolationNotice {
	return ViolationNotice{
		TransferID:           transfer.ID,
		RecipientEmail:       sender.Email,
		RecipientDisplayName: sender.FirstName,
		ViolationReportText:  transfer.ViolationReport,
	}
}

// Notifier accepts violation notices.
type Notifier interface {
	Notify(ctx context.Context, notice ViolationNotice)
}

// Dispatcher publishes notices to the event bus. Delivery is fire and
// forget: failures are logged and counted, never returned.
type Dispatcher struct {
	bus     domain.EventBus
	metrics *metrics.Metrics
}

// NewDispatcher creates a dispatcher on bus.
func NewDispatcher(bus domain.EventBus, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{bus: bus, metrics: m}
}

// Notify publishes notice on the flagged-transfer topic.
func (d *Dispatcher) Notify(ctx context.Context, notice ViolationNotice) {
	if err := d.Publish(ctx, notice); err != nil {
		d.metrics.IncrementNotifyFailure()
		slog.Error("failed to publish violation notice",
			"transfer_id", notice.TransferID,
			"error", err,
		)
		return
	}

	slog.Debug("violation notice published", "transfer_id", notice.TransferID)
}

// Publish encodes and publishes notice, returning any error.
func (d *Dispatcher) Publish(ctx context.Context, notice ViolationNotice) error {
	if notice.RecipientEmail == "" {
		return fmt.Errorf("notice for transfer %s has no recipient", notice.TransferID)
	}

	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to marshal notice: %w", err)
	}

	return d.bus.Publish(ctx, domain.TopicTransferFlagged, payload)
}
