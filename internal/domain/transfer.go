package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MinTransferAmount is the smallest amount a transfer may carry.
var MinTransferAmount = decimal.NewFromInt(1)

// amountScale is the number of decimal places an amount may carry.
const amountScale = 2

// TransferRequest is a proposed transfer awaiting a policy decision.
type TransferRequest struct {
	SenderID   string          `json:"senderId"`
	ReceiverID string          `json:"receiverId"`
	Amount     decimal.Decimal `json:"amount"`
}

// Validate rejects requests that must never reach the policy evaluator.
func (r TransferRequest) Validate() error {
	if r.SenderID == "" || r.ReceiverID == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalidRequest)
	}
	if r.SenderID == r.ReceiverID {
		return fmt.Errorf("%w: cannot transfer into your own account", ErrInvalidRequest)
	}
	if !r.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if r.Amount.LessThan(MinTransferAmount) {
		return fmt.Errorf("%w: amount must be at least %s", ErrInvalidRequest, MinTransferAmount.StringFixed(amountScale))
	}
	if !r.Amount.Equal(r.Amount.Truncate(amountScale)) {
		return fmt.Errorf("%w: amount must have at most %d decimal places", ErrInvalidRequest, amountScale)
	}
	return nil
}

// Transfer is a committed transfer row.
type Transfer struct {
	ID              string          `json:"id"`
	SenderID        string          `json:"senderId"`
	ReceiverID      string          `json:"receiverId"`
	Amount          decimal.Decimal `json:"amount"`
	IsFlagged       bool            `json:"isFlagged"`
	ViolationReport string          `json:"violationReport,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
}
