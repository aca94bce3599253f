// Package gate serializes transfer admission per sender. While a sender's
// token is held no other evaluation for that sender may start, which keeps
// the timing-window check consistent with committed transfers.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// ErrLockLost reports that a token's lock expired while it was held and
// another holder may have entered.
var ErrLockLost = errors.New("sender gate lock lost before release")

// Gate grants per-sender exclusive admission.
type Gate interface {
	// Acquire blocks until the sender's token is free, the gate's wait bound
	// elapses or ctx is done. Failures match domain.ErrContentionTimeout.
	Acquire(ctx context.Context, senderID string) (Token, error)

	// Close releases resources held by the gate.
	Close() error
}

// Token is a held admission. Release is idempotent.
type Token interface {
	// Hold confirms the token still excludes other holders and renews it
	// for the work that follows. A lost token matches both
	// domain.ErrContentionTimeout and ErrLockLost.
	Hold(ctx context.Context) error

	Release(ctx context.Context) error
}

// New creates a gate based on configuration.
func New(cfg domain.GateConfig, m *metrics.Metrics) (Gate, error) {
	switch cfg.Type {
	case "local", "":
		return NewLocalGate(cfg.MaxWait, m), nil
	case "redis":
		return NewRedisGate(cfg, m)
	default:
		return nil, fmt.Errorf("unsupported gate type: %s", cfg.Type)
	}
}

// WithSender runs fn while holding senderID's token and always releases it.
// fn calls token.Hold before any write that must stay serialized. Release
// failures are logged only: once fn returns its writes are final.
func WithSender(ctx context.Context, g Gate, senderID string, fn func(ctx context.Context, token Token) error) error {
	token, err := g.Acquire(ctx, senderID)
	if err != nil {
		return err
	}

	defer func() {
		// Release even when ctx was cancelled while fn ran.
		if err := token.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("sender gate release failed", "sender_id", senderID, "error", err)
		}
	}()

	return fn(ctx, token)
}

// contentionError builds the acquisition failure for ctx. Cancellation by
// the caller also matches context.Canceled.
func contentionError(parent context.Context, senderID string, cause error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("%w: sender %s: %w", domain.ErrContentionTimeout, senderID, context.Canceled)
	}
	if cause == nil {
		return fmt.Errorf("%w: sender %s", domain.ErrContentionTimeout, senderID)
	}
	return fmt.Errorf("%w: sender %s: %w", domain.ErrContentionTimeout, senderID, cause)
}
