// Package transfer admits, evaluates and commits transfers.
package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/gate"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("kestrel-transfer")

// Evaluator decides a transfer at a given instant.
type Evaluator interface {
	EvaluateAt(ctx context.Context, req domain.TransferRequest, now time.Time) (domain.PolicyDecision, error)
}

// Result is the outcome of a committed transfer.
type Result struct {
	Transfer *domain.Transfer
	Decision domain.PolicyDecision
}

// Service runs the evaluate-then-commit sequence under the sender's gate.
type Service struct {
	repo     domain.Repository
	engine   Evaluator
	view     rules.SnapshotResolver
	gate     gate.Gate
	notifier notify.Notifier
	now      func() time.Time
	metrics  *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock that stamps evaluations and commits.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithMetrics sets the collectors the service records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// NewService creates a transfer service. notifier may be nil.
func NewService(repo domain.Repository, engine Evaluator, view rules.SnapshotResolver, g gate.Gate, notifier notify.Notifier, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		engine:   engine,
		view:     view,
		gate:     g,
		notifier: notifier,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates req, then evaluates and commits it while holding the
// sender's gate, so the commit timestamp is visible to the next evaluation
// for the same sender. A gate lost before the commit fails the request with
// domain.ErrContentionTimeout and nothing is written. Flagged transfers are
// committed too and trigger a violation notice after the gate is released.
func (s *Service) Submit(ctx context.Context, req domain.TransferRequest) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "transfer.Submit")
	defer span.End()
	span.SetAttributes(attribute.String("transfer.sender_id", req.SenderID))

	var result *Result
	err := gate.WithSender(ctx, s.gate, req.SenderID, func(ctx context.Context, token gate.Token) error {
		now := s.now().UTC()

		decision, err := s.engine.EvaluateAt(ctx, req, now)
		if err != nil {
			return err
		}

		transfer := &domain.Transfer{
			ID:              uuid.New().String(),
			SenderID:        req.SenderID,
			ReceiverID:      req.ReceiverID,
			Amount:          req.Amount,
			IsFlagged:       decision.IsFlagged,
			ViolationReport: decision.Report.String(),
			CreatedAt:       now,
		}
		if err := token.Hold(ctx); err != nil {
			return err
		}
		if err := s.repo.SaveTransfer(ctx, transfer); err != nil {
			return fmt.Errorf("failed to commit transfer: %w", err)
		}

		result = &Result{Transfer: transfer, Decision: decision}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.metrics.IncrementCommitted(result.Transfer.IsFlagged)
	span.SetAttributes(
		attribute.String("transfer.id", result.Transfer.ID),
		attribute.Bool("transfer.flagged", result.Transfer.IsFlagged),
	)

	slog.Info("transfer committed",
		"transfer_id", result.Transfer.ID,
		"sender_id", req.SenderID,
		"receiver_id", req.ReceiverID,
		"flagged", result.Transfer.IsFlagged,
	)

	if result.Transfer.IsFlagged {
		s.notify(ctx, result.Transfer)
	}

	return result, nil
}

// Evaluate returns the decision req would get now without taking the gate
// or committing anything.
func (s *Service) Evaluate(ctx context.Context, req domain.TransferRequest) (domain.PolicyDecision, error) {
	if err := req.Validate(); err != nil {
		return domain.PolicyDecision{}, err
	}
	return s.engine.EvaluateAt(ctx, req, s.now().UTC())
}

func (s *Service) notify(ctx context.Context, transfer *domain.Transfer) {
	if s.notifier == nil {
		return
	}

	sender, err := s.view.Resolve(ctx, transfer.SenderID)
	if err != nil {
		slog.Error("failed to resolve sender for violation notice",
			"transfer_id", transfer.ID,
			"sender_id", transfer.SenderID,
			"error", err,
		)
		return
	}

	s.notifier.Notify(context.WithoutCancel(ctx), notify.NewViolationNotice(sender, transfer))
}
