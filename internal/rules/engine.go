package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("kestrel-rules")

// SnapshotResolver loads an account snapshot for evaluation.
type SnapshotResolver interface {
	Resolve(ctx context.Context, accountID string) (domain.AccountSnapshot, error)
}

// Engine evaluates transfer requests against an ordered rule set.
type Engine struct {
	view    SnapshotResolver
	rules   []Rule
	now     func() time.Time
	metrics *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used to capture the evaluation instant.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithMetrics sets the collectors the engine records into.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// NewEngine creates a policy engine over view and rules.
func NewEngine(view SnapshotResolver, rules []Rule, opts ...Option) *Engine {
	e := &Engine{
		view:  view,
		rules: rules,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Rules returns the rule names in evaluation order.
func (e *Engine) Rules() []string {
	return RuleNames(e.rules)
}

// Evaluate resolves both parties and decides the request at the current
// instant. It fails only when a snapshot cannot be resolved, and never
// returns a partial decision.
func (e *Engine) Evaluate(ctx context.Context, req domain.TransferRequest) (domain.PolicyDecision, error) {
	return e.EvaluateAt(ctx, req, e.now())
}

// EvaluateAt is Evaluate with an explicit evaluation instant.
func (e *Engine) EvaluateAt(ctx context.Context, req domain.TransferRequest, now time.Time) (domain.PolicyDecision, error) {
	ctx, span := tracer.Start(ctx, "rules.Evaluate")
	defer span.End()

	start := time.Now()
	defer func() { e.metrics.ObserveEvaluateLatency(time.Since(start)) }()

	sender, receiver, err := e.resolve(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "lookup failure")
		return domain.PolicyDecision{}, err
	}

	decision := e.Decide(sender, receiver, req.Amount, now)

	span.SetAttributes(
		attribute.Bool("policy.flagged", decision.IsFlagged),
		attribute.Int("policy.violations", len(decision.Report)),
	)
	e.metrics.IncrementOutcome(decision.IsFlagged)

	return decision, nil
}

// Decide runs every rule in order against the snapshots. It is pure apart
// from metrics.
func (e *Engine) Decide(sender, receiver domain.AccountSnapshot, amount decimal.Decimal, now time.Time) domain.PolicyDecision {
	var report domain.ViolationReport
	for _, rule := range e.rules {
		if reason, violated := rule.Evaluate(sender, receiver, amount, now); violated {
			report = append(report, reason)
			e.metrics.IncrementViolation(rule.Name())
		}
	}
	return domain.NewPolicyDecision(report)
}

func (e *Engine) resolve(ctx context.Context, req domain.TransferRequest) (domain.AccountSnapshot, domain.AccountSnapshot, error) {
	var sender, receiver domain.AccountSnapshot

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		snap, err := e.view.Resolve(gctx, req.SenderID)
		if err != nil {
			e.metrics.IncrementLookupFailure("sender")
			return lookupFailure("sender", req.SenderID, err)
		}
		sender = snap
		return nil
	})

	g.Go(func() error {
		snap, err := e.view.Resolve(gctx, req.ReceiverID)
		if err != nil {
			e.metrics.IncrementLookupFailure("receiver")
			return lookupFailure("receiver", req.ReceiverID, err)
		}
		receiver = snap
		return nil
	})

	if err := g.Wait(); err != nil {
		return domain.AccountSnapshot{}, domain.AccountSnapshot{}, err
	}
	return sender, receiver, nil
}

func lookupFailure(party, accountID string, err error) error {
	if errors.Is(err, domain.ErrLookupFailure) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %w", domain.ErrLookupFailure, party, accountID, err)
}
