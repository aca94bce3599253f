package rules

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeView struct {
	mu        sync.Mutex
	snapshots map[string]domain.AccountSnapshot
	err       error
	calls     int
}

func (v *fakeView) Resolve(_ context.Context, accountID string) (domain.AccountSnapshot, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if v.err != nil {
		return domain.AccountSnapshot{}, v.err
	}
	snap, ok := v.snapshots[accountID]
	if !ok {
		return domain.AccountSnapshot{}, domain.ErrAccountNotFound
	}
	return snap, nil
}

func newTestEngine(t *testing.T, view SnapshotResolver) *Engine {
	t.Helper()
	rules, err := NewRuleSet(domain.DefaultPolicyConfig())
	require.NoError(t, err)
	return NewEngine(view, rules,
		WithClock(func() time.Time { return evalTime }),
		WithMetrics(metrics.NewWithRegistry(prometheus.NewRegistry())),
	)
}

func TestEngineRules(t *testing.T) {
	e := newTestEngine(t, &fakeView{})
	assert.Equal(t, []string{"new_recipient", "flagged_recipient", "tier_limit", "min_interval", "absolute_max"}, e.Rules())
}

func TestEngineScenarios(t *testing.T) {
	tests := []struct {
		name     string
		sender   domain.AccountSnapshot
		receiver domain.AccountSnapshot
		amount   string
		report   domain.ViolationReport
	}{
		{
			name:     "clean transfer",
			sender:   withLastTransfer(snapshot("s", domain.TierOne, 48*time.Hour), 10*time.Minute),
			receiver: snapshot("r", domain.TierOne, 48*time.Hour),
			amount:   "500",
		},
		{
			name:     "T1 above tier limit",
			sender:   withLastTransfer(snapshot("s", domain.TierOne, 48*time.Hour), 10*time.Minute),
			receiver: snapshot("r", domain.TierOne, 48*time.Hour),
			amount:   "1200000",
			report: domain.ViolationReport{
				"Transaction amount of 1,200,000.00 is above 1,000,000, your tier limit.",
			},
		},
		{
			name:     "T3 to new recipient above every limit",
			sender:   snapshot("s", domain.TierThree, 48*time.Hour),
			receiver: snapshot("r", domain.TierOne, 30*time.Second),
			amount:   "6000000",
			report: domain.ViolationReport{
				"Recipient account is new.",
				"Transaction amount of 6,000,000.00 is above 3,000,000, your tier limit.",
				"Transaction amount of 6,000,000.00 is above 5,000,000 max limit.",
			},
		},
		{
			name:     "tier and absolute max in fixed order",
			sender:   snapshot("s", domain.TierOne, 48*time.Hour),
			receiver: snapshot("r", domain.TierOne, 48*time.Hour),
			amount:   "5000000.01",
			report: domain.ViolationReport{
				"Transaction amount of 5,000,000.01 is above 1,000,000, your tier limit.",
				"Transaction amount of 5,000,000.01 is above 5,000,000 max limit.",
			},
		},
		{
			name:   "every rule fires",
			sender: withLastTransfer(snapshot("s", domain.TierTwo, 48*time.Hour), 5*time.Second),
			receiver: func() domain.AccountSnapshot {
				r := snapshot("r", domain.TierOne, time.Minute)
				r.IsFlagged = true
				return r
			}(),
			amount: "7000000",
			report: domain.ViolationReport{
				"Recipient account is new.",
				"Recipient account is flagged.",
				"Transaction amount of 7,000,000.00 is above 2,000,000, your tier limit.",
				"Transaction violated 1 minute timing window.",
				"Transaction amount of 7,000,000.00 is above 5,000,000 max limit.",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := &fakeView{snapshots: map[string]domain.AccountSnapshot{"s": tt.sender, "r": tt.receiver}}
			e := newTestEngine(t, view)

			decision, err := e.Evaluate(context.Background(), domain.TransferRequest{
				SenderID: "s", ReceiverID: "r", Amount: amount(tt.amount),
			})
			require.NoError(t, err)

			assert.Equal(t, len(tt.report) > 0, decision.IsFlagged)
			if len(tt.report) == 0 {
				assert.Empty(t, decision.Report)
			} else {
				assert.Equal(t, tt.report, decision.Report)
			}
			assert.Equal(t, 2, view.calls)
		})
	}
}

func TestEngineLookupFailure(t *testing.T) {
	t.Run("unknown receiver", func(t *testing.T) {
		view := &fakeView{snapshots: map[string]domain.AccountSnapshot{
			"s": snapshot("s", domain.TierOne, 48*time.Hour),
		}}
		e := newTestEngine(t, view)

		decision, err := e.Evaluate(context.Background(), domain.TransferRequest{
			SenderID: "s", ReceiverID: "missing", Amount: amount("10"),
		})
		require.Error(t, err)
		assert.True(t, errors.Is(err, domain.ErrLookupFailure))
		assert.True(t, errors.Is(err, domain.ErrAccountNotFound))
		assert.Equal(t, domain.PolicyDecision{}, decision)
	})

	t.Run("backend error", func(t *testing.T) {
		backend := errors.New("connection refused")
		e := newTestEngine(t, &fakeView{err: backend})

		_, err := e.Evaluate(context.Background(), domain.TransferRequest{
			SenderID: "s", ReceiverID: "r", Amount: amount("10"),
		})
		assert.ErrorIs(t, err, domain.ErrLookupFailure)
		assert.ErrorIs(t, err, backend)
	})

	t.Run("already wrapped", func(t *testing.T) {
		e := newTestEngine(t, &fakeView{err: domain.ErrLookupFailure})

		_, err := e.Evaluate(context.Background(), domain.TransferRequest{
			SenderID: "s", ReceiverID: "r", Amount: amount("10"),
		})
		assert.Equal(t, domain.ErrLookupFailure, err)
	})
}

func TestDecideDoesNotMutateSnapshots(t *testing.T) {
	e := newTestEngine(t, &fakeView{})
	sender := withLastTransfer(snapshot("s", domain.TierOne, 48*time.Hour), 5*time.Second)
	before := *sender.LastOutgoingTransferAt
	receiver := snapshot("r", domain.TierOne, time.Minute)

	first := e.Decide(sender, receiver, amount("10"), evalTime)
	second := e.Decide(sender, receiver, amount("10"), evalTime)

	assert.Equal(t, first, second)
	assert.Equal(t, before, *sender.LastOutgoingTransferAt)
}

func TestEvaluateAtUsesGivenInstant(t *testing.T) {
	receiver := snapshot("r", domain.TierOne, 10*time.Minute)
	view := &fakeView{snapshots: map[string]domain.AccountSnapshot{
		"s": snapshot("s", domain.TierOne, 48*time.Hour),
		"r": receiver,
	}}
	e := newTestEngine(t, view)
	req := domain.TransferRequest{SenderID: "s", ReceiverID: "r", Amount: amount("10")}

	decision, err := e.EvaluateAt(context.Background(), req, evalTime)
	require.NoError(t, err)
	assert.True(t, decision.IsFlagged)

	decision, err = e.EvaluateAt(context.Background(), req, evalTime.Add(10*time.Minute))
	require.NoError(t, err)
	assert.False(t, decision.IsFlagged)
}
