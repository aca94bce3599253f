package transfer

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/gate"
	"github.com/opensource-finance/kestrel/internal/ledger"
	"github.com/opensource-finance/kestrel/internal/notify"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notify.ViolationNotice
}

func (n *recordingNotifier) Notify(_ context.Context, notice notify.ViolationNotice) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices = append(n.notices, notice)
}

func (n *recordingNotifier) all() []notify.ViolationNotice {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.ViolationNotice(nil), n.notices...)
}

type fixture struct {
	repo     domain.Repository
	gate     *gate.LocalGate
	notifier *recordingNotifier
	svc      *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "transfer-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	view := ledger.NewView(repo, cache.NewLRUCache(100), time.Minute)
	ruleSet, err := rules.NewRuleSet(domain.DefaultPolicyConfig())
	require.NoError(t, err)
	engine := rules.NewEngine(view, ruleSet)

	g := gate.NewLocalGate(2*time.Second, nil)
	n := &recordingNotifier{}

	return &fixture{
		repo:     repo,
		gate:     g,
		notifier: n,
		svc:      NewService(repo, engine, view, g, n, opts...),
	}
}

func (f *fixture) seed(t *testing.T, id string, tier domain.Tier, age time.Duration) {
	t.Helper()
	now := time.Now().UTC()
	require.NoError(t, f.repo.SaveAccount(context.Background(), &domain.Account{
		ID:        id,
		Email:     id + "@example.com",
		FirstName: "Name-" + id,
		Tier:      tier,
		IsActive:  true,
		CreatedAt: now.Add(-age),
		UpdatedAt: now,
	}))
}

func request(sender, receiver, amount string) domain.TransferRequest {
	return domain.TransferRequest{SenderID: sender, ReceiverID: receiver, Amount: decimal.RequireFromString(amount)}
}

func TestSubmitCleanTransfer(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", domain.TierOne, 48*time.Hour)
	f.seed(t, "bob", domain.TierOne, 48*time.Hour)
	ctx := context.Background()

	res, err := f.svc.Submit(ctx, request("alice", "bob", "250.00"))
	require.NoError(t, err)
	assert.False(t, res.Decision.IsFlagged)
	assert.Empty(t, res.Transfer.ViolationReport)

	stored, err := f.repo.GetTransfer(ctx, res.Transfer.ID)
	require.NoError(t, err)
	assert.True(t, stored.Amount.Equal(decimal.RequireFromString("250")))

	last, err := f.repo.LastOutgoingTransferAt(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(res.Transfer.CreatedAt))

	assert.Empty(t, f.notifier.all())
	assert.Equal(t, 0, f.gate.Len())
}

func TestSubmitFlaggedTransferNotifiesSender(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", domain.TierOne, 48*time.Hour)
	f.seed(t, "bob", domain.TierOne, 48*time.Hour)

	res, err := f.svc.Submit(context.Background(), request("alice", "bob", "1200000"))
	require.NoError(t, err)
	assert.True(t, res.Decision.IsFlagged)
	assert.Equal(t, "Transaction amount of 1,200,000.00 is above 1,000,000, your tier limit.\n", res.Transfer.ViolationReport)

	notices := f.notifier.all()
	require.Len(t, notices, 1)
	assert.Equal(t, notify.ViolationNotice{
		TransferID:           res.Transfer.ID,
		RecipientEmail:       "alice@example.com",
		RecipientDisplayName: "Name-alice",
		ViolationReportText:  res.Transfer.ViolationReport,
	}, notices[0])
}

func TestSubmitSequentialWithinWindow(t *testing.T) {
	clock := time.Now().UTC()
	f := newFixture(t, WithClock(func() time.Time { return clock }))
	f.seed(t, "alice", domain.TierOne, 48*time.Hour)
	f.seed(t, "bob", domain.TierOne, 48*time.Hour)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, request("alice", "bob", "10"))
	require.NoError(t, err)
	assert.False(t, first.Decision.IsFlagged)

	clock = clock.Add(59 * time.Second)
	second, err := f.svc.Submit(ctx, request("alice", "bob", "10"))
	require.NoError(t, err)
	assert.Equal(t, domain.ViolationReport{"Transaction violated 1 minute timing window."}, second.Decision.Report)

	clock = clock.Add(60 * time.Second)
	third, err := f.svc.Submit(ctx, request("alice", "bob", "10"))
	require.NoError(t, err)
	assert.False(t, third.Decision.IsFlagged)
}

func TestSubmitConcurrentSameSender(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", domain.TierOne, 48*time.Hour)
	f.seed(t, "bob", domain.TierOne, 48*time.Hour)
	f.seed(t, "carol", domain.TierOne, 48*time.Hour)
	ctx := context.Background()

	const n = 5
	results := make([]*Result, n)
	errs := make([]error, n)

	var start, done sync.WaitGroup
	start.Add(1)
	for i := 0; i < n; i++ {
		done.Add(1)
		go func(i int) {
			defer done.Done()
			start.Wait()
			receiver := "bob"
			if i%2 == 1 {
				receiver = "carol"
			}
			results[i], errs[i] = f.svc.Submit(ctx, request("alice", receiver, "10"))
		}(i)
	}
	start.Done()
	done.Wait()

	clean := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if !results[i].Decision.IsFlagged {
			clean++
			continue
		}
		assert.Equal(t, domain.ViolationReport{"Transaction violated 1 minute timing window."}, results[i].Decision.Report)
	}
	assert.Equal(t, 1, clean, "exactly one transfer may pass the timing window")
	assert.Len(t, f.notifier.all(), n-1)
	assert.Equal(t, 0, f.gate.Len())
}

func TestSubmitErrors(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", domain.TierOne, 48*time.Hour)
	ctx := context.Background()

	t.Run("InvalidRequest", func(t *testing.T) {
		_, err := f.svc.Submit(ctx, request("alice", "alice", "10"))
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)

		_, err = f.svc.Submit(ctx, request("alice", "bob", "0.50"))
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	})

	t.Run("LookupFailureCommitsNothing", func(t *testing.T) {
		_, err := f.svc.Submit(ctx, request("alice", "nobody", "10"))
		assert.ErrorIs(t, err, domain.ErrLookupFailure)
		assert.ErrorIs(t, err, domain.ErrAccountNotFound)

		last, err := f.repo.LastOutgoingTransferAt(ctx, "alice")
		require.NoError(t, err)
		assert.Nil(t, last)
		assert.Equal(t, 0, f.gate.Len())
	})

	t.Run("ContentionTimeout", func(t *testing.T) {
		held, err := f.gate.Acquire(ctx, "alice")
		require.NoError(t, err)
		defer held.Release(ctx)

		tctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()

		_, err = f.svc.Submit(tctx, request("alice", "bob", "10"))
		assert.ErrorIs(t, err, domain.ErrContentionTimeout)
	})
}

func TestEvaluateDryRun(t *testing.T) {
	f := newFixture(t)
	f.seed(t, "alice", domain.TierTwo, 48*time.Hour)
	f.seed(t, "fresh", domain.TierOne, time.Minute)
	ctx := context.Background()

	decision, err := f.svc.Evaluate(ctx, request("alice", "fresh", "10"))
	require.NoError(t, err)
	assert.Equal(t, domain.ViolationReport{"Recipient account is new."}, decision.Report)

	last, err := f.repo.LastOutgoingTransferAt(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, last, "dry run must not commit")
	assert.Empty(t, f.notifier.all())
}
