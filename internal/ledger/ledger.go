// Package ledger provides the account snapshots the policy engine evaluates.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// View resolves account snapshots. Profile fields may be served from the
// cache; the last outgoing transfer time is always read from the repository
// so it reflects the latest commit. Snapshots skip node-local cache tiers so
// an Invalidate on any node reaches the next evaluation everywhere.
type View struct {
	repo   domain.Repository
	cache  domain.Cache
	shared domain.Cache
	ttl    time.Duration
}

// NewView creates a ledger view. cache may be nil.
func NewView(repo domain.Repository, c domain.Cache, ttl time.Duration) *View {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	v := &View{
		repo:  repo,
		cache: c,
		ttl:   ttl,
	}
	if c != nil {
		v.shared = cache.Shared(c)
	}
	return v
}

// AccountKey is the cache key of an account profile.
func AccountKey(accountID string) string {
	return "account:" + accountID
}

// Resolve builds a fresh snapshot of the account.
func (v *View) Resolve(ctx context.Context, accountID string) (domain.AccountSnapshot, error) {
	if accountID == "" {
		return domain.AccountSnapshot{}, fmt.Errorf("%w: account id is required", domain.ErrAccountNotFound)
	}

	account, err := v.account(ctx, v.shared, accountID)
	if err != nil {
		return domain.AccountSnapshot{}, err
	}

	last, err := v.repo.LastOutgoingTransferAt(ctx, accountID)
	if err != nil {
		return domain.AccountSnapshot{}, fmt.Errorf("failed to read last outgoing transfer: %w", err)
	}

	return account.Snapshot(last), nil
}

// Account returns the account profile, reading through the cache. It may
// serve a node-local copy up to the cache's local TTL old.
func (v *View) Account(ctx context.Context, accountID string) (*domain.Account, error) {
	return v.account(ctx, v.cache, accountID)
}

func (v *View) account(ctx context.Context, c domain.Cache, accountID string) (*domain.Account, error) {
	if c != nil {
		cached, err := cache.GetJSON[domain.Account](ctx, c, AccountKey(accountID))
		if err != nil {
			slog.Warn("account cache read failed", "account_id", accountID, "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	account, err := v.repo.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}

	if c != nil {
		if err := cache.SetJSON(ctx, c, AccountKey(accountID), account, v.ttl); err != nil {
			slog.Warn("account cache write failed", "account_id", accountID, "error", err)
		}
	}

	return account, nil
}

// Invalidate drops the cached profile after the account changed.
func (v *View) Invalidate(ctx context.Context, accountID string) error {
	if v.cache == nil {
		return nil
	}
	return v.cache.Delete(ctx, AccountKey(accountID))
}
