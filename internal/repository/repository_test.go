package repository

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func newTestRepo(t *testing.T) domain.Repository {
	t.Helper()

	repo, err := New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "kestrel-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func testAccount(id, email string) *domain.Account {
	now := time.Now().UTC()
	return &domain.Account{
		ID:        id,
		Email:     email,
		FirstName: "Ada",
		Tier:      domain.TierOne,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSQLiteRepository(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("Ping", func(t *testing.T) {
		if err := repo.Ping(ctx); err != nil {
			t.Errorf("Ping failed: %v", err)
		}
	})

	t.Run("SaveAndGetAccount", func(t *testing.T) {
		acct := testAccount("acc-001", "ada@example.com")
		if err := repo.SaveAccount(ctx, acct); err != nil {
			t.Fatalf("SaveAccount failed: %v", err)
		}

		got, err := repo.GetAccount(ctx, "acc-001")
		if err != nil {
			t.Fatalf("GetAccount failed: %v", err)
		}
		if got.Email != "ada@example.com" || got.Tier != domain.TierOne {
			t.Errorf("unexpected account: %+v", got)
		}
		if !got.IsActive || got.IsFlagged {
			t.Errorf("unexpected flags: active=%v flagged=%v", got.IsActive, got.IsFlagged)
		}
		if !got.CreatedAt.Equal(acct.CreatedAt) {
			t.Errorf("created_at mismatch: want %v, got %v", acct.CreatedAt, got.CreatedAt)
		}

		byEmail, err := repo.GetAccountByEmail(ctx, "ADA@example.com")
		if err != nil {
			t.Fatalf("GetAccountByEmail failed: %v", err)
		}
		if byEmail.ID != "acc-001" {
			t.Errorf("expected acc-001, got %s", byEmail.ID)
		}
	})

	t.Run("GetAccountNotFound", func(t *testing.T) {
		_, err := repo.GetAccount(ctx, "missing")
		if !errors.Is(err, domain.ErrAccountNotFound) {
			t.Errorf("expected ErrAccountNotFound, got %v", err)
		}
	})

	t.Run("DuplicateEmailRejected", func(t *testing.T) {
		if err := repo.SaveAccount(ctx, testAccount("acc-dup", "ada@example.com")); err == nil {
			t.Error("expected unique constraint violation for duplicate email")
		}
	})

	t.Run("UpdateAccount", func(t *testing.T) {
		tier := domain.TierThree
		flagged := true
		got, err := repo.UpdateAccount(ctx, "acc-001", domain.AccountUpdate{Tier: &tier, IsFlagged: &flagged})
		if err != nil {
			t.Fatalf("UpdateAccount failed: %v", err)
		}
		if got.Tier != domain.TierThree || !got.IsFlagged {
			t.Errorf("update not applied: %+v", got)
		}

		bad := domain.Tier("T9")
		if _, err := repo.UpdateAccount(ctx, "acc-001", domain.AccountUpdate{Tier: &bad}); !errors.Is(err, ErrInvalidInput) {
			t.Errorf("expected ErrInvalidInput for unknown tier, got %v", err)
		}

		if _, err := repo.UpdateAccount(ctx, "missing", domain.AccountUpdate{IsFlagged: &flagged}); !errors.Is(err, domain.ErrAccountNotFound) {
			t.Errorf("expected ErrAccountNotFound, got %v", err)
		}
	})

	t.Run("SaveAndGetTransfer", func(t *testing.T) {
		if err := repo.SaveAccount(ctx, testAccount("acc-002", "grace@example.com")); err != nil {
			t.Fatalf("SaveAccount failed: %v", err)
		}

		tr := &domain.Transfer{
			ID:              "tr-001",
			SenderID:        "acc-001",
			ReceiverID:      "acc-002",
			Amount:          decimal.RequireFromString("1200000.50"),
			IsFlagged:       true,
			ViolationReport: "Recipient account is new.\n",
			CreatedAt:       time.Now().UTC(),
		}
		if err := repo.SaveTransfer(ctx, tr); err != nil {
			t.Fatalf("SaveTransfer failed: %v", err)
		}

		got, err := repo.GetTransfer(ctx, "tr-001")
		if err != nil {
			t.Fatalf("GetTransfer failed: %v", err)
		}
		if !got.Amount.Equal(tr.Amount) {
			t.Errorf("amount mismatch: want %s, got %s", tr.Amount, got.Amount)
		}
		if !got.IsFlagged || got.ViolationReport != tr.ViolationReport {
			t.Errorf("unexpected transfer: %+v", got)
		}

		if _, err := repo.GetTransfer(ctx, "missing"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ListTransfersByAccount", func(t *testing.T) {
		later := &domain.Transfer{
			ID:         "tr-002",
			SenderID:   "acc-002",
			ReceiverID: "acc-001",
			Amount:     decimal.NewFromInt(10),
			CreatedAt:  time.Now().UTC().Add(time.Second),
		}
		if err := repo.SaveTransfer(ctx, later); err != nil {
			t.Fatalf("SaveTransfer failed: %v", err)
		}

		list, err := repo.ListTransfersByAccount(ctx, "acc-001", 0)
		if err != nil {
			t.Fatalf("ListTransfersByAccount failed: %v", err)
		}
		if len(list) != 2 {
			t.Fatalf("expected 2 transfers, got %d", len(list))
		}
		if list[0].ID != "tr-002" {
			t.Errorf("expected newest first, got %s", list[0].ID)
		}

		limited, _ := repo.ListTransfersByAccount(ctx, "acc-001", 1)
		if len(limited) != 1 {
			t.Errorf("expected limit 1 to return 1 transfer, got %d", len(limited))
		}
	})
}

func TestLastOutgoingTransferAt(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	t.Run("NoTransfers", func(t *testing.T) {
		last, err := repo.LastOutgoingTransferAt(ctx, "acc-001")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if last != nil {
			t.Errorf("expected nil, got %v", last)
		}
	})

	t.Run("NewestSentTransferWins", func(t *testing.T) {
		base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		rows := []*domain.Transfer{
			{ID: "a", SenderID: "acc-001", ReceiverID: "acc-002", Amount: decimal.NewFromInt(1), CreatedAt: base},
			{ID: "b", SenderID: "acc-001", ReceiverID: "acc-002", Amount: decimal.NewFromInt(1), CreatedAt: base.Add(90 * time.Second)},
			{ID: "c", SenderID: "acc-001", ReceiverID: "acc-003", Amount: decimal.NewFromInt(1), CreatedAt: base.Add(30 * time.Second)},
			// Received transfers do not count.
			{ID: "d", SenderID: "acc-002", ReceiverID: "acc-001", Amount: decimal.NewFromInt(1), CreatedAt: base.Add(time.Hour)},
		}
		for _, tr := range rows {
			if err := repo.SaveTransfer(ctx, tr); err != nil {
				t.Fatalf("SaveTransfer %s failed: %v", tr.ID, err)
			}
		}

		last, err := repo.LastOutgoingTransferAt(ctx, "acc-001")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if last == nil || !last.Equal(base.Add(90*time.Second)) {
			t.Errorf("expected %v, got %v", base.Add(90*time.Second), last)
		}
	})
}

func TestRebind(t *testing.T) {
	pg := &SQLRepository{driver: "postgres"}
	got := pg.rebind("SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?")
	want := "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3"
	if got != want {
		t.Errorf("rebind: want %q, got %q", want, got)
	}

	lite := &SQLRepository{driver: "sqlite"}
	if q := lite.rebind("a = ?"); q != "a = ?" {
		t.Errorf("sqlite rebind should be a no-op, got %q", q)
	}
}

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(domain.RepositoryConfig{PostgresUser: "kestrel", PostgresPassword: "p@ss word"})
	want := "host=localhost port=5432 dbname=kestrel sslmode=disable user=kestrel password='p@ss word'"
	if dsn != want {
		t.Errorf("dsn: want %q, got %q", want, dsn)
	}
}

func TestUnsupportedDriver(t *testing.T) {
	if _, err := New(domain.RepositoryConfig{Driver: "mysql"}); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
