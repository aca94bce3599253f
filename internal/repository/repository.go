// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

const accountColumns = `id, email, first_name, tier, is_flagged, is_active, is_admin, created_at, updated_at`

// SaveAccount inserts a new account.
func (r *SQLRepository) SaveAccount(ctx context.Context, account *domain.Account) error {
	if account == nil || account.ID == "" {
		return fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}

	query := `INSERT INTO accounts (` + accountColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		account.ID, account.Email, account.FirstName, string(account.Tier),
		boolToInt(account.IsFlagged), boolToInt(account.IsActive), boolToInt(account.IsAdmin),
		account.CreatedAt.UTC(), account.UpdatedAt.UTC(),
	)
	return err
}

// GetAccount retrieves an account by ID.
func (r *SQLRepository) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = ?`
	return r.scanAccount(r.db.QueryRowContext(ctx, r.rebind(query), accountID))
}

// GetAccountByEmail retrieves an account by its (lower-cased) email.
func (r *SQLRepository) GetAccountByEmail(ctx context.Context, email string) (*domain.Account, error) {
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE email = ?`
	return r.scanAccount(r.db.QueryRowContext(ctx, r.rebind(query), strings.ToLower(email)))
}

// UpdateAccount applies the non-nil fields of update and returns the new row.
func (r *SQLRepository) UpdateAccount(ctx context.Context, accountID string, update domain.AccountUpdate) (*domain.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}

	var sets []string
	var args []any
	if update.Tier != nil {
		if !update.Tier.Valid() {
			return nil, fmt.Errorf("%w: unknown tier %q", ErrInvalidInput, *update.Tier)
		}
		sets = append(sets, "tier = ?")
		args = append(args, string(*update.Tier))
	}
	if update.IsFlagged != nil {
		sets = append(sets, "is_flagged = ?")
		args = append(args, boolToInt(*update.IsFlagged))
	}
	if update.IsAdmin != nil {
		sets = append(sets, "is_admin = ?")
		args = append(args, boolToInt(*update.IsAdmin))
	}
	if len(sets) == 0 {
		return r.GetAccount(ctx, accountID)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC(), accountID)

	query := `UPDATE accounts SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
	result, err := r.db.ExecContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, domain.ErrAccountNotFound
	}

	return r.GetAccount(ctx, accountID)
}

func (r *SQLRepository) scanAccount(row *sql.Row) (*domain.Account, error) {
	var a domain.Account
	var tier string
	var flagged, active, admin int

	err := row.Scan(
		&a.ID, &a.Email, &a.FirstName, &tier,
		&flagged, &active, &admin,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Tier = domain.Tier(tier)
	a.IsFlagged = flagged == 1
	a.IsActive = active == 1
	a.IsAdmin = admin == 1
	return &a, nil
}

const transferColumns = `id, sender_id, receiver_id, amount, is_flagged, violation_report, created_at`

// SaveTransfer commits a transfer row. Its CreatedAt becomes the sender's
// last outgoing transfer time.
func (r *SQLRepository) SaveTransfer(ctx context.Context, transfer *domain.Transfer) error {
	if transfer == nil || transfer.ID == "" {
		return fmt.Errorf("%w: transfer id is required", ErrInvalidInput)
	}
	if transfer.SenderID == "" || transfer.ReceiverID == "" {
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalidInput)
	}

	query := `INSERT INTO transfers (` + transferColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		transfer.ID, transfer.SenderID, transfer.ReceiverID,
		transfer.Amount.StringFixed(2), boolToInt(transfer.IsFlagged),
		transfer.ViolationReport, transfer.CreatedAt.UTC(),
	)
	return err
}

// GetTransfer retrieves a transfer by ID.
func (r *SQLRepository) GetTransfer(ctx context.Context, transferID string) (*domain.Transfer, error) {
	if transferID == "" {
		return nil, fmt.Errorf("%w: transfer id is required", ErrInvalidInput)
	}

	query := `SELECT ` + transferColumns + ` FROM transfers WHERE id = ?`

	t, err := scanTransfer(r.db.QueryRowContext(ctx, r.rebind(query), transferID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListTransfersByAccount returns transfers where the account is sender or
// receiver, newest first. limit <= 0 means no limit.
func (r *SQLRepository) ListTransfersByAccount(ctx context.Context, accountID string, limit int) ([]*domain.Transfer, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}

	query := `
		SELECT ` + transferColumns + `
		FROM transfers
		WHERE sender_id = ? OR receiver_id = ?
		ORDER BY created_at DESC
	`
	args := []any{accountID, accountID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transfers []*domain.Transfer
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, err
		}
		transfers = append(transfers, t)
	}

	return transfers, rows.Err()
}

// LastOutgoingTransferAt returns the creation time of the newest transfer
// sent by the account, or nil if there is none.
func (r *SQLRepository) LastOutgoingTransferAt(ctx context.Context, accountID string) (*time.Time, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidInput)
	}

	// Selecting the column rather than MAX() keeps its declared type, which
	// the SQLite driver needs to decode a time.Time.
	query := `
		SELECT created_at FROM transfers
		WHERE sender_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	var last time.Time
	err := r.db.QueryRowContext(ctx, r.rebind(query), accountID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	last = last.UTC()
	return &last, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransfer(row rowScanner) (*domain.Transfer, error) {
	var t domain.Transfer
	var flagged int

	if err := row.Scan(
		&t.ID, &t.SenderID, &t.ReceiverID,
		&t.Amount, &flagged, &t.ViolationReport, &t.CreatedAt,
	); err != nil {
		return nil, err
	}

	t.IsFlagged = flagged == 1
	return &t, nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
