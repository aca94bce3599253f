// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Account operations
	SaveAccount(ctx context.Context, account *Account) error
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	GetAccountByEmail(ctx context.Context, email string) (*Account, error)
	UpdateAccount(ctx context.Context, accountID string, update AccountUpdate) (*Account, error)

	// Transfer operations
	SaveTransfer(ctx context.Context, transfer *Transfer) error
	GetTransfer(ctx context.Context, transferID string) (*Transfer, error)
	ListTransfersByAccount(ctx context.Context, accountID string, limit int) ([]*Transfer, error)

	// LastOutgoingTransferAt returns the creation time of the most recent
	// transfer sent by the account, or nil if it has never sent one.
	LastOutgoingTransferAt(ctx context.Context, accountID string) (*time.Time, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
