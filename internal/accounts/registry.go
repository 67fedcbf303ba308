package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no account matches the lookup.
var ErrNotFound = errors.New("account not found")

// Account is a linked mailbox owned by the service.
type Account struct {
	ID int64 `json:"id"`
	// Email is the provider-side mailbox address.
	Email string `json:"email"`
	// Provider names the remote mail provider (GOOGLE, MICROSOFT).
	Provider string `json:"provider"`
	// CredentialRef identifies the OAuth credential held by the
	// external auth service. The registry never stores tokens.
	CredentialRef string    `json:"-"`
	CreatedAt     time.Time `json:"created_at"`
}

// Registry stores linked accounts.
type Registry struct {
	db *sql.DB
}

// Open opens or creates the account registry database.
func Open(dbPath string) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS accounts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE,
			provider TEXT NOT NULL,
			credential_ref TEXT NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create accounts table: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the database connection.
func (r *Registry) Close() error {
	return r.db.Close()
}

// Link creates an account for a newly connected mailbox.
func (r *Registry) Link(ctx context.Context, email, provider, credentialRef string) (*Account, error) {
	account := &Account{
		Email:         email,
		Provider:      provider,
		CredentialRef: credentialRef,
		CreatedAt:     time.Now(),
	}

	result, err := r.db.ExecContext(ctx,
		"INSERT INTO accounts (email, provider, credential_ref, created_at) VALUES (?, ?, ?, ?)",
		account.Email, account.Provider, account.CredentialRef, account.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to link account: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get account ID: %w", err)
	}
	account.ID = id

	return account, nil
}

// Get returns the account with the given ID.
func (r *Registry) Get(ctx context.Context, id int64) (*Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		"SELECT id, email, provider, credential_ref, created_at FROM accounts WHERE id = ?", id))
}

// GetByEmail returns the account for a mailbox address. Push
// notifications identify accounts this way.
func (r *Registry) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.scanOne(r.db.QueryRowContext(ctx,
		"SELECT id, email, provider, credential_ref, created_at FROM accounts WHERE email = ?", email))
}

// List returns all linked accounts.
func (r *Registry) List(ctx context.Context) ([]*Account, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, email, provider, credential_ref, created_at FROM accounts ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Email, &a.Provider, &a.CredentialRef, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &a)
	}

	return accounts, rows.Err()
}

func (r *Registry) scanOne(row *sql.Row) (*Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Email, &a.Provider, &a.CredentialRef, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}
