package sync

import (
	"context"
	"time"
)

// SyncState is an account's persisted sync position.
type SyncState struct {
	AccountID int64 `json:"account_id"`
	// Cursor is the opaque provider history position the mirror has
	// durably applied up to. Empty means never synced.
	Cursor    string `json:"cursor"`
	Status    string `json:"status"`
	LastError string `json:"last_error,omitempty"`
	// Dirty defers a push notification that arrived while a pass held
	// the account; the next periodic batch picks it up.
	Dirty            bool      `json:"dirty"`
	LastReconciledAt time.Time `json:"last_reconciled_at"`
}

// Sync status values stored with the cursor.
const (
	StatusSyncing = "SYNCING"
	StatusIdle    = "IDLE"
	StatusError   = "ERROR"
	StatusAuth    = "AUTH_EXPIRED"
)

// Store is the engine's view of the mirror. The sqlite implementation
// lives in internal/mirror/sqlite.
type Store interface {
	// UpsertMessage writes a message row and replaces its label set.
	UpsertMessage(ctx context.Context, msg *Message) error

	// ApplyChange atomically records the idempotency key and applies
	// the change. False means the key existed and nothing moved.
	ApplyChange(ctx context.Context, key IdempotencyKey, ch Change) (bool, error)

	// RecordIfAbsent inserts an idempotency key on its own, reporting
	// whether it was new.
	RecordIfAbsent(ctx context.Context, key IdempotencyKey) (bool, error)

	// PruneAppliedChanges drops idempotency keys older than the cutoff.
	PruneAppliedChanges(ctx context.Context, before time.Time) (int64, error)

	// AggregateCounts computes the mirror's counts for one label scope.
	AggregateCounts(ctx context.Context, accountID int64, labelID string) (*Counts, error)

	// CachedCounts returns the last broadcast counts, nil when none.
	CachedCounts(ctx context.Context, accountID int64) (*Counts, error)

	// SaveCounts stores the counts that were just broadcast.
	SaveCounts(ctx context.Context, accountID int64, c *Counts) error

	// SyncState loads an account's position, nil when never synced.
	SyncState(ctx context.Context, accountID int64) (*SyncState, error)

	// SaveSyncState upserts an account's position.
	SaveSyncState(ctx context.Context, st *SyncState) error

	// SyncStates lists every stored position.
	SyncStates(ctx context.Context) ([]*SyncState, error)

	// MarkDirty flags an account for the next periodic pass.
	MarkDirty(ctx context.Context, accountID int64) error

	// ClearDirty unsets the flag at the start of a pass. Pushes that
	// arrive while the pass runs re-mark the account and must not be
	// lost when the pass saves its final state.
	ClearDirty(ctx context.Context, accountID int64) error
}
