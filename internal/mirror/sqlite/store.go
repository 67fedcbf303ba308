package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/Mohammed3MG/ainbox/internal/sync"
)

//go:embed schema.sql
var schemaSQL string

// Store is the local mailbox mirror. It holds message metadata, the
// idempotency keys of applied changes, per-account sync positions and
// the last broadcast counts.
type Store struct {
	db *sql.DB
}

// Open opens or creates the mirror database.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, errors.Wrap(err, "create mirror directory")
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, errors.Wrap(err, "open mirror database")
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "apply mirror schema")
	}

	return &Store{db: db}, nil
}

// New wraps an existing database handle. The schema is not applied.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertMessage writes a message row and replaces its label set.
func (s *Store) UpsertMessage(ctx context.Context, msg *sync.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin upsert")
	}
	defer func() { _ = tx.Rollback() }()

	if err := upsertMessageTx(ctx, tx, msg); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit upsert")
}

// DeleteMessage removes a message row and its labels. Deleting a
// message the mirror never saw is a no-op.
func (s *Store) DeleteMessage(ctx context.Context, accountID int64, messageID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin delete")
	}
	defer func() { _ = tx.Rollback() }()

	if err := deleteMessageTx(ctx, tx, accountID, messageID); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit delete")
}

// AddLabel attaches a label to a message, creating a skeleton row when
// the label change arrives before the message itself.
func (s *Store) AddLabel(ctx context.Context, accountID int64, messageID, labelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin add label")
	}
	defer func() { _ = tx.Rollback() }()

	if err := addLabelTx(ctx, tx, accountID, messageID, labelID); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit add label")
}

// RemoveLabel detaches a label from a message. Unknown messages and
// absent labels are no-ops.
func (s *Store) RemoveLabel(ctx context.Context, accountID int64, messageID, labelID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin remove label")
	}
	defer func() { _ = tx.Rollback() }()

	if err := removeLabelTx(ctx, tx, accountID, messageID, labelID); err != nil {
		return err
	}
	return errors.Wrap(tx.Commit(), "commit remove label")
}

// RecordIfAbsent inserts an idempotency key, reporting whether the key
// was new. A false return means the change was already applied.
func (s *Store) RecordIfAbsent(ctx context.Context, key sync.IdempotencyKey) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO applied_changes (account_id, cursor, message_id, change_kind, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, key.AccountID, key.Cursor, key.MessageID, string(key.Kind), time.Now().Unix())
	if err != nil {
		return false, errors.Wrap(err, "record change key")
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "record change key rows")
	}
	return n > 0, nil
}

// ApplyChange records the idempotency key and applies the change in one
// transaction. It returns false without touching the mirror when the
// key already exists, so redelivered changes have zero effect.
func (s *Store) ApplyChange(ctx context.Context, key sync.IdempotencyKey, ch sync.Change) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, errors.Wrap(err, "begin apply")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO applied_changes (account_id, cursor, message_id, change_kind, applied_at)
		VALUES (?, ?, ?, ?, ?)
	`, key.AccountID, key.Cursor, key.MessageID, string(key.Kind), time.Now().Unix())
	if err != nil {
		return false, errors.Wrap(err, "record change key")
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, errors.Wrap(err, "record change key rows")
	} else if n == 0 {
		return false, nil
	}

	switch ch.Kind {
	case sync.ChangeAdded:
		if ch.Message == nil {
			return false, errors.New("added change carries no message")
		}
		err = upsertMessageTx(ctx, tx, ch.Message)
	case sync.ChangeDeleted:
		err = deleteMessageTx(ctx, tx, key.AccountID, ch.MessageID)
	case sync.ChangeLabelAdded:
		for _, l := range ch.LabelIDs {
			if err = addLabelTx(ctx, tx, key.AccountID, ch.MessageID, l); err != nil {
				break
			}
		}
	case sync.ChangeLabelRemoved:
		for _, l := range ch.LabelIDs {
			if err = removeLabelTx(ctx, tx, key.AccountID, ch.MessageID, l); err != nil {
				break
			}
		}
	default:
		err = errors.Errorf("unknown change kind %q", ch.Kind)
	}
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, errors.Wrap(err, "commit apply")
	}
	return true, nil
}

// PruneAppliedChanges deletes idempotency keys older than the cutoff.
func (s *Store) PruneAppliedChanges(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM applied_changes WHERE applied_at < ?", before.Unix())
	if err != nil {
		return 0, errors.Wrap(err, "prune change keys")
	}
	return res.RowsAffected()
}

// AggregateCounts computes the mirror's own counts for the messages
// carrying the given label.
func (s *Store) AggregateCounts(ctx context.Context, accountID int64, labelID string) (*sync.Counts, error) {
	var c sync.Counts
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(m.unread), 0)
		FROM messages m
		JOIN message_labels l
		  ON l.account_id = m.account_id AND l.message_id = m.message_id
		WHERE m.account_id = ? AND l.label_id = ?
	`, accountID, labelID).Scan(&c.Total, &c.Unread)
	if err != nil {
		return nil, errors.Wrap(err, "aggregate counts")
	}
	c.ComputedAt = time.Now()
	return &c, nil
}

// CachedCounts returns the last broadcast counts, or nil when the
// account has never been reconciled.
func (s *Store) CachedCounts(ctx context.Context, accountID int64) (*sync.Counts, error) {
	var c sync.Counts
	var computedAt int64
	err := s.db.QueryRowContext(ctx,
		"SELECT unread, total, computed_at FROM counts_cache WHERE account_id = ?",
		accountID).Scan(&c.Unread, &c.Total, &computedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "load cached counts")
	}
	c.ComputedAt = time.Unix(computedAt, 0)
	return &c, nil
}

// SaveCounts stores the counts that were just broadcast.
func (s *Store) SaveCounts(ctx context.Context, accountID int64, c *sync.Counts) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO counts_cache (account_id, unread, total, computed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			unread = excluded.unread,
			total = excluded.total,
			computed_at = excluded.computed_at
	`, accountID, c.Unread, c.Total, c.ComputedAt.Unix())
	return errors.Wrap(err, "save counts")
}

// SyncState loads the sync position for an account, or nil when the
// account has never been reconciled.
func (s *Store) SyncState(ctx context.Context, accountID int64) (*sync.SyncState, error) {
	st := sync.SyncState{AccountID: accountID}
	var dirty int
	var lastReconciled int64
	err := s.db.QueryRowContext(ctx, `
		SELECT cursor, status, last_error, dirty, last_reconciled_at
		FROM sync_state WHERE account_id = ?
	`, accountID).Scan(&st.Cursor, &st.Status, &st.LastError, &dirty, &lastReconciled)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.Wrap(err, "load sync state")
	}
	st.Dirty = dirty != 0
	if lastReconciled != 0 {
		st.LastReconciledAt = time.Unix(lastReconciled, 0)
	}
	return &st, nil
}

// SaveSyncState upserts the sync position for an account. The dirty
// flag is owned by MarkDirty and ClearDirty and left untouched here,
// so a push arriving mid-pass is not clobbered by the pass's saves.
func (s *Store) SaveSyncState(ctx context.Context, st *sync.SyncState) error {
	var lastReconciled int64
	if !st.LastReconciledAt.IsZero() {
		lastReconciled = st.LastReconciledAt.Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, cursor, status, last_error, dirty, last_reconciled_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			cursor = excluded.cursor,
			status = excluded.status,
			last_error = excluded.last_error,
			last_reconciled_at = excluded.last_reconciled_at,
			updated_at = excluded.updated_at
	`, st.AccountID, st.Cursor, st.Status, st.LastError, lastReconciled, time.Now().Unix())
	return errors.Wrap(err, "save sync state")
}

// SyncStates returns the sync positions of every known account.
func (s *Store) SyncStates(ctx context.Context) ([]*sync.SyncState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, cursor, status, last_error, dirty, last_reconciled_at
		FROM sync_state
	`)
	if err != nil {
		return nil, errors.Wrap(err, "list sync states")
	}
	defer rows.Close()

	var states []*sync.SyncState
	for rows.Next() {
		var st sync.SyncState
		var dirty int
		var lastReconciled int64
		if err := rows.Scan(&st.AccountID, &st.Cursor, &st.Status, &st.LastError, &dirty, &lastReconciled); err != nil {
			return nil, errors.Wrap(err, "scan sync state")
		}
		st.Dirty = dirty != 0
		if lastReconciled != 0 {
			st.LastReconciledAt = time.Unix(lastReconciled, 0)
		}
		states = append(states, &st)
	}
	return states, rows.Err()
}

// MarkDirty flags an account for the next periodic pass. Used when a
// push notification arrives while a pass holds the account.
func (s *Store) MarkDirty(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (account_id, dirty, updated_at)
		VALUES (?, 1, ?)
		ON CONFLICT(account_id) DO UPDATE SET
			dirty = 1,
			updated_at = excluded.updated_at
	`, accountID, time.Now().Unix())
	return errors.Wrap(err, "mark dirty")
}

// ClearDirty unsets the pending-push flag. A pass calls it before
// fetching the provider position, so any push that lands afterwards
// re-marks the account and survives the pass.
func (s *Store) ClearDirty(ctx context.Context, accountID int64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sync_state SET dirty = 0, updated_at = ? WHERE account_id = ?",
		time.Now().Unix(), accountID)
	return errors.Wrap(err, "clear dirty")
}

// ListMessages returns mirrored messages for inspection, newest first.
func (s *Store) ListMessages(ctx context.Context, accountID int64, limit int) ([]*sync.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, message_id, provider, thread_id, unread, internal_ts
		FROM messages
		WHERE account_id = ?
		ORDER BY internal_ts DESC
		LIMIT ?
	`, accountID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()

	var msgs []*sync.Message
	for rows.Next() {
		var m sync.Message
		var unread int
		var internalTS int64
		var provider string
		if err := rows.Scan(&m.AccountID, &m.MessageID, &provider, &m.ThreadID, &unread, &internalTS); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		m.Provider = sync.ProviderName(provider)
		m.Unread = unread != 0
		if internalTS != 0 {
			m.InternalDate = time.Unix(internalTS, 0)
		}
		msgs = append(msgs, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, m := range msgs {
		labels, err := s.messageLabels(ctx, m.AccountID, m.MessageID)
		if err != nil {
			return nil, err
		}
		m.LabelIDs = labels
	}
	return msgs, nil
}

func (s *Store) messageLabels(ctx context.Context, accountID int64, messageID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT label_id FROM message_labels
		WHERE account_id = ? AND message_id = ?
		ORDER BY label_id
	`, accountID, messageID)
	if err != nil {
		return nil, errors.Wrap(err, "list labels")
	}
	defer rows.Close()

	var labels []string
	for rows.Next() {
		var l string
		if err := rows.Scan(&l); err != nil {
			return nil, errors.Wrap(err, "scan label")
		}
		labels = append(labels, l)
	}
	return labels, rows.Err()
}

func upsertMessageTx(ctx context.Context, tx *sql.Tx, msg *sync.Message) error {
	unread := 0
	if msg.Unread {
		unread = 1
	}
	var internalTS int64
	if !msg.InternalDate.IsZero() {
		internalTS = msg.InternalDate.Unix()
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO messages (account_id, message_id, provider, thread_id, unread, internal_ts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, message_id) DO UPDATE SET
			provider = excluded.provider,
			thread_id = excluded.thread_id,
			unread = excluded.unread,
			internal_ts = excluded.internal_ts,
			updated_at = excluded.updated_at
	`, msg.AccountID, msg.MessageID, string(msg.Provider), msg.ThreadID, unread, internalTS, time.Now().Unix())
	if err != nil {
		return errors.Wrap(err, "upsert message")
	}

	// Replace the label set wholesale; the provider row is authoritative.
	_, err = tx.ExecContext(ctx,
		"DELETE FROM message_labels WHERE account_id = ? AND message_id = ?",
		msg.AccountID, msg.MessageID)
	if err != nil {
		return errors.Wrap(err, "clear labels")
	}
	for _, l := range msg.LabelIDs {
		_, err = tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO message_labels (account_id, message_id, label_id) VALUES (?, ?, ?)",
			msg.AccountID, msg.MessageID, l)
		if err != nil {
			return errors.Wrap(err, "insert label")
		}
	}
	return nil
}

func deleteMessageTx(ctx context.Context, tx *sql.Tx, accountID int64, messageID string) error {
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM message_labels WHERE account_id = ? AND message_id = ?",
		accountID, messageID); err != nil {
		return errors.Wrap(err, "delete labels")
	}
	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE account_id = ? AND message_id = ?",
		accountID, messageID); err != nil {
		return errors.Wrap(err, "delete message")
	}
	return nil
}

func addLabelTx(ctx context.Context, tx *sql.Tx, accountID int64, messageID, labelID string) error {
	// A label change can arrive before the message itself; keep a
	// skeleton row so the label is not lost.
	_, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (account_id, message_id, updated_at)
		VALUES (?, ?, ?)
	`, accountID, messageID, time.Now().Unix())
	if err != nil {
		return errors.Wrap(err, "ensure message")
	}

	_, err = tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO message_labels (account_id, message_id, label_id) VALUES (?, ?, ?)",
		accountID, messageID, labelID)
	if err != nil {
		return errors.Wrap(err, "add label")
	}

	if labelID == sync.UnreadLabel {
		_, err = tx.ExecContext(ctx,
			"UPDATE messages SET unread = 1, updated_at = ? WHERE account_id = ? AND message_id = ?",
			time.Now().Unix(), accountID, messageID)
		if err != nil {
			return errors.Wrap(err, "set unread")
		}
	}
	return nil
}

func removeLabelTx(ctx context.Context, tx *sql.Tx, accountID int64, messageID, labelID string) error {
	_, err := tx.ExecContext(ctx,
		"DELETE FROM message_labels WHERE account_id = ? AND message_id = ? AND label_id = ?",
		accountID, messageID, labelID)
	if err != nil {
		return errors.Wrap(err, "remove label")
	}

	if labelID == sync.UnreadLabel {
		_, err = tx.ExecContext(ctx,
			"UPDATE messages SET unread = 0, updated_at = ? WHERE account_id = ? AND message_id = ?",
			time.Now().Unix(), accountID, messageID)
		if err != nil {
			return errors.Wrap(err, "clear unread")
		}
	}
	return nil
}
