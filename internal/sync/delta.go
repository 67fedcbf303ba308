package sync

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Mohammed3MG/ainbox/internal/accounts"
)

// processDelta walks the provider's history feed from the stored
// cursor up to the profile position and applies every change through
// the idempotency guard. The stored cursor advances only after a
// page's changes are durably applied, so a crash replays at most one
// page and the guard absorbs the replay.
func (s *Scheduler) processDelta(ctx context.Context, account *accounts.Account, provider Provider, st *SyncState, toCursor string) (int, error) {
	if st.Cursor == toCursor {
		return 0, nil
	}

	from := st.Cursor
	applied := 0
	pageToken := ""
	sawRecords := false

	for {
		opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
		page, err := provider.ListHistory(opCtx, from, pageToken)
		cancel()
		if err != nil {
			return applied, errors.Wrap(err, "list history")
		}

		for _, rec := range page.Records {
			n, err := s.applyRecord(ctx, account, rec)
			applied += n
			if err != nil {
				return applied, err
			}
		}
		if len(page.Records) > 0 {
			sawRecords = true
		}

		if page.NextCursor != "" && page.NextCursor != st.Cursor {
			st.Cursor = page.NextCursor
			st.Status = StatusSyncing
			if err := s.store.SaveSyncState(ctx, st); err != nil {
				return applied, errors.Wrap(err, "save cursor")
			}
		}

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	// An empty feed still adopts the profile position so the next pass
	// short-circuits on the fast path.
	if !sawRecords && st.Cursor != toCursor {
		st.Cursor = toCursor
		st.Status = StatusSyncing
		if err := s.store.SaveSyncState(ctx, st); err != nil {
			return applied, errors.Wrap(err, "save cursor")
		}
	}

	return applied, nil
}

// applyRecord applies each change in the record exactly once and
// broadcasts the ones that took effect. Duplicate deliveries are
// counted out by the guard and never rebroadcast.
func (s *Scheduler) applyRecord(ctx context.Context, account *accounts.Account, rec HistoryRecord) (int, error) {
	applied := 0
	for _, ch := range rec.Changes {
		if ch.Message != nil {
			ch.Message.AccountID = account.ID
			ch.Message.Provider = ProviderName(account.Provider)
		}
		key := IdempotencyKey{
			AccountID: account.ID,
			Cursor:    rec.Cursor,
			MessageID: ch.MessageID,
			Kind:      ch.Kind,
		}
		ok, err := s.store.ApplyChange(ctx, key, ch)
		if err != nil {
			return applied, errors.Wrapf(err, "apply %s for message %s", ch.Kind, ch.MessageID)
		}
		if !ok {
			continue
		}
		applied++

		event := ChangeEvent{MessageID: ch.MessageID, Cursor: rec.Cursor, LabelIDs: ch.LabelIDs}
		if err := s.broadcaster.Publish(account.ID, eventKind(ch.Kind), event); err != nil {
			s.log.Warn("change broadcast failed",
				zap.Int64("account_id", account.ID),
				zap.String("kind", string(ch.Kind)),
				zap.Error(err))
		}
	}
	return applied, nil
}
