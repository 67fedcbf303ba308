package sync

import (
	"context"

	"github.com/pkg/errors"

	"github.com/Mohammed3MG/ainbox/internal/accounts"
)

// fullResync rebuilds the mirror from the provider's recent window and
// adopts newCursor as the account position. The cursor was captured
// before listing started, so anything that changes mid-listing replays
// through the next delta. Nothing is deleted here: messages that fell
// out of the window keep their rows.
func (s *Scheduler) fullResync(ctx context.Context, account *accounts.Account, provider Provider, st *SyncState, newCursor string) (int, error) {
	st.Status = StatusSyncing
	if err := s.store.SaveSyncState(ctx, st); err != nil {
		return 0, errors.Wrap(err, "save sync state")
	}

	// Listing the window spans many provider calls, so it gets a wider
	// budget than a single operation.
	opCtx, cancel := context.WithTimeout(ctx, 10*s.cfg.OpTimeout)
	msgs, err := provider.ListRecentMessages(opCtx, s.cfg.ResyncMessageCap)
	cancel()
	if err != nil {
		return 0, errors.Wrap(err, "list recent messages")
	}

	for _, msg := range msgs {
		msg.AccountID = account.ID
		msg.Provider = ProviderName(account.Provider)
		if err := s.store.UpsertMessage(ctx, msg); err != nil {
			return 0, errors.Wrapf(err, "upsert message %s", msg.MessageID)
		}
	}

	st.Cursor = newCursor
	if err := s.store.SaveSyncState(ctx, st); err != nil {
		return len(msgs), errors.Wrap(err, "save cursor")
	}
	return len(msgs), nil
}
