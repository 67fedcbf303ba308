package sync

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Mohammed3MG/ainbox/internal/accounts"
	"github.com/Mohammed3MG/ainbox/internal/auth"
)

// Result summarizes one reconciliation pass.
type Result struct {
	AccountID     int64  `json:"account_id"`
	Applied       int    `json:"applied"`
	Resynced      bool   `json:"resynced"`
	Counts        Counts `json:"counts"`
	CountsChanged bool   `json:"counts_changed"`
}

// ReconcileAccount runs one full reconciliation pass for the account:
// history delta (or full resync when the cursor is gone), then count
// reconciliation. A pass already holding the account yields ErrBusy
// immediately rather than waiting.
func (s *Scheduler) ReconcileAccount(ctx context.Context, accountID int64) (*Result, error) {
	if !s.tryAcquire(accountID) {
		return nil, errors.Wrapf(ErrBusy, "account %d", accountID)
	}
	defer s.release(accountID)

	return s.runPass(ctx, accountID)
}

func (s *Scheduler) runPass(ctx context.Context, accountID int64) (*Result, error) {
	account, err := s.registry.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, accounts.ErrNotFound) {
			return nil, errors.Wrapf(ErrUnknownAccount, "account %d", accountID)
		}
		return nil, errors.Wrap(err, "load account")
	}

	log := s.log.With(zap.Int64("account_id", accountID), zap.String("provider", account.Provider))

	st, err := s.store.SyncState(ctx, accountID)
	if err != nil {
		return nil, errors.Wrap(err, "load sync state")
	}
	if st == nil {
		st = &SyncState{AccountID: accountID}
	}

	// Drop the pending-push flag before fetching the provider position:
	// everything flagged so far is covered by this pass, and a push that
	// lands after this point re-marks the account for the next batch.
	if st.Dirty {
		if err := s.store.ClearDirty(ctx, accountID); err != nil {
			return nil, errors.Wrap(err, "clear dirty")
		}
		st.Dirty = false
	}

	provider, err := s.connect(ctx, account)
	if err != nil {
		s.recordFailure(ctx, st, err)
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	profile, err := provider.GetProfile(opCtx)
	cancel()
	if err != nil {
		err = errors.Wrap(err, "get profile")
		s.recordFailure(ctx, st, err)
		return nil, err
	}

	res := &Result{AccountID: accountID}

	if st.Cursor == "" {
		res.Applied, err = s.fullResync(ctx, account, provider, st, profile.CurrentCursor)
		res.Resynced = err == nil
	} else {
		res.Applied, err = s.processDelta(ctx, account, provider, st, profile.CurrentCursor)
		if errors.Is(err, ErrHistoryExpired) {
			log.Info("history expired, falling back to full resync", zap.String("cursor", st.Cursor))
			res.Applied, err = s.fullResync(ctx, account, provider, st, profile.CurrentCursor)
			res.Resynced = err == nil
		}
	}
	if err != nil {
		s.recordFailure(ctx, st, err)
		return nil, err
	}

	counts, changed, err := s.reconcileCounts(ctx, account, provider)
	if err != nil {
		s.recordFailure(ctx, st, err)
		return nil, err
	}
	res.Counts = *counts
	res.CountsChanged = changed

	if changed {
		if err := s.broadcaster.Publish(accountID, EventCountsUpdated, counts); err != nil {
			log.Warn("counts broadcast failed", zap.Error(err))
		}
	}

	st.Status = StatusIdle
	st.LastError = ""
	st.LastReconciledAt = s.now()
	if err := s.store.SaveSyncState(ctx, st); err != nil {
		return nil, errors.Wrap(err, "save sync state")
	}

	log.Debug("reconciliation pass complete",
		zap.Int("applied", res.Applied),
		zap.Bool("resynced", res.Resynced),
		zap.Bool("counts_changed", changed))
	return res, nil
}

// connect fetches credentials for the account and builds its provider
// adapter. A rejected credential surfaces as ErrAuthExpired.
func (s *Scheduler) connect(ctx context.Context, account *accounts.Account) (Provider, error) {
	var authProvider auth.Provider
	switch ProviderName(account.Provider) {
	case ProviderGoogle:
		authProvider = auth.ProviderGoogle
	case ProviderMicrosoft:
		authProvider = auth.ProviderMicrosoft
	default:
		return nil, errors.Errorf("unsupported provider %q", account.Provider)
	}

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	token, err := s.tokens.GetToken(opCtx, account.CredentialRef, authProvider)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			return nil, errors.Wrap(ErrAuthExpired, err.Error())
		}
		return nil, errors.Wrap(err, "get token")
	}

	provider, err := s.factory(ctx, account, token)
	if err != nil {
		return nil, errors.Wrap(err, "create provider")
	}
	return provider, nil
}

// recordFailure stores the failed status without touching the cursor
// or the last-reconciled time, so the account stays due for retry.
func (s *Scheduler) recordFailure(ctx context.Context, st *SyncState, passErr error) {
	st.Status = StatusError
	if errors.Is(passErr, ErrAuthExpired) {
		st.Status = StatusAuth
	}
	st.LastError = passErr.Error()
	if err := s.store.SaveSyncState(ctx, st); err != nil {
		s.log.Error("record failure state", zap.Int64("account_id", st.AccountID), zap.Error(err))
	}
}
