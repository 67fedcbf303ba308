package sync

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Mohammed3MG/ainbox/internal/accounts"
)

// reconcileCounts merges the provider's fast counters with the
// mirror's own inbox aggregate. Each field takes the larger source,
// the merge is clamped to unread <= total, and changed reports whether
// the result differs from the last saved value.
func (s *Scheduler) reconcileCounts(ctx context.Context, account *accounts.Account, provider Provider) (*Counts, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	remote, err := provider.GetFastCounts(opCtx)
	cancel()
	if err != nil {
		return nil, false, errors.Wrap(err, "fast counts")
	}

	local, err := s.store.AggregateCounts(ctx, account.ID, InboxLabel)
	if err != nil {
		return nil, false, errors.Wrap(err, "aggregate counts")
	}

	merged := &Counts{
		Unread:     max(remote.Unread, local.Unread),
		Total:      max(remote.Total, local.Total),
		ComputedAt: s.now(),
	}
	if merged.Unread > merged.Total {
		s.log.Warn("clamping unread above total",
			zap.Int64("account_id", account.ID),
			zap.Int64("unread", merged.Unread),
			zap.Int64("total", merged.Total))
		merged.Unread = merged.Total
	}

	cached, err := s.store.CachedCounts(ctx, account.ID)
	if err != nil {
		return nil, false, errors.Wrap(err, "cached counts")
	}

	changed := cached == nil || cached.Unread != merged.Unread || cached.Total != merged.Total
	if changed {
		if err := s.store.SaveCounts(ctx, account.ID, merged); err != nil {
			return nil, false, errors.Wrap(err, "save counts")
		}
	}
	return merged, changed, nil
}
