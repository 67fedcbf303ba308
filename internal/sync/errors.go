package sync

import "github.com/pkg/errors"

// Error taxonomy. Adapters and the engine wrap these sentinels so
// callers can branch with errors.Is.
var (
	// ErrBusy means a reconciliation pass already holds the account.
	// On-demand triggers get it immediately instead of queueing.
	ErrBusy = errors.New("reconciliation already running")

	// ErrHistoryExpired means the provider no longer recognizes the
	// stored cursor. The pass falls back to a full resync.
	ErrHistoryExpired = errors.New("history cursor expired")

	// ErrAuthExpired means the account's credentials were rejected.
	// The account is skipped until the credential is relinked.
	ErrAuthExpired = errors.New("provider credentials expired")

	// ErrProviderUnavailable marks transient provider failures. The
	// account retries on a later tick.
	ErrProviderUnavailable = errors.New("provider unavailable")

	// ErrUnknownAccount means the registry holds no such account.
	ErrUnknownAccount = errors.New("unknown account")
)
