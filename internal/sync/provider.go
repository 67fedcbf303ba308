package sync

import (
	"context"
	"time"

	"github.com/Mohammed3MG/ainbox/internal/accounts"
	"github.com/Mohammed3MG/ainbox/internal/auth"
)

// ProviderName represents email provider types.
type ProviderName string

const (
	ProviderGoogle    ProviderName = "GOOGLE"
	ProviderMicrosoft ProviderName = "MICROSOFT"
)

// UnreadLabel is the provider-neutral label marking a message unread.
// Adapters normalize their provider's read flag onto it.
const UnreadLabel = "UNREAD"

// InboxLabel is the provider-neutral label for inbox membership.
// Counts are scoped to it on both the remote and mirror side.
const InboxLabel = "INBOX"

// Message is normalized mailbox message metadata. Bodies stay with the
// provider; the mirror only tracks existence, flags and labels.
type Message struct {
	AccountID    int64        `json:"account_id"`
	Provider     ProviderName `json:"provider"`
	MessageID    string       `json:"message_id"` // provider ID (Gmail: Id, Outlook: id)
	ThreadID     string       `json:"thread_id"`  // provider thread/conversation id
	Unread       bool         `json:"unread"`
	LabelIDs     []string     `json:"label_ids"`
	InternalDate time.Time    `json:"internal_date"`
}

// ChangeKind classifies a mailbox history change.
type ChangeKind string

const (
	ChangeAdded        ChangeKind = "added"
	ChangeDeleted      ChangeKind = "deleted"
	ChangeLabelAdded   ChangeKind = "label-added"
	ChangeLabelRemoved ChangeKind = "label-removed"
)

// Change is one mutation from a provider's history feed.
type Change struct {
	Kind      ChangeKind
	MessageID string
	// LabelIDs carries the labels for label-added / label-removed.
	LabelIDs []string
	// Message carries the full metadata for added changes.
	Message *Message
}

// HistoryRecord groups the changes delivered at one cursor position.
// The record cursor is the idempotency-key component that makes
// redelivered history harmless.
type HistoryRecord struct {
	Cursor  string
	Changes []Change
}

// HistoryPage is one page of a provider's history feed.
type HistoryPage struct {
	Records []HistoryRecord
	// NextPageToken continues pagination within the same delta;
	// empty when the feed is exhausted.
	NextPageToken string
	// NextCursor is the position to persist once this page's records
	// are durably applied. Empty when the page moved nothing.
	NextCursor string
}

// Profile is the provider's view of the mailbox right now.
type Profile struct {
	// CurrentCursor is the provider's present history position. It is
	// opaque: the engine stores it and compares it for equality only.
	CurrentCursor string
}

// Counts are the authoritative unread/total numbers for a mailbox.
type Counts struct {
	Unread     int64     `json:"unread"`
	Total      int64     `json:"total"`
	ComputedAt time.Time `json:"computed_at"`
}

// IdempotencyKey identifies one applied change. Its uniqueness makes
// duplicate delivery a no-op.
type IdempotencyKey struct {
	AccountID int64
	Cursor    string
	MessageID string
	Kind      ChangeKind
}

// Provider is the provider-agnostic contract the engine syncs through.
// Adapters classify provider failures into this package's error
// taxonomy.
type Provider interface {
	// GetProfile reports the provider's current history position.
	GetProfile(ctx context.Context) (*Profile, error)

	// ListHistory returns one page of changes after fromCursor. It
	// returns ErrHistoryExpired when the provider no longer recognizes
	// the cursor.
	ListHistory(ctx context.Context, fromCursor, pageToken string) (*HistoryPage, error)

	// ListRecentMessages lists the most recent messages, newest first,
	// capped at max. Full resync is built on it.
	ListRecentMessages(ctx context.Context, max int) ([]*Message, error)

	// GetFastCounts returns the provider's cheap inbox counters.
	GetFastCounts(ctx context.Context) (*Counts, error)
}

// Factory creates a Provider for an account using a fetched token.
type Factory func(ctx context.Context, account *accounts.Account, token *auth.Token) (Provider, error)

// TokenSource fetches provider credentials. *auth.TokenClient
// implements it; tests substitute their own.
type TokenSource interface {
	GetToken(ctx context.Context, credentialRef string, provider auth.Provider) (*auth.Token, error)
}

// Broadcaster publishes mailbox change events. Delivery is at least
// once; the engine does not process acknowledgments.
type Broadcaster interface {
	Publish(accountID int64, kind string, payload interface{}) error
}

// Broadcast event kinds.
const (
	EventMessageAdded   = "message.added"
	EventMessageDeleted = "message.deleted"
	EventLabelsAdded    = "message.labels.added"
	EventLabelsRemoved  = "message.labels.removed"
	EventCountsUpdated  = "counts.updated"
)

// ChangeEvent is the payload broadcast for an applied history change.
type ChangeEvent struct {
	MessageID string   `json:"message_id"`
	Cursor    string   `json:"cursor"`
	LabelIDs  []string `json:"label_ids,omitempty"`
}

func eventKind(kind ChangeKind) string {
	switch kind {
	case ChangeAdded:
		return EventMessageAdded
	case ChangeDeleted:
		return EventMessageDeleted
	case ChangeLabelAdded:
		return EventLabelsAdded
	case ChangeLabelRemoved:
		return EventLabelsRemoved
	}
	return "message.changed"
}
