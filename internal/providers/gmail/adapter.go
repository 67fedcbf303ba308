package gmail

import (
	"context"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Mohammed3MG/ainbox/internal/auth"
	"github.com/Mohammed3MG/ainbox/internal/sync"
)

// Gmail API quota units per operation, from the published usage
// limits. The limiter spends units before each call so sustained
// throughput stays under the per-user quota.
const (
	quotaUnitsMessagesGet  = 5
	quotaUnitsGetProfile   = 2
	quotaUnitsHistoryList  = 2
	quotaUnitsMessagesList = 1
	quotaUnitsLabelsGet    = 1

	// Gmail allows 250 quota units per user per second; run at 80% to
	// leave headroom for other consumers of the same quota.
	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond

	historyPageSize  = 100
	messagesPageSize = 100
)

// errMessageNotFound marks a message that vanished between a history
// record and the metadata fetch. Callers drop the change; the deletion
// follows in the same feed.
var errMessageNotFound = errors.New("message not found")

// Adapter implements sync.Provider over the Gmail REST API. History
// IDs serve as cursors, rendered as decimal strings; the engine treats
// them as opaque.
type Adapter struct {
	svc     *gmail.Service
	limiter *rate.Limiter
}

// New creates a Gmail adapter from a fetched OAuth token.
func New(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	oauth2Token := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}

	config := &oauth2.Config{
		Scopes: []string{gmail.GmailReadonlyScope},
	}

	httpClient := config.Client(ctx, oauth2Token)

	svc, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, errors.Wrap(err, "create gmail service")
	}

	return &Adapter{
		svc:     svc,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}, nil
}

// GetProfile reports the mailbox's current history position.
func (a *Adapter) GetProfile(ctx context.Context) (*sync.Profile, error) {
	if err := a.limiter.WaitN(ctx, quotaUnitsGetProfile); err != nil {
		return nil, err
	}

	profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "get profile")
	}
	return &sync.Profile{CurrentCursor: strconv.FormatUint(profile.HistoryId, 10)}, nil
}

// ListHistory returns one page of history records after fromCursor.
// Gmail keeps history for roughly a week; an expired or malformed
// cursor surfaces as sync.ErrHistoryExpired.
func (a *Adapter) ListHistory(ctx context.Context, fromCursor, pageToken string) (*sync.HistoryPage, error) {
	startID, err := strconv.ParseUint(fromCursor, 10, 64)
	if err != nil {
		return nil, errors.Wrapf(sync.ErrHistoryExpired, "malformed cursor %q", fromCursor)
	}

	if err := a.limiter.WaitN(ctx, quotaUnitsHistoryList); err != nil {
		return nil, err
	}

	call := a.svc.Users.History.List("me").
		StartHistoryId(startID).
		HistoryTypes("messageAdded", "messageDeleted", "labelAdded", "labelRemoved").
		MaxResults(historyPageSize).
		Context(ctx)
	if pageToken != "" {
		call = call.PageToken(pageToken)
	}

	resp, err := call.Do()
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrapf(sync.ErrHistoryExpired, "history %s gone", fromCursor)
		}
		return nil, classify(err, "list history")
	}

	page := &sync.HistoryPage{NextPageToken: resp.NextPageToken}
	var maxID uint64
	for _, h := range resp.History {
		if h.Id > maxID {
			maxID = h.Id
		}
		rec, err := a.translateRecord(ctx, h)
		if err != nil {
			return nil, err
		}
		if len(rec.Changes) > 0 {
			page.Records = append(page.Records, rec)
		}
	}
	if maxID > 0 {
		page.NextCursor = strconv.FormatUint(maxID, 10)
	}
	return page, nil
}

// ListRecentMessages lists the newest messages up to limit, excluding
// spam and trash. Gmail's list endpoint returns newest first.
func (a *Adapter) ListRecentMessages(ctx context.Context, limit int) ([]*sync.Message, error) {
	var out []*sync.Message
	pageToken := ""

	for len(out) < limit {
		if err := a.limiter.WaitN(ctx, quotaUnitsMessagesList); err != nil {
			return nil, err
		}

		call := a.svc.Users.Messages.List("me").
			IncludeSpamTrash(false).
			MaxResults(messagesPageSize).
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, classify(err, "list messages")
		}

		for _, m := range resp.Messages {
			if len(out) >= limit {
				break
			}
			msg, err := a.getMessage(ctx, m.Id)
			if errors.Is(err, errMessageNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, msg)
		}

		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}
	return out, nil
}

// GetFastCounts reads the inbox label's counters. One quota unit, no
// listing.
func (a *Adapter) GetFastCounts(ctx context.Context) (*sync.Counts, error) {
	if err := a.limiter.WaitN(ctx, quotaUnitsLabelsGet); err != nil {
		return nil, err
	}

	label, err := a.svc.Users.Labels.Get("me", sync.InboxLabel).Context(ctx).Do()
	if err != nil {
		return nil, classify(err, "get inbox label")
	}
	return &sync.Counts{
		Unread:     label.MessagesUnread,
		Total:      label.MessagesTotal,
		ComputedAt: time.Now(),
	}, nil
}

// translateRecord converts one Gmail history entry. Added messages are
// re-fetched for their metadata.
func (a *Adapter) translateRecord(ctx context.Context, h *gmail.History) (sync.HistoryRecord, error) {
	rec := sync.HistoryRecord{Cursor: strconv.FormatUint(h.Id, 10)}

	for _, ma := range h.MessagesAdded {
		msg, err := a.getMessage(ctx, ma.Message.Id)
		if errors.Is(err, errMessageNotFound) {
			continue
		}
		if err != nil {
			return rec, err
		}
		rec.Changes = append(rec.Changes, sync.Change{
			Kind:      sync.ChangeAdded,
			MessageID: ma.Message.Id,
			Message:   msg,
		})
	}
	for _, md := range h.MessagesDeleted {
		rec.Changes = append(rec.Changes, sync.Change{
			Kind:      sync.ChangeDeleted,
			MessageID: md.Message.Id,
		})
	}
	for _, la := range h.LabelsAdded {
		rec.Changes = append(rec.Changes, sync.Change{
			Kind:      sync.ChangeLabelAdded,
			MessageID: la.Message.Id,
			LabelIDs:  la.LabelIds,
		})
	}
	for _, lr := range h.LabelsRemoved {
		rec.Changes = append(rec.Changes, sync.Change{
			Kind:      sync.ChangeLabelRemoved,
			MessageID: lr.Message.Id,
			LabelIDs:  lr.LabelIds,
		})
	}
	return rec, nil
}

// getMessage fetches metadata only, never the body.
func (a *Adapter) getMessage(ctx context.Context, id string) (*sync.Message, error) {
	if err := a.limiter.WaitN(ctx, quotaUnitsMessagesGet); err != nil {
		return nil, err
	}

	m, err := a.svc.Users.Messages.Get("me", id).Format("metadata").Context(ctx).Do()
	if err != nil {
		if isNotFound(err) {
			return nil, errors.Wrapf(errMessageNotFound, "message %s", id)
		}
		return nil, classify(err, "get message")
	}
	return translate(m), nil
}

// translate converts a Gmail message to the normalized form. Account
// identity is stamped by the engine.
func translate(m *gmail.Message) *sync.Message {
	return &sync.Message{
		MessageID:    m.Id,
		ThreadID:     m.ThreadId,
		Unread:       slices.Contains(m.LabelIds, sync.UnreadLabel),
		LabelIDs:     m.LabelIds,
		InternalDate: time.UnixMilli(m.InternalDate),
	}
}

// classify maps Gmail API failures onto the engine's error taxonomy.
func classify(err error, msg string) error {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == http.StatusUnauthorized || gerr.Code == http.StatusForbidden:
			return errors.Wrapf(sync.ErrAuthExpired, "%s: %v", msg, err)
		case gerr.Code == http.StatusTooManyRequests || gerr.Code >= 500:
			return errors.Wrapf(sync.ErrProviderUnavailable, "%s: %v", msg, err)
		}
	}
	return errors.Wrap(err, msg)
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
