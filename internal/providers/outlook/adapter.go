package outlook

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"github.com/pkg/errors"

	"github.com/Mohammed3MG/ainbox/internal/auth"
	"github.com/Mohammed3MG/ainbox/internal/sync"
)

// inboxFolderID is the Graph well-known folder name for the inbox.
const inboxFolderID = "inbox"

const messagesPageSize int32 = 100

// Adapter implements sync.Provider over Microsoft Graph. Delta links
// serve as cursors: each completed delta round yields a fresh link,
// and the engine stores it as an opaque string.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// New creates an Outlook adapter from a fetched OAuth token.
func New(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	cred := &staticTokenCredential{token: tok.AccessToken}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{})
	if err != nil {
		return nil, errors.Wrap(err, "create graph client")
	}

	return &Adapter{client: client}, nil
}

// GetProfile returns the inbox's current delta position. Requesting
// the delta with $deltaToken=latest skips the value pages and hands
// back a link pointing at now.
func (a *Adapter) GetProfile(ctx context.Context) (*sync.Profile, error) {
	adapter := a.client.GetAdapter()
	url := fmt.Sprintf("%s/me/mailFolders/%s/messages/delta?$deltaToken=latest", adapter.GetBaseUrl(), inboxFolderID)

	builder := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(url, adapter)
	resp, err := builder.GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return nil, classify(err, "get delta position")
	}

	link := resp.GetOdataDeltaLink()
	if link == nil || *link == "" {
		return nil, errors.New("delta response missing delta link")
	}
	return &sync.Profile{CurrentCursor: *link}, nil
}

// ListHistory runs one page of the inbox delta query. The cursor is a
// delta link; Graph answers 410 when it is too old to serve, and a
// string that is not a link at all is treated the same way.
//
// Graph only hands out the next delta link on the final page, so
// NextCursor stays empty mid-round and the engine re-runs the whole
// round after a crash. The idempotency guard absorbs the replay.
func (a *Adapter) ListHistory(ctx context.Context, fromCursor, pageToken string) (*sync.HistoryPage, error) {
	link := fromCursor
	if pageToken != "" {
		link = pageToken
	}
	if !strings.HasPrefix(link, "https://") {
		return nil, errors.Wrapf(sync.ErrHistoryExpired, "malformed delta link %q", link)
	}

	builder := users.NewItemMailFoldersItemMessagesDeltaRequestBuilder(link, a.client.GetAdapter())
	resp, err := builder.GetAsDeltaGetResponse(ctx, nil)
	if err != nil {
		return nil, classify(err, "delta query")
	}

	page := &sync.HistoryPage{}
	for _, m := range resp.GetValue() {
		id := ""
		if p := m.GetId(); p != nil {
			id = *p
		}
		if id == "" {
			continue
		}

		if isRemoved(m) {
			// Removals carry no timestamp; the round's own cursor keys
			// them, identical across replays of the same round.
			page.Records = append(page.Records, sync.HistoryRecord{
				Cursor:  fromCursor,
				Changes: []sync.Change{{Kind: sync.ChangeDeleted, MessageID: id}},
			})
			continue
		}

		page.Records = append(page.Records, sync.HistoryRecord{
			Cursor: upsertCursor(m),
			Changes: []sync.Change{{
				Kind:      sync.ChangeAdded,
				MessageID: id,
				Message:   translate(m),
			}},
		})
	}

	if next := resp.GetOdataNextLink(); next != nil && *next != "" {
		page.NextPageToken = *next
	}
	if delta := resp.GetOdataDeltaLink(); delta != nil && *delta != "" {
		page.NextCursor = *delta
	}
	return page, nil
}

// ListRecentMessages lists the newest inbox messages up to limit.
func (a *Adapter) ListRecentMessages(ctx context.Context, limit int) ([]*sync.Message, error) {
	requestConfig := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Top:     int32Ptr(messagesPageSize),
			Select:  []string{"id", "conversationId", "isRead", "categories", "receivedDateTime", "lastModifiedDateTime"},
			Orderby: []string{"receivedDateTime desc"},
		},
	}

	resp, err := a.client.Me().MailFolders().ByMailFolderId(inboxFolderID).Messages().Get(ctx, requestConfig)
	if err != nil {
		return nil, classify(err, "list inbox messages")
	}

	var out []*sync.Message
	for {
		for _, m := range resp.GetValue() {
			if len(out) >= limit {
				return out, nil
			}
			out = append(out, translate(m))
		}

		next := resp.GetOdataNextLink()
		if next == nil || *next == "" {
			return out, nil
		}
		builder := users.NewItemMailFoldersItemMessagesRequestBuilder(*next, a.client.GetAdapter())
		resp, err = builder.Get(ctx, nil)
		if err != nil {
			return nil, classify(err, "list inbox messages")
		}
	}
}

// GetFastCounts reads the inbox folder's item counters.
func (a *Adapter) GetFastCounts(ctx context.Context) (*sync.Counts, error) {
	folder, err := a.client.Me().MailFolders().ByMailFolderId(inboxFolderID).Get(ctx, nil)
	if err != nil {
		return nil, classify(err, "get inbox folder")
	}

	c := &sync.Counts{ComputedAt: time.Now()}
	if total := folder.GetTotalItemCount(); total != nil {
		c.Total = int64(*total)
	}
	if unread := folder.GetUnreadItemCount(); unread != nil {
		c.Unread = int64(*unread)
	}
	return c, nil
}

// translate converts a Graph message to the normalized form. Inbox
// membership and the unread flag become labels, alongside any
// user-assigned categories. Account identity is stamped by the engine.
func translate(m models.Messageable) *sync.Message {
	msg := &sync.Message{
		Unread:   true,
		LabelIDs: []string{sync.InboxLabel},
	}

	if id := m.GetId(); id != nil {
		msg.MessageID = *id
	}
	if convID := m.GetConversationId(); convID != nil {
		msg.ThreadID = *convID
	}
	if read := m.GetIsRead(); read != nil {
		msg.Unread = !*read
	}
	if msg.Unread {
		msg.LabelIDs = append(msg.LabelIDs, sync.UnreadLabel)
	}
	msg.LabelIDs = append(msg.LabelIDs, m.GetCategories()...)
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		msg.InternalDate = *rcvd
	}
	return msg
}

// upsertCursor keys a changed message by its modification time, so a
// replayed page dedupes while a genuinely newer change still applies.
func upsertCursor(m models.Messageable) string {
	if ts := m.GetLastModifiedDateTime(); ts != nil {
		return strconv.FormatInt(ts.Unix(), 10)
	}
	if ts := m.GetReceivedDateTime(); ts != nil {
		return strconv.FormatInt(ts.Unix(), 10)
	}
	return "0"
}

// isRemoved reports whether a delta entry is a deletion marker.
func isRemoved(m models.Messageable) bool {
	_, ok := m.GetAdditionalData()["@removed"]
	return ok
}

// classify maps Graph failures onto the engine's error taxonomy.
func classify(err error, msg string) error {
	var oerr *odataerrors.ODataError
	if errors.As(err, &oerr) {
		switch {
		case oerr.ResponseStatusCode == http.StatusGone:
			return errors.Wrapf(sync.ErrHistoryExpired, "%s: %v", msg, err)
		case oerr.ResponseStatusCode == http.StatusUnauthorized || oerr.ResponseStatusCode == http.StatusForbidden:
			return errors.Wrapf(sync.ErrAuthExpired, "%s: %v", msg, err)
		case oerr.ResponseStatusCode == http.StatusTooManyRequests || oerr.ResponseStatusCode >= 500:
			return errors.Wrapf(sync.ErrProviderUnavailable, "%s: %v", msg, err)
		}
	}
	return errors.Wrap(err, msg)
}

// staticTokenCredential adapts an already-fetched access token to the
// Azure credential interface. The auth service owns refresh.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(1 * time.Hour),
	}, nil
}

func int32Ptr(i int32) *int32 {
	return &i
}
