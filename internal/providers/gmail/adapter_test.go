package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/Mohammed3MG/ainbox/internal/sync"
)

// testAdapter points the generated client at a local server. The
// limiter is unbounded so tests never sleep.
func testAdapter(t *testing.T, handler http.Handler) *Adapter {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	svc, err := gmailapi.NewService(context.Background(),
		option.WithHTTPClient(srv.Client()),
		option.WithEndpoint(srv.URL))
	require.NoError(t, err)

	return &Adapter{svc: svc, limiter: rate.NewLimiter(rate.Inf, 0)}
}

func TestGetProfile(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/profile", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"emailAddress":"user@example.com","historyId":"4821"}`)
	})

	a := testAdapter(t, mux)
	profile, err := a.GetProfile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4821", profile.CurrentCursor)
}

func TestListHistory(t *testing.T) {
	var gotStart string
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		gotStart = r.URL.Query().Get("startHistoryId")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"history": [
				{"id": "101", "messagesAdded": [{"message": {"id": "m2", "threadId": "t2"}}]},
				{"id": "103", "labelsRemoved": [{"message": {"id": "m1"}, "labelIds": ["UNREAD"]}]}
			],
			"historyId": "105"
		}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"m2","threadId":"t2","labelIds":["INBOX","UNREAD"],"internalDate":"1756200000123"}`)
	})

	a := testAdapter(t, mux)
	page, err := a.ListHistory(context.Background(), "100", "")
	require.NoError(t, err)

	assert.Equal(t, "100", gotStart)
	assert.Equal(t, "103", page.NextCursor, "cursor is the highest record id on the page")
	assert.Empty(t, page.NextPageToken)
	require.Len(t, page.Records, 2)

	added := page.Records[0]
	assert.Equal(t, "101", added.Cursor)
	require.Len(t, added.Changes, 1)
	assert.Equal(t, sync.ChangeAdded, added.Changes[0].Kind)
	assert.Equal(t, "m2", added.Changes[0].MessageID)
	require.NotNil(t, added.Changes[0].Message)
	assert.True(t, added.Changes[0].Message.Unread)

	removed := page.Records[1]
	assert.Equal(t, "103", removed.Cursor)
	require.Len(t, removed.Changes, 1)
	assert.Equal(t, sync.ChangeLabelRemoved, removed.Changes[0].Kind)
	assert.Equal(t, []string{sync.UnreadLabel}, removed.Changes[0].LabelIDs)
}

func TestListHistoryDropsVanishedMessage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"history":[{"id":"101","messagesAdded":[{"message":{"id":"gone"}}]}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})

	a := testAdapter(t, mux)
	page, err := a.ListHistory(context.Background(), "100", "")
	require.NoError(t, err)

	assert.Empty(t, page.Records, "the deletion arrives later in the feed")
	assert.Equal(t, "101", page.NextCursor)
}

func TestListHistoryExpired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "startHistoryId too old", http.StatusNotFound)
	})

	a := testAdapter(t, mux)
	_, err := a.ListHistory(context.Background(), "100", "")
	assert.ErrorIs(t, err, sync.ErrHistoryExpired)
}

func TestListHistoryMalformedCursor(t *testing.T) {
	a := testAdapter(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s", r.URL)
	}))

	_, err := a.ListHistory(context.Background(), "not-a-history-id", "")
	assert.ErrorIs(t, err, sync.ErrHistoryExpired)
}

func TestListRecentMessages(t *testing.T) {
	getCalls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"messages":[{"id":"m1"},{"id":"m2"}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		getCalls++
		id := r.URL.Path[len("/gmail/v1/users/me/messages/"):]
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q,"threadId":"t1","labelIds":["INBOX"],"internalDate":"1756200000000"}`, id)
	})

	a := testAdapter(t, mux)

	msgs, err := a.ListRecentMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].MessageID)
	assert.False(t, msgs[0].Unread)
	assert.Equal(t, 2, getCalls)

	getCalls = 0
	msgs, err = a.ListRecentMessages(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, getCalls, "the cap stops metadata fetches, not just output")
}

func TestListRecentMessagesSkipsVanished(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/messages", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"messages":[{"id":"gone"},{"id":"m2"}]}`)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/gone", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/m2", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"m2","threadId":"t2","labelIds":["INBOX"],"internalDate":"1756200000000"}`)
	})

	a := testAdapter(t, mux)
	msgs, err := a.ListRecentMessages(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m2", msgs[0].MessageID)
}

func TestGetFastCounts(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/labels/INBOX", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"INBOX","messagesTotal":40,"messagesUnread":7}`)
	})

	a := testAdapter(t, mux)
	counts, err := a.GetFastCounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), counts.Unread)
	assert.Equal(t, int64(40), counts.Total)
}

func TestTranslate(t *testing.T) {
	m := &gmailapi.Message{
		Id:           "m1",
		ThreadId:     "t1",
		LabelIds:     []string{"INBOX", "UNREAD"},
		InternalDate: 1756200000123,
	}

	got := translate(m)
	assert.Equal(t, "m1", got.MessageID)
	assert.Equal(t, "t1", got.ThreadID)
	assert.True(t, got.Unread)
	assert.Equal(t, int64(1756200000123), got.InternalDate.UnixMilli())

	read := translate(&gmailapi.Message{Id: "m2", LabelIds: []string{"INBOX"}})
	assert.False(t, read.Unread)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		code int
		want error
	}{
		{"unauthorized", http.StatusUnauthorized, sync.ErrAuthExpired},
		{"forbidden", http.StatusForbidden, sync.ErrAuthExpired},
		{"rate limited", http.StatusTooManyRequests, sync.ErrProviderUnavailable},
		{"backend unavailable", http.StatusServiceUnavailable, sync.ErrProviderUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify(&googleapi.Error{Code: tc.code}, "op")
			assert.ErrorIs(t, err, tc.want)
		})
	}

	plain := classify(errors.New("connection reset"), "op")
	assert.False(t, errors.Is(plain, sync.ErrAuthExpired))
	assert.False(t, errors.Is(plain, sync.ErrProviderUnavailable))
}

func TestRateLimiterBurst(t *testing.T) {
	a := &Adapter{limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst)}

	// A full burst is available immediately; the next unit is not.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, a.limiter.WaitN(ctx, rateLimitBurst))
	assert.Error(t, a.limiter.WaitN(ctx, rateLimitBurst), "burst exhausted within the window")
}
