package telegram

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

type recordingSink struct {
	events  chan domain.InboundEvent
	updates chan domain.ConnectionUpdate
}

func newSink() *recordingSink {
	return &recordingSink{
		events:  make(chan domain.InboundEvent, 8),
		updates: make(chan domain.ConnectionUpdate, 8),
	}
}

func (r *recordingSink) PublishEvent(evt domain.InboundEvent)       { r.events <- evt }
func (r *recordingSink) PublishUpdate(upd domain.ConnectionUpdate) { r.updates <- upd }

// fakeAPI answers Bot API methods by name.
type fakeAPI struct {
	mu       sync.Mutex
	getMe    string
	updates  []string // served once each, in order
	sent     []map[string]string
	polls    int
	pollFail string
	// sendDelay holds sendMessage replies until the request is abandoned
	// or the delay passes.
	sendDelay time.Duration
}

func (f *fakeAPI) handler(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Path[strings.LastIndex(r.URL.Path, "/")+1:]
	f.mu.Lock()
	defer f.mu.Unlock()

	switch method {
	case "getMe":
		io.WriteString(w, f.getMe)
	case "getUpdates":
		f.polls++
		if f.pollFail != "" && f.polls > 1 {
			io.WriteString(w, f.pollFail)
			return
		}
		if len(f.updates) > 0 {
			body := f.updates[0]
			f.updates = f.updates[1:]
			io.WriteString(w, body)
			return
		}
		f.mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		f.mu.Lock()
		io.WriteString(w, `{"ok":true,"result":[]}`)
	case "sendMessage", "sendDocument":
		if f.sendDelay > 0 {
			f.mu.Unlock()
			select {
			case <-r.Context().Done():
			case <-time.After(f.sendDelay):
			}
			f.mu.Lock()
		}
		if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
			_ = r.ParseMultipartForm(1 << 20)
		} else {
			_ = r.ParseForm()
		}
		rec := map[string]string{"method": method}
		for k, v := range r.Form {
			rec[k] = v[0]
		}
		f.sent = append(f.sent, rec)
		io.WriteString(w, `{"ok":true,"result":{"message_id":100,"date":0,"chat":{"id":1,"type":"private"}}}`)
	default:
		io.WriteString(w, `{"ok":false,"error_code":404,"description":"Not Found"}`)
	}
}

const okMe = `{"ok":true,"result":{"id":99,"is_bot":true,"first_name":"Relay","username":"RelayBot"}}`

func start(t *testing.T, api *fakeAPI) (domain.Session, *recordingSink) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	t.Cleanup(srv.Close)

	tr := New(Config{Token: "tok", APIEndpoint: srv.URL + "/bot%s/%s", PollTimeout: 1, Logger: zerolog.Nop()})
	sink := newSink()
	sess, err := tr.Initialize(context.Background(), nil, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Terminate() })

	assert.Equal(t, domain.StateConnecting, (<-sink.updates).State)
	assert.Equal(t, domain.StateOpen, (<-sink.updates).State)
	return sess, sink
}

func TestInitialize_SelfID(t *testing.T) {
	sess, _ := start(t, &fakeAPI{getMe: okMe})
	assert.Equal(t, "relaybot", sess.SelfID())
}

func TestInitialize_Unauthorized(t *testing.T) {
	api := &fakeAPI{getMe: `{"ok":false,"error_code":401,"description":"Unauthorized"}`}
	srv := httptest.NewServer(http.HandlerFunc(api.handler))
	defer srv.Close()

	tr := New(Config{Token: "bad", APIEndpoint: srv.URL + "/bot%s/%s", Logger: zerolog.Nop()})
	_, err := tr.Initialize(context.Background(), nil, newSink())

	var tce *domain.TransportCloseError
	require.True(t, errors.As(err, &tce))
	assert.Equal(t, domain.ReasonUnrecognized, tce.Reason)
	assert.Equal(t, 401, tce.Code)
}

func TestPoll_GroupMention(t *testing.T) {
	api := &fakeAPI{getMe: okMe, updates: []string{`{"ok":true,"result":[{"update_id":7,"message":{
		"message_id":42,"date":1714550400,
		"from":{"id":5,"first_name":"Sari","last_name":"W","username":"sari"},
		"chat":{"id":-100123,"type":"supergroup","title":"Ops"},
		"text":"@RelayBot stok hari ini?",
		"entities":[{"type":"mention","offset":0,"length":9}]}}]}`}}
	_, sink := start(t, api)

	select {
	case evt := <-sink.events:
		assert.Equal(t, "42", evt.ID)
		assert.Equal(t, "-100123", evt.ChatID)
		assert.Equal(t, "sari", evt.SenderID)
		assert.Equal(t, "Sari W", evt.SenderName)
		assert.True(t, evt.IsGroup)
		assert.False(t, evt.IsFromSelf)
		assert.Equal(t, []string{"relaybot"}, evt.MentionedIDs)
		assert.Equal(t, time.Unix(1714550400, 0), evt.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}
}

func TestPoll_ConflictClosesSession(t *testing.T) {
	api := &fakeAPI{
		getMe:    okMe,
		pollFail: `{"ok":false,"error_code":409,"description":"Conflict: terminated by other getUpdates request"}`,
	}
	_, sink := start(t, api)

	select {
	case upd := <-sink.updates:
		assert.Equal(t, domain.StateClosed, upd.State)
		assert.Equal(t, domain.ReasonConnectionReplaced, upd.Reason)
		assert.Equal(t, 409, upd.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("no close update")
	}
}

func TestSend_QuotesAndSplits(t *testing.T) {
	api := &fakeAPI{getMe: okMe}
	sess, _ := start(t, api)

	long := strings.Repeat("a", maxMessageLen) + "b"
	err := sess.Send(context.Background(), "12345", domain.OutboundContent{Text: long},
		domain.SendOptions{Quote: &domain.InboundEvent{ID: "42"}})
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.sent, 2)
	assert.Equal(t, "12345", api.sent[0]["chat_id"])
	assert.Equal(t, "42", api.sent[0]["reply_to_message_id"])
	assert.Empty(t, api.sent[1]["reply_to_message_id"])
	assert.Equal(t, "b", api.sent[1]["text"])
}

func TestSend_Document(t *testing.T) {
	api := &fakeAPI{getMe: okMe}
	sess, _ := start(t, api)

	err := sess.Send(context.Background(), "12345", domain.OutboundContent{Document: &domain.OutboundDocument{
		FileName: "Rekon.html", MimeType: "text/html", Caption: "Hasil", Data: []byte("<html/>"),
	}}, domain.SendOptions{})
	require.NoError(t, err)

	api.mu.Lock()
	defer api.mu.Unlock()
	require.Len(t, api.sent, 1)
	assert.Equal(t, "sendDocument", api.sent[0]["method"])
	assert.Equal(t, "Hasil", api.sent[0]["caption"])
}

func TestSend_HonorsCallerDeadline(t *testing.T) {
	api := &fakeAPI{getMe: okMe, sendDelay: 5 * time.Second}
	sess, _ := start(t, api)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err := sess.Send(ctx, "12345", domain.OutboundContent{Text: "halo"}, domain.SendOptions{})
	require.Error(t, err)
	assert.Less(t, time.Since(begin), 2*time.Second)
}

func TestSend_InvalidChat(t *testing.T) {
	sess, _ := start(t, &fakeAPI{getMe: okMe})
	assert.Error(t, sess.Send(context.Background(), "not-a-number", domain.OutboundContent{Text: "x"}, domain.SendOptions{}))
}

func TestUnsupportedOperations(t *testing.T) {
	sess, _ := start(t, &fakeAPI{getMe: okMe})
	assert.ErrorIs(t, sess.MarkRead(context.Background(), domain.InboundEvent{}), domain.ErrUnsupported)
	_, err := sess.FetchGroups(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnsupported)
}

func TestMentions_UTF16Offsets(t *testing.T) {
	text := "😀 @RelayBot hi"
	entities := []tgbotapi.MessageEntity{{Type: "mention", Offset: 3, Length: 9}}
	assert.Equal(t, []string{"relaybot"}, mentions(text, entities))

	entities = []tgbotapi.MessageEntity{{Type: "text_mention", User: &tgbotapi.User{ID: 7}}}
	assert.Equal(t, []string{"7"}, mentions("Budi", entities))

	assert.Nil(t, mentions("x", []tgbotapi.MessageEntity{{Type: "mention", Offset: 5, Length: 3}}))
}

func TestSplit(t *testing.T) {
	assert.Equal(t, []string{"abc"}, split("abc", 10))
	assert.Equal(t, []string{"aaaa\n", "bb"}, split("aaaa\nbb", 6))
	assert.Equal(t, []string{"abcd", "ef"}, split("abcdef", 4))
}
