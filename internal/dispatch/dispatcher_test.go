package dispatch

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

type sent struct {
	to      string
	content domain.OutboundContent
	quoted  string
}

type fakeSession struct {
	mu      sync.Mutex
	calls   []string // ordered side effects
	sent    []sent
	sendErr error
}

func (s *fakeSession) SelfID() string { return "628999@s.whatsapp.net" }

func (s *fakeSession) Send(_ context.Context, to string, c domain.OutboundContent, opts domain.SendOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "send")
	quoted := ""
	if opts.Quote != nil {
		quoted = opts.Quote.ID
	}
	s.sent = append(s.sent, sent{to: to, content: c, quoted: quoted})
	return s.sendErr
}

func (s *fakeSession) MarkRead(context.Context, domain.InboundEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "read")
	return nil
}

func (s *fakeSession) FetchGroups(context.Context) ([]domain.Group, error) { return nil, nil }
func (s *fakeSession) Terminate() error                                    { return nil }

type fakeBackend struct {
	session *fakeSession
	asked   []string
	result  domain.AnswerResult
	err     error
	report  []byte
	repErr  error
	reports int
}

func (b *fakeBackend) Ask(_ context.Context, text string) (domain.AnswerResult, error) {
	b.session.mu.Lock()
	b.session.calls = append(b.session.calls, "ask")
	b.session.mu.Unlock()
	b.asked = append(b.asked, text)
	return b.result, b.err
}

func (b *fakeBackend) FetchReport(context.Context) ([]byte, error) {
	b.reports++
	return b.report, b.repErr
}

type fakeLog struct {
	session *fakeSession
	recs    []domain.LogRecord
	err     error
}

func (l *fakeLog) Write(_ context.Context, rec domain.LogRecord) error {
	l.session.mu.Lock()
	l.session.calls = append(l.session.calls, "log")
	l.session.mu.Unlock()
	l.recs = append(l.recs, rec)
	return l.err
}

type fakeRenderer struct {
	pdf []byte
	err error
}

func (r fakeRenderer) RenderPDF(context.Context, []byte) ([]byte, error) { return r.pdf, r.err }

var fixedNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	d       *Dispatcher
	session *fakeSession
	backend *fakeBackend
	log     *fakeLog
	dir     string
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	sess := &fakeSession{}
	f := &fixture{
		session: sess,
		backend: &fakeBackend{session: sess},
		log:     &fakeLog{session: sess},
		dir:     t.TempDir(),
	}
	cfg := Config{
		Answerer:    f.backend,
		Reports:     f.backend,
		ConvLog:     f.log,
		Report:      ReportOptions{Command: DefaultReportCommand},
		DownloadDir: f.dir,
		Now:         func() time.Time { return fixedNow },
		Logger:      zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	d, err := New(cfg)
	require.NoError(t, err)
	f.d = d
	return f
}

func directEvent(text string) domain.InboundEvent {
	return domain.InboundEvent{
		ID:         "MSG1",
		ChatID:     "628123@s.whatsapp.net",
		SenderID:   "628123@s.whatsapp.net",
		SenderName: "Budi",
		Text:       text,
	}
}

func TestDispatch_GroupMentionAnswered(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.result = domain.AnswerResult{Text: "X is Y", ReferenceIndex: "42", OK: true}

	evt := domain.InboundEvent{
		ID:         "G1",
		ChatID:     "1203@g.us",
		SenderID:   "628555@s.whatsapp.net",
		SenderName: "Sari",
		IsGroup:    true,
		Text:       "@628999 What is X?",
	}
	rec, err := f.d.Dispatch(context.Background(), f.session, domain.GroupMention("What is X?"), evt)
	require.NoError(t, err)

	assert.Equal(t, []string{"What is X?"}, f.backend.asked)
	require.Len(t, f.session.sent, 1)
	assert.Equal(t, sent{to: "1203@g.us", content: domain.OutboundContent{Text: "X is Y"}, quoted: "G1"}, f.session.sent[0])

	want := domain.LogRecord{
		ClientName:     "Sari",
		PhoneNumber:    "628555",
		Question:       "What is X?",
		Answer:         "X is Y",
		ReferenceIndex: "42",
		Timestamp:      fixedNow,
	}
	require.NotNil(t, rec)
	assert.Equal(t, want, *rec)
	assert.Equal(t, []domain.LogRecord{want}, f.log.recs)
	assert.Equal(t, []string{"read", "ask", "send", "log"}, f.session.calls)
}

func TestDispatch_BackendFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.err = &domain.BackendError{Kind: domain.BackendStatus, StatusCode: 500}

	rec, err := f.d.Dispatch(context.Background(), f.session, domain.DirectText("halo"), directEvent("halo"))
	require.NoError(t, err)

	require.Len(t, f.session.sent, 1)
	assert.Equal(t, DefaultFailureText, f.session.sent[0].content.Text)
	require.Len(t, f.log.recs, 1)
	assert.Equal(t, domain.BackendFailureMarker, f.log.recs[0].Answer)
	assert.Equal(t, domain.BackendFailureMarker, rec.Answer)
	assert.Equal(t, []string{"read", "ask", "send", "log"}, f.session.calls)
}

func TestDispatch_UndeliveredAnswer(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.result = domain.AnswerResult{Text: "jawaban", ReferenceIndex: "7", OK: true}
	f.session.sendErr = errors.New("socket closed")

	rec, err := f.d.Dispatch(context.Background(), f.session, domain.DirectText("tanya"), directEvent("tanya"))
	require.Error(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, domain.UndeliveredMarker, rec.Answer)
	require.Len(t, f.log.recs, 1)
	assert.NotEqual(t, "jawaban", f.log.recs[0].Answer)
}

func TestDispatch_EmptyTextSendsFallback(t *testing.T) {
	for _, text := range []string{"", "   "} {
		f := newFixture(t, nil)
		rec, err := f.d.Dispatch(context.Background(), f.session, domain.DirectText(text), directEvent(text))
		require.NoError(t, err)

		assert.Nil(t, rec)
		assert.Empty(t, f.backend.asked)
		assert.Empty(t, f.log.recs)
		require.Len(t, f.session.sent, 1)
		assert.Equal(t, DefaultFallbackText, f.session.sent[0].content.Text)
		assert.Empty(t, f.session.sent[0].quoted)
	}
}

func TestDispatch_GroupMentionWithoutText(t *testing.T) {
	f := newFixture(t, nil)
	evt := domain.InboundEvent{ID: "G2", ChatID: "1203@g.us", IsGroup: true}

	rec, err := f.d.Dispatch(context.Background(), f.session, domain.GroupMention(""), evt)
	require.NoError(t, err)
	assert.Nil(t, rec)
	require.Len(t, f.session.sent, 1)
	assert.Equal(t, "1203@g.us", f.session.sent[0].to)
	assert.Equal(t, DefaultFallbackText, f.session.sent[0].content.Text)
}

func TestDispatch_StripsEmoji(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StripEmoji = true })
	f.backend.result = domain.AnswerResult{Text: "ok", OK: true}

	rec, err := f.d.Dispatch(context.Background(), f.session, domain.DirectText("Halo 😀 apa kabar? 👍"), directEvent(""))
	require.NoError(t, err)
	assert.Equal(t, []string{"Halo  apa kabar?"}, f.backend.asked)
	assert.Equal(t, "Halo  apa kabar?", rec.Question)
}

func TestDispatch_OnlyEmojiIsEmpty(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.StripEmoji = true })
	rec, err := f.d.Dispatch(context.Background(), f.session, domain.DirectText("🙏🙏"), directEvent("🙏🙏"))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, f.backend.asked)
}

func TestDispatch_LoggerFailureDoesNotFailReply(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.result = domain.AnswerResult{Text: "ok", OK: true}
	f.log.err = errors.New("database locked")

	rec, err := f.d.Dispatch(context.Background(), f.session, domain.DirectText("q"), directEvent("q"))
	require.NoError(t, err)
	assert.Equal(t, "ok", rec.Answer)
	assert.Len(t, f.session.sent, 1)
}

func TestDispatch_IgnoreOnlyMarksRead(t *testing.T) {
	f := newFixture(t, nil)
	rec, err := f.d.Dispatch(context.Background(), f.session, domain.Ignore(), directEvent("x"))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Equal(t, []string{"read"}, f.session.calls)
}

func TestDispatch_ReportCommand(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.report = []byte("<html>rekon</html>")

	evt := directEvent(DefaultReportCommand)
	rec, err := f.d.Dispatch(context.Background(), f.session, domain.DirectText(evt.Text), evt)
	require.NoError(t, err)

	assert.Nil(t, rec)
	assert.Empty(t, f.log.recs)
	assert.Empty(t, f.backend.asked)
	assert.Equal(t, 1, f.backend.reports)

	require.Len(t, f.session.sent, 1)
	s := f.session.sent[0]
	assert.Empty(t, s.content.Text)
	assert.Equal(t, "MSG1", s.quoted)
	assert.Equal(t, &domain.OutboundDocument{
		FileName: "Rekon.html",
		MimeType: "text/html",
		Caption:  DefaultReportCaption,
		Data:     []byte("<html>rekon</html>"),
	}, s.content.Document)

	saved, err := os.ReadFile(filepath.Join(f.dir, "rekon.html"))
	require.NoError(t, err)
	assert.Equal(t, "<html>rekon</html>", string(saved))
}

func TestDispatch_ReportCommandInGroupIsAQuestion(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.result = domain.AnswerResult{Text: "?", OK: true}

	evt := domain.InboundEvent{ID: "G", ChatID: "1203@g.us", IsGroup: true}
	_, err := f.d.Dispatch(context.Background(), f.session, domain.GroupMention(DefaultReportCommand), evt)
	require.NoError(t, err)
	assert.Zero(t, f.backend.reports)
	assert.Equal(t, []string{DefaultReportCommand}, f.backend.asked)
}

func TestDispatch_ReportFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.repErr = &domain.BackendError{Kind: domain.BackendTransport, Err: errors.New("refused")}

	evt := directEvent(DefaultReportCommand)
	rec, err := f.d.Dispatch(context.Background(), f.session, domain.DirectText(evt.Text), evt)
	require.Error(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, f.log.recs)
	require.Len(t, f.session.sent, 1)
	assert.Equal(t, DefaultFailureText, f.session.sent[0].content.Text)
}

func TestDispatch_ReportAsPDF(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Report.RenderPDF = true
		c.Renderer = fakeRenderer{pdf: []byte("%PDF-1.4")}
	})
	f.backend.report = []byte("<html></html>")

	evt := directEvent(DefaultReportCommand)
	_, err := f.d.Dispatch(context.Background(), f.session, domain.DirectText(evt.Text), evt)
	require.NoError(t, err)

	doc := f.session.sent[0].content.Document
	require.NotNil(t, doc)
	assert.Equal(t, "Rekon.pdf", doc.FileName)
	assert.Equal(t, "application/pdf", doc.MimeType)
	assert.FileExists(t, filepath.Join(f.dir, "rekon.pdf"))
}

func TestDispatch_ReportPDFFallsBackToHTML(t *testing.T) {
	f := newFixture(t, func(c *Config) {
		c.Report.RenderPDF = true
		c.Renderer = fakeRenderer{err: errors.New("chrome not found")}
	})
	f.backend.report = []byte("<html></html>")

	evt := directEvent(DefaultReportCommand)
	_, err := f.d.Dispatch(context.Background(), f.session, domain.DirectText(evt.Text), evt)
	require.NoError(t, err)
	assert.Equal(t, "text/html", f.session.sent[0].content.Document.MimeType)
}

func docAttachment(name, caption, content string) *domain.Attachment {
	return &domain.Attachment{
		Kind:     domain.AttachmentDocument,
		FileName: name,
		Caption:  caption,
		Source: domain.ByteSourceFunc(func(context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(content)), nil
		}),
	}
}

func TestDispatch_DocumentSaved(t *testing.T) {
	f := newFixture(t, nil)
	att := docAttachment("stok.csv", "", "a,b\n1,2\n")

	rec, err := f.d.Dispatch(context.Background(), f.session, domain.DirectDocument(att), directEvent(""))
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Empty(t, f.session.sent)
	assert.Empty(t, f.log.recs)

	got, err := os.ReadFile(filepath.Join(f.dir, "628123-stok.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(got))
}

func TestDispatch_DocumentCaptionFilter(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.DocumentCaption = "proses file berikut ini" })

	_, err := f.d.Dispatch(context.Background(), f.session,
		domain.DirectDocument(docAttachment("a.csv", "lihat ini", "x")), directEvent(""))
	require.NoError(t, err)
	assert.NoFileExists(t, filepath.Join(f.dir, "628123-a.csv"))
	require.Len(t, f.session.sent, 1)
	assert.Equal(t, DefaultFallbackText, f.session.sent[0].content.Text)
	assert.Empty(t, f.log.recs)

	_, err = f.d.Dispatch(context.Background(), f.session,
		domain.DirectDocument(docAttachment("a.csv", "Proses File Berikut Ini", "x")), directEvent(""))
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(f.dir, "628123-a.csv"))
	assert.Len(t, f.session.sent, 1)
}

func TestDispatch_DocumentDownloadFailure(t *testing.T) {
	f := newFixture(t, nil)
	att := &domain.Attachment{
		Kind:     domain.AttachmentDocument,
		FileName: "x.pdf",
		Source: domain.ByteSourceFunc(func(context.Context) (io.ReadCloser, error) {
			return nil, errors.New("media expired")
		}),
	}

	_, err := f.d.Dispatch(context.Background(), f.session, domain.DirectDocument(att), directEvent(""))
	var se *domain.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "download document", se.Op)
	assert.Empty(t, f.session.sent)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{ConvLog: &fakeLog{}})
	assert.Error(t, err)

	_, err = New(Config{Answerer: &fakeBackend{}})
	assert.Error(t, err)

	_, err = New(Config{Answerer: &fakeBackend{}, ConvLog: &fakeLog{}, Report: ReportOptions{Command: "run"}})
	assert.Error(t, err)
}
