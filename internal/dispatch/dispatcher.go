// Package dispatch carries out the action an intent calls for: answer a
// question, deliver the report, save a document.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"chatrelay/internal/domain"
	"chatrelay/internal/fsutil"
)

const (
	DefaultFallbackText = "Mohon maaf, untuk saat ini kami hanya dapat menerima pesan text. " +
		"Silahkan kirim ulang pertanyaan Anda dalam bentuk text."
	DefaultFailureText = "Mohon maaf, pertanyaan Anda belum dapat kami proses saat ini. " +
		"Silahkan coba beberapa saat lagi."

	defaultSendTimeout = 30 * time.Second
)

// Send kinds reported to the Observer.
const (
	SentAnswer   = "answer"
	SentFallback = "fallback"
	SentFailure  = "failure"
	SentReport   = "report"
)

// Renderer converts an HTML report to PDF.
type Renderer interface {
	RenderPDF(ctx context.Context, html []byte) ([]byte, error)
}

// Observer receives the outcome of each side effect.
type Observer interface {
	BackendCalled(elapsed time.Duration, err error)
	ReportFetched(elapsed time.Duration, err error)
	MessageSent(kind string, err error)
	DocumentSaved(err error)
}

type nopObserver struct{}

func (nopObserver) BackendCalled(time.Duration, error) {}
func (nopObserver) ReportFetched(time.Duration, error) {}
func (nopObserver) MessageSent(string, error)          {}
func (nopObserver) DocumentSaved(error)                {}

// Dispatcher executes intents against a session.
type Dispatcher struct {
	answerer   domain.Answerer
	reports    domain.ReportFetcher
	convlog    domain.ConversationLogger
	renderer   Renderer
	observer   Observer
	normalizer Normalizer
	naming     *NamingPolicy
	report     ReportOptions

	fallbackText    string
	failureText     string
	documentCaption string
	downloadDir     string
	sendTimeout     time.Duration

	now    func() time.Time
	logger zerolog.Logger
}

type Config struct {
	Answerer domain.Answerer
	// Reports is required only when Report.Command is set.
	Reports domain.ReportFetcher
	// ConvLog should not block; wrap slow sinks in convlog.Async.
	ConvLog  domain.ConversationLogger
	Renderer Renderer
	Observer Observer
	Naming   *NamingPolicy

	FallbackText string
	FailureText  string
	StripEmoji   bool
	Report       ReportOptions
	// DocumentCaption, when set, is the caption a document must carry
	// (case-insensitive) to be saved.
	DocumentCaption string
	DownloadDir     string
	SendTimeout     time.Duration

	Now    func() time.Time
	Logger zerolog.Logger
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Answerer == nil {
		return nil, errors.New("dispatch: answerer is required")
	}
	if cfg.ConvLog == nil {
		return nil, errors.New("dispatch: conversation logger is required")
	}
	if cfg.Report.Command != "" && cfg.Reports == nil {
		return nil, errors.New("dispatch: report command configured without a report fetcher")
	}
	if cfg.Naming == nil {
		policy, err := NewNamingPolicy(DefaultNameTemplate)
		if err != nil {
			return nil, err
		}
		cfg.Naming = policy
	}
	if cfg.Observer == nil {
		cfg.Observer = nopObserver{}
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.FailureText == "" {
		cfg.FailureText = DefaultFailureText
	}
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = "downloads"
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = defaultSendTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Report.applyDefaults()

	return &Dispatcher{
		answerer:        cfg.Answerer,
		reports:         cfg.Reports,
		convlog:         cfg.ConvLog,
		renderer:        cfg.Renderer,
		observer:        cfg.Observer,
		normalizer:      Normalizer{StripEmoji: cfg.StripEmoji},
		naming:          cfg.Naming,
		report:          cfg.Report,
		fallbackText:    cfg.FallbackText,
		failureText:     cfg.FailureText,
		documentCaption: strings.TrimSpace(cfg.DocumentCaption),
		downloadDir:     cfg.DownloadDir,
		sendTimeout:     cfg.SendTimeout,
		now:             cfg.Now,
		logger:          cfg.Logger.With().Str("component", "dispatch").Logger(),
	}, nil
}

// Dispatch runs the side effects for intent in a fixed order: read
// receipt, backend call, outbound send, conversation log. It returns the
// record handed to the conversation log, or nil when nothing was logged.
// A returned error is operational; the user has already been answered as
// well as possible.
func (d *Dispatcher) Dispatch(ctx context.Context, sess domain.Session, intent domain.Intent, evt domain.InboundEvent) (*domain.LogRecord, error) {
	log := d.logger.With().Str("event_id", evt.ID).Str("chat_id", evt.ChatID).Stringer("intent", intent.Kind).Logger()

	if err := sess.MarkRead(ctx, evt); err != nil && !errors.Is(err, domain.ErrUnsupported) {
		log.Warn().Err(err).Msg("mark read failed")
	}

	switch intent.Kind {
	case domain.IntentGroupMention, domain.IntentDirectText:
		return d.answer(ctx, sess, intent, evt, log)
	case domain.IntentDirectDocument:
		return nil, d.saveDocument(ctx, sess, intent.Attachment, evt, log)
	default:
		return nil, nil
	}
}

func (d *Dispatcher) answer(ctx context.Context, sess domain.Session, intent domain.Intent, evt domain.InboundEvent, log zerolog.Logger) (*domain.LogRecord, error) {
	if intent.Kind == domain.IntentDirectText && d.report.matches(intent.Text) {
		return nil, d.sendReport(ctx, sess, evt, log)
	}

	question := d.normalizer.Normalize(intent.Text)
	if question == "" {
		err := d.send(ctx, sess, evt.ChatID, domain.OutboundContent{Text: d.fallbackText}, domain.SendOptions{}, SentFallback)
		if err != nil {
			log.Error().Err(err).Msg("failed to send text-only notice")
		}
		return nil, err
	}

	rec := domain.LogRecord{
		ClientName:  evt.SenderName,
		PhoneNumber: domain.LocalPart(evt.SenderID),
		Question:    question,
	}
	quote := domain.SendOptions{Quote: &evt}

	start := time.Now()
	res, err := d.answerer.Ask(ctx, question)
	d.observer.BackendCalled(time.Since(start), err)

	var sendErr error
	if err != nil {
		log.Warn().Err(err).Msg("backend call failed, sending failure notice")
		rec.Answer = domain.BackendFailureMarker
		sendErr = d.send(ctx, sess, evt.ChatID, domain.OutboundContent{Text: d.failureText}, quote, SentFailure)
	} else {
		rec.Answer = res.Text
		rec.ReferenceIndex = res.ReferenceIndex
		sendErr = d.send(ctx, sess, evt.ChatID, domain.OutboundContent{Text: res.Text}, quote, SentAnswer)
		if sendErr != nil {
			rec.Answer = domain.UndeliveredMarker
		}
	}
	if sendErr != nil {
		log.Error().Err(sendErr).Msg("failed to send reply")
	}

	rec.Timestamp = d.now()
	if err := d.convlog.Write(ctx, rec); err != nil {
		log.Error().Err(err).Msg("conversation log write failed")
	}
	return &rec, sendErr
}

// saveDocument stores a direct document. One whose caption does not match
// the filter is answered with the text-only notice instead.
func (d *Dispatcher) saveDocument(ctx context.Context, sess domain.Session, att *domain.Attachment, evt domain.InboundEvent, log zerolog.Logger) error {
	if att == nil || att.Source == nil {
		return &domain.StorageError{Op: "save document", Err: errors.New("attachment has no content")}
	}
	if d.documentCaption != "" && !strings.EqualFold(strings.TrimSpace(att.Caption), d.documentCaption) {
		log.Debug().Str("caption", att.Caption).Msg("document caption does not match, sending text-only notice")
		err := d.send(ctx, sess, evt.ChatID, domain.OutboundContent{Text: d.fallbackText}, domain.SendOptions{}, SentFallback)
		if err != nil {
			log.Error().Err(err).Msg("failed to send text-only notice")
		}
		return err
	}

	err := d.storeDocument(ctx, att, evt, log)
	d.observer.DocumentSaved(err)
	if err != nil {
		log.Error().Err(err).Str("file_name", att.FileName).Msg("document save failed")
	}
	return err
}

func (d *Dispatcher) storeDocument(ctx context.Context, att *domain.Attachment, evt domain.InboundEvent, log zerolog.Logger) error {
	name, err := d.naming.Name(evt, att, d.now())
	if err != nil {
		return &domain.StorageError{Op: "name document", Err: err}
	}
	path := filepath.Join(d.downloadDir, name)

	rc, err := att.Source.Open(ctx)
	if err != nil {
		return &domain.StorageError{Op: "download document", Path: path, Err: err}
	}
	defer rc.Close()

	n, err := fsutil.WriteAtomic(path, rc, 0o644)
	if err != nil {
		return &domain.StorageError{Op: "write document", Path: path, Err: err}
	}
	log.Info().Str("path", path).Str("size", humanize.Bytes(uint64(n))).Msg("document saved")
	return nil
}

// send delivers content with its own timeout so a stuck socket cannot
// hold up the event stream.
func (d *Dispatcher) send(ctx context.Context, sess domain.Session, to string, content domain.OutboundContent, opts domain.SendOptions, kind string) error {
	sctx, cancel := context.WithTimeout(ctx, d.sendTimeout)
	defer cancel()

	err := sess.Send(sctx, to, content, opts)
	d.observer.MessageSent(kind, err)
	if err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}
