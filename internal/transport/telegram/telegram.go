// Package telegram adapts the Telegram Bot API to the relay's transport
// interface using long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"chatrelay/internal/domain"
)

const (
	defaultPollTimeout = 30 // seconds, server side
	maxMessageLen      = 4000
)

type Config struct {
	Token string
	// APIEndpoint and FileEndpoint are Sprintf formats taking the token and
	// the method or file path. Empty means api.telegram.org.
	APIEndpoint  string
	FileEndpoint string
	PollTimeout  int
	HTTPClient   *http.Client
	Logger       zerolog.Logger
}

type Transport struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config) *Transport {
	if cfg.APIEndpoint == "" {
		cfg.APIEndpoint = tgbotapi.APIEndpoint
	}
	if cfg.FileEndpoint == "" {
		cfg.FileEndpoint = tgbotapi.FileEndpoint
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = defaultPollTimeout
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.PollTimeout+15) * time.Second}
	}
	return &Transport{cfg: cfg, logger: cfg.Logger.With().Str("component", "telegram").Logger()}
}

func (t *Transport) Name() string { return "telegram" }

// Initialize authenticates with getMe and starts polling. The bot token is
// configuration, so Telegram keeps nothing in the session store.
func (t *Transport) Initialize(ctx context.Context, _ domain.SessionStore, sink domain.EventSink) (domain.Session, error) {
	pollCtx, cancel := context.WithCancel(context.Background())
	client := &ctxClient{ctx: pollCtx, client: t.cfg.HTTPClient}

	sink.PublishUpdate(domain.ConnectionUpdate{State: domain.StateConnecting})
	bot, err := newBot(ctx, t.cfg, client)
	if err != nil {
		cancel()
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			return nil, &domain.TransportCloseError{Reason: reasonFor(apiErr.Code), Code: apiErr.Code, Err: err}
		}
		return nil, fmt.Errorf("telegram getMe: %w", err)
	}

	s := &session{
		bot:          bot,
		client:       client,
		sink:         sink,
		fileEndpoint: t.cfg.FileEndpoint,
		pollTimeout:  t.cfg.PollTimeout,
		selfID:       strings.ToLower(bot.Self.UserName),
		cancel:       cancel,
		logger:       t.logger,
	}
	t.logger.Info().Str("username", bot.Self.UserName).Int64("id", bot.Self.ID).Msg("telegram bot connected")

	s.wg.Add(1)
	go s.poll(pollCtx)
	sink.PublishUpdate(domain.ConnectionUpdate{State: domain.StateOpen})
	return s, nil
}

// newBot runs the getMe handshake, giving up when ctx ends.
func newBot(ctx context.Context, cfg Config, client tgbotapi.HTTPClient) (*tgbotapi.BotAPI, error) {
	type result struct {
		bot *tgbotapi.BotAPI
		err error
	}
	ch := make(chan result, 1)
	go func() {
		bot, err := tgbotapi.NewBotAPIWithClient(cfg.Token, cfg.APIEndpoint, client)
		ch <- result{bot, err}
	}()
	select {
	case r := <-ch:
		return r.bot, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// reasonFor maps Bot API error codes. A rejected token (401) is left
// unrecognized so the relay stops.
func reasonFor(code int) domain.DisconnectReason {
	switch code {
	case http.StatusConflict:
		return domain.ReasonConnectionReplaced
	case http.StatusForbidden:
		return domain.ReasonForbidden
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return domain.ReasonUnavailableService
	case http.StatusInternalServerError:
		return domain.ReasonConnectionLost
	default:
		return domain.ReasonUnrecognized
	}
}

type session struct {
	bot          *tgbotapi.BotAPI
	client       *ctxClient
	sink         domain.EventSink
	fileEndpoint string
	pollTimeout  int
	selfID       string
	logger       zerolog.Logger

	cancel context.CancelFunc
	once   sync.Once
	wg     sync.WaitGroup
}

func (s *session) SelfID() string { return s.selfID }

func (s *session) poll(ctx context.Context) {
	defer s.wg.Done()
	offset := 0
	for {
		updates, err := s.bot.GetUpdates(tgbotapi.UpdateConfig{Offset: offset, Timeout: s.pollTimeout})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			upd := domain.ConnectionUpdate{State: domain.StateClosed, Reason: domain.ReasonConnectionLost, Err: err}
			var apiErr *tgbotapi.Error
			if errors.As(err, &apiErr) {
				upd.Reason, upd.Code = reasonFor(apiErr.Code), apiErr.Code
			}
			s.logger.Warn().Err(err).Stringer("reason", upd.Reason).Msg("telegram polling stopped")
			s.sink.PublishUpdate(upd)
			return
		}
		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			if u.Message == nil || u.Message.Chat == nil || u.Message.From == nil {
				continue
			}
			s.sink.PublishEvent(s.toEvent(u.Message))
		}
	}
}

func (s *session) toEvent(m *tgbotapi.Message) domain.InboundEvent {
	evt := domain.InboundEvent{
		ID:         strconv.Itoa(m.MessageID),
		ChatID:     strconv.FormatInt(m.Chat.ID, 10),
		SenderID:   senderID(m.From),
		SenderName: strings.TrimSpace(m.From.FirstName + " " + m.From.LastName),
		IsGroup:    !m.Chat.IsPrivate(),
		IsFromSelf: m.From.ID == s.bot.Self.ID,
		Text:       m.Text,
		Timestamp:  time.Unix(int64(m.Date), 0),
		Raw:        m,
	}
	evt.MentionedIDs = mentions(m.Text, m.Entities)
	if m.ReplyToMessage != nil && m.ReplyToMessage.From != nil {
		evt.QuotedParticipantID = senderID(m.ReplyToMessage.From)
	}

	switch {
	case m.Document != nil:
		evt.Attachment = &domain.Attachment{
			Kind:     domain.AttachmentDocument,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
			Caption:  m.Caption,
			Source:   s.file(m.Document.FileID),
		}
	case len(m.Photo) > 0:
		evt.Attachment = &domain.Attachment{Kind: domain.AttachmentImage, Caption: m.Caption, Source: s.file(m.Photo[len(m.Photo)-1].FileID)}
	case m.Audio != nil:
		evt.Attachment = &domain.Attachment{Kind: domain.AttachmentAudio, Source: s.file(m.Audio.FileID)}
	case m.Voice != nil:
		evt.Attachment = &domain.Attachment{Kind: domain.AttachmentAudio, Source: s.file(m.Voice.FileID)}
	case m.Video != nil:
		evt.Attachment = &domain.Attachment{Kind: domain.AttachmentVideo, Caption: m.Caption, Source: s.file(m.Video.FileID)}
	case m.Sticker != nil:
		evt.Attachment = &domain.Attachment{Kind: domain.AttachmentSticker, Source: s.file(m.Sticker.FileID)}
	}
	return evt
}

// senderID prefers the username so mentions and sender compare equal; bots
// without one fall back to the numeric id.
func senderID(u *tgbotapi.User) string {
	if u.UserName != "" {
		return strings.ToLower(u.UserName)
	}
	return strconv.FormatInt(u.ID, 10)
}

// mentions extracts the users addressed by mention entities. Entity
// offsets count UTF-16 code units.
func mentions(text string, entities []tgbotapi.MessageEntity) []string {
	if len(entities) == 0 {
		return nil
	}
	units := utf16.Encode([]rune(text))
	var out []string
	for _, e := range entities {
		switch e.Type {
		case "mention":
			if e.Offset < 0 || e.Offset+e.Length > len(units) {
				continue
			}
			name := string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
			out = append(out, strings.ToLower(strings.TrimPrefix(name, "@")))
		case "text_mention":
			if e.User != nil {
				out = append(out, senderID(e.User))
			}
		}
	}
	return out
}

func (s *session) Send(ctx context.Context, to string, content domain.OutboundContent, opts domain.SendOptions) error {
	chatID, err := strconv.ParseInt(to, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", to, err)
	}
	replyTo := 0
	if opts.Quote != nil {
		replyTo, _ = strconv.Atoi(opts.Quote.ID)
	}

	if doc := content.Document; doc != nil {
		cfg := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: doc.FileName, Bytes: doc.Data})
		cfg.Caption = doc.Caption
		cfg.ReplyToMessageID = replyTo
		return s.send(ctx, cfg)
	}

	for i, chunk := range split(content.Text, maxMessageLen) {
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 {
			msg.ReplyToMessageID = replyTo
		}
		if err := s.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

// send issues one Bot API call bound to ctx as well as the session.
func (s *session) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	client, release := s.client.bind(ctx)
	defer release()

	bot := *s.bot
	bot.Client = client
	if _, err := bot.Send(c); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

// split cuts text at newlines where possible so each part fits a message.
func split(text string, max int) []string {
	if len(text) <= max {
		return []string{text}
	}
	var parts []string
	for len(text) > max {
		cut := strings.LastIndex(text[:max], "\n") + 1
		if cut <= max/2 {
			cut = max
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// MarkRead is a no-op: bots cannot send read receipts.
func (s *session) MarkRead(context.Context, domain.InboundEvent) error {
	return domain.ErrUnsupported
}

// FetchGroups is not offered by the Bot API.
func (s *session) FetchGroups(context.Context) ([]domain.Group, error) {
	return nil, domain.ErrUnsupported
}

func (s *session) Terminate() error {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

func (s *session) file(fileID string) domain.ByteSource {
	return domain.ByteSourceFunc(func(ctx context.Context) (io.ReadCloser, error) {
		f, err := s.bot.GetFile(tgbotapi.FileConfig{FileID: fileID})
		if err != nil {
			return nil, fmt.Errorf("telegram getFile: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf(s.fileEndpoint, s.bot.Token, f.FilePath), nil)
		if err != nil {
			return nil, err
		}
		resp, err := s.client.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("download file: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("download file: status %d", resp.StatusCode)
		}
		return resp.Body, nil
	})
}

// ctxClient binds Bot API requests to the session lifetime so Terminate
// aborts an in-flight long poll.
type ctxClient struct {
	ctx    context.Context
	client *http.Client
}

func (c *ctxClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// bind returns a client whose requests end with either ctx or the session.
func (c *ctxClient) bind(ctx context.Context) (*ctxClient, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	return &ctxClient{ctx: ctx, client: c.client}, func() {
		stop()
		cancel()
	}
}
