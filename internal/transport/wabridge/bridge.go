// Package wabridge connects to WhatsApp through a bridge sidecar that owns
// the WhatsApp-web socket and speaks JSON frames over a websocket.
package wabridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/domain"
)

const (
	defaultDialTimeout    = 15 * time.Second
	defaultRequestTimeout = 60 * time.Second
	writeWait             = 10 * time.Second
	maxFrameSize          = 64 << 20
	eventQueueSize        = 256
)

// ErrClosed is returned for requests made after the session ended.
var ErrClosed = errors.New("bridge session closed")

type Config struct {
	// URL of the bridge websocket, e.g. ws://127.0.0.1:3100/socket.
	URL   string
	Token string
	// QROutput receives login QR codes; defaults to stdout.
	QROutput       io.Writer
	DialTimeout    time.Duration
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Transport dials the bridge once per Initialize.
type Transport struct {
	cfg    Config
	dialer *websocket.Dialer
	logger zerolog.Logger
}

func New(cfg Config) *Transport {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.QROutput == nil {
		cfg.QROutput = os.Stdout
	}
	return &Transport{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		logger: cfg.Logger.With().Str("component", "wabridge").Logger(),
	}
}

func (t *Transport) Name() string { return "whatsapp" }

// Initialize dials the bridge and hands it the stored session material.
// A refused handshake is reported as a TransportCloseError carrying the
// HTTP status as code.
func (t *Transport) Initialize(ctx context.Context, store domain.SessionStore, sink domain.EventSink) (domain.Session, error) {
	creds, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load session material: %w", err)
	}

	header := http.Header{}
	if t.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+t.cfg.Token)
	}
	conn, resp, err := t.dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, &domain.TransportCloseError{
				Reason: domain.ReasonFromCode(resp.StatusCode),
				Code:   resp.StatusCode,
				Err:    fmt.Errorf("dial bridge: %w", err),
			}
		}
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	conn.SetReadLimit(maxFrameSize)

	s := &session{
		conn:    conn,
		store:   store,
		sink:    sink,
		qr:      t.cfg.QROutput,
		timeout: t.cfg.RequestTimeout,
		pending: make(map[string]chan frame),
		events:  make(chan domain.InboundEvent, eventQueueSize),
		done:    make(chan struct{}),
		logger:  t.logger,
	}

	sink.PublishUpdate(domain.ConnectionUpdate{State: domain.StateConnecting})
	if err := s.write(frame{Type: frameAuth, Creds: creds}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send auth: %w", err)
	}
	t.logger.Info().Str("url", t.cfg.URL).Int("session_files", len(creds)).Msg("bridge connected")

	go s.readLoop()
	go s.pumpEvents()
	return s, nil
}

type session struct {
	conn    *websocket.Conn
	store   domain.SessionStore
	sink    domain.EventSink
	qr      io.Writer
	timeout time.Duration
	logger  zerolog.Logger

	writeMu sync.Mutex
	selfID  atomic.Value // string

	mu      sync.Mutex
	pending map[string]chan frame
	closed  bool

	// events is drained into the sink by pumpEvents.
	events chan domain.InboundEvent

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) SelfID() string {
	id, _ := s.selfID.Load().(string)
	return id
}

func (s *session) Send(ctx context.Context, to string, content domain.OutboundContent, opts domain.SendOptions) error {
	f := frame{Type: frameSend, To: to, Text: content.Text}
	if doc := content.Document; doc != nil {
		f.Document = &documentFrame{
			FileName: doc.FileName,
			MimeType: doc.MimeType,
			Caption:  doc.Caption,
			Data:     doc.Data,
		}
	}
	if opts.Quote != nil {
		f.Quoted = rawOf(*opts.Quote)
	}
	_, err := s.request(ctx, f)
	return err
}

func (s *session) MarkRead(ctx context.Context, evt domain.InboundEvent) error {
	raw := rawOf(evt)
	if raw == nil {
		return domain.ErrUnsupported
	}
	_, err := s.request(ctx, frame{Type: frameRead, Raw: raw})
	return err
}

func (s *session) FetchGroups(ctx context.Context) ([]domain.Group, error) {
	res, err := s.request(ctx, frame{Type: frameGroups})
	if err != nil {
		return nil, err
	}
	groups := make([]domain.Group, 0, len(res.Groups))
	for _, g := range res.Groups {
		groups = append(groups, g.toGroup())
	}
	return groups, nil
}

func (s *session) Terminate() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.failPending()

		s.writeMu.Lock()
		_ = s.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *session) download(raw json.RawMessage) domain.ByteSource {
	return domain.ByteSourceFunc(func(ctx context.Context) (io.ReadCloser, error) {
		res, err := s.request(ctx, frame{Type: frameDownload, Raw: raw})
		if err != nil {
			return nil, err
		}
		return io.NopCloser(bytes.NewReader(res.Data)), nil
	})
}

// request writes f with a fresh id and waits for the matching result.
func (s *session) request(ctx context.Context, f frame) (frame, error) {
	f.ID = uuid.NewString()
	ch := make(chan frame, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return frame{}, ErrClosed
	}
	s.pending[f.ID] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, f.ID)
		s.mu.Unlock()
	}()

	if err := s.write(f); err != nil {
		return frame{}, fmt.Errorf("%s request: %w", f.Type, err)
	}

	timer := time.NewTimer(s.timeout)
	defer timer.Stop()
	select {
	case res, ok := <-ch:
		if !ok {
			return frame{}, ErrClosed
		}
		if !res.OK {
			return frame{}, fmt.Errorf("%s request: bridge: %s", f.Type, res.Error)
		}
		return res, nil
	case <-timer.C:
		return frame{}, fmt.Errorf("%s request: no result after %s", f.Type, s.timeout)
	case <-ctx.Done():
		return frame{}, ctx.Err()
	}
}

func (s *session) write(f frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return s.conn.WriteJSON(f)
}

func (s *session) readLoop() {
	defer close(s.events)
	for {
		var f frame
		if err := s.conn.ReadJSON(&f); err != nil {
			s.lost(err)
			return
		}
		s.route(f)
	}
}

func (s *session) route(f frame) {
	switch f.Type {
	case frameResult:
		s.mu.Lock()
		if ch, ok := s.pending[f.ID]; ok {
			select {
			case ch <- f:
			default:
			}
		}
		s.mu.Unlock()
	case frameMessage:
		if f.Message == nil {
			return
		}
		select {
		case s.events <- f.Message.toEvent(s.download):
		case <-s.done:
		}
	case frameConnection:
		s.connection(f)
	case frameQR:
		if err := renderQR(s.qr, f.QR); err != nil {
			s.logger.Error().Err(err).Msg("failed to render login qr code")
		}
		s.logger.Info().Msg("scan the qr code to log in")
	case frameCreds:
		if err := s.store.Save(context.Background(), f.Name, f.Data); err != nil {
			s.logger.Error().Err(err).Str("name", f.Name).Msg("failed to persist session material")
		}
	default:
		s.logger.Debug().Str("type", f.Type).Msg("unknown frame")
	}
}

func (s *session) pumpEvents() {
	for evt := range s.events {
		s.sink.PublishEvent(evt)
	}
}

func (s *session) connection(f frame) {
	switch f.State {
	case "connecting":
		s.sink.PublishUpdate(domain.ConnectionUpdate{State: domain.StateConnecting})
	case "open":
		if f.Me != "" {
			s.selfID.Store(f.Me)
		}
		s.sink.PublishUpdate(domain.ConnectionUpdate{State: domain.StateOpen})
	case "close":
		var err error
		if f.Error != "" {
			err = errors.New(f.Error)
		}
		s.sink.PublishUpdate(domain.ConnectionUpdate{
			State:  domain.StateClosed,
			Reason: domain.ReasonFromCode(f.Code),
			Code:   f.Code,
			Err:    err,
		})
	default:
		s.logger.Debug().Str("state", f.State).Msg("unknown connection state")
	}
}

// lost reports an unexpected end of the socket. Nothing is reported after
// Terminate.
func (s *session) lost(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.failPending()
	s.logger.Warn().Err(err).Msg("bridge socket closed")
	s.sink.PublishUpdate(domain.ConnectionUpdate{
		State:  domain.StateClosed,
		Reason: domain.ReasonConnectionLost,
		Err:    err,
	})
}

func (s *session) failPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
}

func rawOf(evt domain.InboundEvent) json.RawMessage {
	raw, _ := evt.Raw.(json.RawMessage)
	return raw
}
