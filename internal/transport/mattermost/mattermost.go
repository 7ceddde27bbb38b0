// Package mattermost adapts a Mattermost bot account to the relay's
// transport interface: REST for actions, the websocket for posts.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"chatrelay/internal/domain"
)

const lookupTimeout = 10 * time.Second

type Config struct {
	ServerURL string
	Token     string
	// TeamID limits FetchGroups to one team; empty means every team.
	TeamID string
	Logger zerolog.Logger
}

type Transport struct {
	cfg    Config
	logger zerolog.Logger
}

func New(cfg Config) *Transport {
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return &Transport{cfg: cfg, logger: cfg.Logger.With().Str("component", "mattermost").Logger()}
}

func (t *Transport) Name() string { return "mattermost" }

// Initialize verifies the token and opens the event websocket. The token
// is configuration; nothing is kept in the session store.
func (t *Transport) Initialize(ctx context.Context, _ domain.SessionStore, sink domain.EventSink) (domain.Session, error) {
	sink.PublishUpdate(domain.ConnectionUpdate{State: domain.StateConnecting})

	client := model.NewAPIv4Client(t.cfg.ServerURL)
	client.SetToken(t.cfg.Token)

	me, resp, err := client.GetMe(ctx, "")
	if err != nil {
		return nil, apiError("get me", resp, err)
	}

	s := newSession(client, me, sink, t.cfg.TeamID, t.logger)

	ws, err := model.NewWebSocketClient4(httpToWS(t.cfg.ServerURL), client.AuthToken)
	if err != nil {
		return nil, fmt.Errorf("connect websocket: %w", err)
	}
	s.ws = ws
	ws.Listen()
	go s.listen()

	t.logger.Info().Str("user_id", me.Id).Str("username", me.Username).Msg("mattermost connected")
	sink.PublishUpdate(domain.ConnectionUpdate{State: domain.StateOpen})
	return s, nil
}

// apiError turns a failed call into a TransportCloseError when the server
// answered with a status. A rejected token (401) stays unrecognized so the
// relay stops instead of retrying.
func apiError(op string, resp *model.Response, err error) error {
	if resp == nil || resp.StatusCode == 0 {
		return fmt.Errorf("%s: %w", op, err)
	}
	reason := domain.ReasonUnrecognized
	switch code := resp.StatusCode; {
	case code == http.StatusForbidden:
		reason = domain.ReasonForbidden
	case code == http.StatusTooManyRequests, code >= 500:
		reason = domain.ReasonUnavailableService
	}
	return &domain.TransportCloseError{Reason: reason, Code: resp.StatusCode, Err: fmt.Errorf("%s: %w", op, err)}
}

func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

type session struct {
	client   *model.Client4
	ws       *model.WebSocketClient
	userID   string
	username string
	teamID   string
	sink     domain.EventSink
	logger   zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

func newSession(client *model.Client4, me *model.User, sink domain.EventSink, teamID string, logger zerolog.Logger) *session {
	return &session{
		client:   client,
		userID:   me.Id,
		username: strings.ToLower(me.Username),
		teamID:   teamID,
		sink:     sink,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// SelfID is the bot's username, the form mentions take in post text.
func (s *session) SelfID() string { return s.username }

func (s *session) listen() {
	for {
		select {
		case <-s.stop:
			return
		case evt, ok := <-s.ws.EventChannel:
			if !ok {
				s.closed()
				return
			}
			if evt == nil || evt.EventType() != model.WebsocketEventPosted {
				continue
			}
			inbound, ok := s.convert(evt)
			if ok {
				s.sink.PublishEvent(inbound)
			}
		}
	}
}

func (s *session) closed() {
	select {
	case <-s.stop:
		return
	default:
	}
	upd := domain.ConnectionUpdate{State: domain.StateClosed, Reason: domain.ReasonConnectionLost}
	if le := s.ws.ListenError; le != nil {
		upd.Err = le
		upd.Code = le.StatusCode
	}
	s.logger.Warn().AnErr("cause", upd.Err).Msg("mattermost websocket closed")
	s.sink.PublishUpdate(upd)
}

// convert builds an inbound event from a posted event. System posts are
// skipped. A reply in a thread rooted at a bot post counts as quoting the
// bot; Mattermost threads carry no direct parent.
func (s *session) convert(evt *model.WebSocketEvent) (domain.InboundEvent, bool) {
	data := evt.GetData()
	postJSON, ok := data["post"].(string)
	if !ok {
		s.logger.Debug().Msg("posted event without post data")
		return domain.InboundEvent{}, false
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		s.logger.Warn().Err(err).Msg("failed to decode post")
		return domain.InboundEvent{}, false
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return domain.InboundEvent{}, false
	}

	channelType, _ := data["channel_type"].(string)
	senderName, _ := data["sender_name"].(string)

	in := domain.InboundEvent{
		ID:         post.Id,
		ChatID:     post.ChannelId,
		SenderID:   post.UserId,
		SenderName: strings.TrimPrefix(senderName, "@"),
		IsGroup:    channelType != string(model.ChannelTypeDirect),
		IsFromSelf: post.UserId == s.userID,
		Text:       post.Message,
		Timestamp:  time.UnixMilli(post.CreateAt),
		Raw:        &post,
	}
	if in.IsFromSelf {
		// Self posts are never addressed to the bot.
		return in, true
	}
	in.MentionedIDs = s.mentions(data)

	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()
	if post.RootId != "" && in.IsGroup {
		if root, _, err := s.client.GetPost(ctx, post.RootId, ""); err == nil && root.UserId == s.userID {
			in.QuotedParticipantID = s.username
		}
	}
	if len(post.FileIds) > 0 {
		in.Attachment = s.attachment(ctx, post.FileIds[0])
	}
	return in, true
}

// mentions decodes the mentioned user ids. The bot's own id is reported
// as its username so it compares equal to SelfID.
func (s *session) mentions(data map[string]any) []string {
	raw, _ := data["mentions"].(string)
	if raw == "" {
		return nil
	}
	var ids []string
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil
	}
	for i, id := range ids {
		if id == s.userID {
			ids[i] = s.username
		}
	}
	return ids
}

func (s *session) attachment(ctx context.Context, fileID string) *domain.Attachment {
	att := &domain.Attachment{Kind: domain.AttachmentDocument, Source: s.file(fileID)}
	info, _, err := s.client.GetFileInfo(ctx, fileID)
	if err != nil {
		s.logger.Warn().Err(err).Str("file_id", fileID).Msg("failed to get file info")
		return att
	}
	att.FileName = info.Name
	att.MimeType = info.MimeType
	switch {
	case strings.HasPrefix(info.MimeType, "image/"):
		att.Kind = domain.AttachmentImage
	case strings.HasPrefix(info.MimeType, "video/"):
		att.Kind = domain.AttachmentVideo
	case strings.HasPrefix(info.MimeType, "audio/"):
		att.Kind = domain.AttachmentAudio
	}
	return att
}

func (s *session) file(fileID string) domain.ByteSource {
	return domain.ByteSourceFunc(func(ctx context.Context) (io.ReadCloser, error) {
		data, _, err := s.client.GetFile(ctx, fileID)
		if err != nil {
			return nil, fmt.Errorf("get file %s: %w", fileID, err)
		}
		return io.NopCloser(bytes.NewReader(data)), nil
	})
}

func (s *session) Send(ctx context.Context, to string, content domain.OutboundContent, opts domain.SendOptions) error {
	post := &model.Post{ChannelId: to, Message: content.Text}
	if opts.Quote != nil {
		if quoted, ok := opts.Quote.Raw.(*model.Post); ok {
			post.RootId = quoted.RootId
			if post.RootId == "" {
				post.RootId = quoted.Id
			}
		}
	}

	if doc := content.Document; doc != nil {
		up, _, err := s.client.UploadFile(ctx, doc.Data, to, doc.FileName)
		if err != nil {
			return fmt.Errorf("upload %s: %w", doc.FileName, err)
		}
		if len(up.FileInfos) == 0 {
			return errors.New("upload returned no file info")
		}
		post.FileIds = []string{up.FileInfos[0].Id}
		post.Message = doc.Caption
	}

	if _, _, err := s.client.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

func (s *session) MarkRead(ctx context.Context, evt domain.InboundEvent) error {
	_, _, err := s.client.ViewChannel(ctx, s.userID, &model.ChannelView{ChannelId: evt.ChatID})
	if err != nil {
		return fmt.Errorf("view channel: %w", err)
	}
	return nil
}

// FetchGroups lists the non-direct channels the bot belongs to.
func (s *session) FetchGroups(ctx context.Context) ([]domain.Group, error) {
	teams := []string{s.teamID}
	if s.teamID == "" {
		list, _, err := s.client.GetTeamsForUser(ctx, s.userID, "")
		if err != nil {
			return nil, fmt.Errorf("get teams: %w", err)
		}
		teams = teams[:0]
		for _, t := range list {
			teams = append(teams, t.Id)
		}
	}

	var groups []domain.Group
	for _, teamID := range teams {
		channels, _, err := s.client.GetChannelsForTeamForUser(ctx, teamID, s.userID, false, "")
		if err != nil {
			return nil, fmt.Errorf("get channels for team %s: %w", teamID, err)
		}
		for _, ch := range channels {
			if ch.Type == model.ChannelTypeDirect {
				continue
			}
			groups = append(groups, domain.Group{ID: ch.Id, Subject: ch.DisplayName})
		}
	}
	return groups, nil
}

func (s *session) Terminate() error {
	s.stopOnce.Do(func() {
		close(s.stop)
		if s.ws != nil {
			s.ws.Close()
		}
	})
	return nil
}
