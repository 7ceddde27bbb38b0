package wabridge

import (
	"encoding/json"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

// Frame types. The bridge sends qr, connection, creds, message and result;
// the relay sends auth, send, read, groups and download.
const (
	frameQR         = "qr"
	frameConnection = "connection"
	frameCreds      = "creds"
	frameMessage    = "message"
	frameResult     = "result"

	frameAuth     = "auth"
	frameSend     = "send"
	frameRead     = "read"
	frameGroups   = "groups"
	frameDownload = "download"
)

// frame is the envelope of every message on the socket. Only the fields
// of the given type are set; []byte fields travel as base64.
type frame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`

	// qr
	QR string `json:"qr,omitempty"`

	// connection
	State string `json:"state,omitempty"` // connecting | open | close
	Code  int    `json:"code,omitempty"`
	Error string `json:"error,omitempty"`
	Me    string `json:"me,omitempty"`

	// creds, auth
	Name  string            `json:"name,omitempty"`
	Data  []byte            `json:"data,omitempty"`
	Creds map[string][]byte `json:"creds,omitempty"`

	// message
	Message *messageFrame `json:"message,omitempty"`

	// send, read, download: Raw is the bridge's own message handle.
	To       string          `json:"to,omitempty"`
	Text     string          `json:"text,omitempty"`
	Document *documentFrame  `json:"document,omitempty"`
	Quoted   json.RawMessage `json:"quoted,omitempty"`
	Raw      json.RawMessage `json:"raw,omitempty"`

	// result
	OK     bool         `json:"ok,omitempty"`
	Groups []groupFrame `json:"groups,omitempty"`
}

type messageFrame struct {
	ID                string          `json:"id"`
	ChatID            string          `json:"chatId"`
	Sender            string          `json:"sender"`
	PushName          string          `json:"pushName"`
	FromMe            bool            `json:"fromMe"`
	Text              string          `json:"text"`
	Mentions          []string        `json:"mentions"`
	QuotedParticipant string          `json:"quotedParticipant"`
	Document          *documentFrame  `json:"document"`
	Media             string          `json:"media"` // image, audio, video, sticker when not a document
	Timestamp         int64           `json:"timestamp"`
	Raw               json.RawMessage `json:"raw"`
}

type documentFrame struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Caption  string `json:"caption,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

type groupFrame struct {
	ID           string   `json:"id"`
	Subject      string   `json:"subject"`
	Participants []string `json:"participants"`
}

func isGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@g.us")
}

// isBroadcastJID matches status updates (status@broadcast) and broadcast
// lists.
func isBroadcastJID(jid string) bool {
	return strings.HasSuffix(jid, "@broadcast")
}

// toEvent converts a message frame. The download closure is used for the
// attachment source, if any.
func (m *messageFrame) toEvent(download func(raw json.RawMessage) domain.ByteSource) domain.InboundEvent {
	evt := domain.InboundEvent{
		ID:                  m.ID,
		ChatID:              m.ChatID,
		SenderID:            m.Sender,
		SenderName:          m.PushName,
		IsGroup:             isGroupJID(m.ChatID),
		IsFromSelf:          m.FromMe,
		IsBroadcast:         isBroadcastJID(m.ChatID),
		MentionedIDs:        m.Mentions,
		QuotedParticipantID: m.QuotedParticipant,
		Text:                m.Text,
		Raw:                 m.Raw,
	}
	if evt.SenderID == "" {
		evt.SenderID = m.ChatID
	}
	if m.Timestamp > 0 {
		evt.Timestamp = time.Unix(m.Timestamp, 0)
	}

	switch {
	case m.Document != nil:
		evt.Attachment = &domain.Attachment{
			Kind:     domain.AttachmentDocument,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
			Caption:  m.Document.Caption,
			Source:   download(m.Raw),
		}
	case m.Media != "":
		kind := domain.AttachmentKind(m.Media)
		switch kind {
		case domain.AttachmentImage, domain.AttachmentAudio, domain.AttachmentVideo, domain.AttachmentSticker:
		default:
			kind = domain.AttachmentOther
		}
		evt.Attachment = &domain.Attachment{Kind: kind, Source: download(m.Raw)}
	}
	return evt
}

func (g groupFrame) toGroup() domain.Group {
	return domain.Group{ID: g.ID, Subject: g.Subject, Participants: len(g.Participants)}
}
