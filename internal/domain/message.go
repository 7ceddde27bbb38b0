package domain

import (
	"context"
	"io"
	"strings"
	"time"
)

// AttachmentKind classifies the media carried by an inbound message.
type AttachmentKind string

const (
	AttachmentDocument AttachmentKind = "document"
	AttachmentImage    AttachmentKind = "image"
	AttachmentAudio    AttachmentKind = "audio"
	AttachmentVideo    AttachmentKind = "video"
	AttachmentSticker  AttachmentKind = "sticker"
	AttachmentOther    AttachmentKind = "other"
)

// ByteSource yields the content of an attachment. Each call to Open
// starts a fresh download; the caller closes the reader.
type ByteSource interface {
	Open(ctx context.Context) (io.ReadCloser, error)
}

// ByteSourceFunc adapts a function to ByteSource.
type ByteSourceFunc func(ctx context.Context) (io.ReadCloser, error)

func (f ByteSourceFunc) Open(ctx context.Context) (io.ReadCloser, error) { return f(ctx) }

// Attachment is media attached to an inbound message.
type Attachment struct {
	Kind     AttachmentKind
	FileName string
	MimeType string
	Caption  string
	Source   ByteSource
}

// InboundEvent is a message received from the network. Adapters build it
// once and nothing mutates it afterwards.
type InboundEvent struct {
	ID                  string
	ChatID              string // reply address: the group for group messages, the sender otherwise
	SenderID            string // participant that wrote the message
	SenderName          string
	IsGroup             bool
	IsFromSelf          bool
	IsBroadcast         bool // status updates and broadcast lists
	MentionedIDs        []string
	QuotedParticipantID string
	Text                string // empty means the message carried no text
	Attachment          *Attachment
	Timestamp           time.Time

	// Raw is the adapter's own representation, used to quote the message
	// and to send read receipts. The core never inspects it.
	Raw any
}

// HasText reports whether the event carries a non-blank text body.
func (e InboundEvent) HasText() bool {
	return strings.TrimSpace(e.Text) != ""
}

// OutboundDocument is a file sent back to a chat.
type OutboundDocument struct {
	FileName string
	MimeType string
	Caption  string
	Data     []byte
}

// OutboundContent is what a Session sends. Exactly one of Text or
// Document is set.
type OutboundContent struct {
	Text     string
	Document *OutboundDocument
}

// SendOptions modifies a send.
type SendOptions struct {
	// Quote, when set, makes the reply quote the given event.
	Quote *InboundEvent
}

// LocalPart strips the network suffix and any device tag from an address:
// "6281:12@s.whatsapp.net" becomes "6281".
func LocalPart(address string) string {
	if i := strings.IndexByte(address, '@'); i >= 0 {
		address = address[:i]
	}
	if i := strings.IndexByte(address, ':'); i >= 0 {
		address = address[:i]
	}
	return address
}

// SameAddress compares two addresses ignoring case and network suffix.
func SameAddress(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.EqualFold(LocalPart(a), LocalPart(b))
}
