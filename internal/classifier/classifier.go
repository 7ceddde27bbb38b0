// Package classifier turns an inbound event into the single action the
// relay takes for it.
package classifier

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"chatrelay/internal/domain"
)

// Classify derives the intent of evt for the bot identified by botID.
// It has no side effects and always returns a value.
func Classify(evt domain.InboundEvent, botID string) domain.Intent {
	if evt.IsFromSelf || evt.IsBroadcast {
		return domain.Ignore()
	}

	if evt.IsGroup {
		if addressed(evt, botID) {
			return domain.GroupMention(StripMention(evt.Text, botID))
		}
		return domain.Ignore()
	}

	if evt.Attachment != nil && evt.Attachment.Kind == domain.AttachmentDocument {
		return domain.DirectDocument(evt.Attachment)
	}
	return domain.DirectText(evt.Text)
}

// addressed reports whether a group message mentions or quotes the bot.
func addressed(evt domain.InboundEvent, botID string) bool {
	if botID == "" {
		return false
	}
	for _, id := range evt.MentionedIDs {
		if domain.SameAddress(id, botID) {
			return true
		}
	}
	return domain.SameAddress(evt.QuotedParticipantID, botID)
}

// StripMention removes every "@<local part>" token addressing botID and
// trims the result. A token only matches when the next rune does not
// continue a word, so "@62851" leaves "@628519" alone.
func StripMention(text, botID string) string {
	local := domain.LocalPart(botID)
	if local == "" || text == "" {
		return strings.TrimSpace(text)
	}
	token := "@" + local

	var sb strings.Builder
	for rest := text; ; {
		i := indexFold(rest, token)
		if i < 0 {
			sb.WriteString(rest)
			break
		}
		end := i + len(token)
		if r, _ := utf8.DecodeRuneInString(rest[end:]); end < len(rest) && isWordRune(r) {
			sb.WriteString(rest[:end])
		} else {
			sb.WriteString(rest[:i])
		}
		rest = rest[end:]
	}
	return strings.TrimSpace(sb.String())
}

// indexFold is strings.Index ignoring case.
func indexFold(s, substr string) int {
	n := len(substr)
	for i := 0; i+n <= len(s); i++ {
		if strings.EqualFold(s[i:i+n], substr) {
			return i
		}
	}
	return -1
}

func isWordRune(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
