package dispatch

import (
	"regexp"
	"strings"
)

// emojiPattern covers the pictograph, symbol and flag blocks commonly sent
// from phone keyboards.
var emojiPattern = regexp.MustCompile(`[` +
	`\x{1F600}-\x{1F64F}\x{1F300}-\x{1F5FF}\x{1F680}-\x{1F6FF}\x{1F700}-\x{1F77F}` +
	`\x{1F780}-\x{1F7FF}\x{1F800}-\x{1F8FF}\x{1F900}-\x{1F9FF}\x{1FA00}-\x{1FA6F}` +
	`\x{1FA70}-\x{1FAFF}\x{2600}-\x{26FF}\x{2700}-\x{27BF}\x{1F1E6}-\x{1F1FF}` +
	`\x{1F191}-\x{1F251}\x{1F004}\x{1F0CF}\x{1F170}-\x{1F171}\x{1F17E}-\x{1F17F}` +
	`\x{1F18E}\x{3030}\x{2B50}\x{2B55}\x{2934}-\x{2935}\x{2B05}-\x{2B07}` +
	`\x{2B1B}-\x{2B1C}\x{3297}\x{3299}\x{303D}\x{00A9}\x{00AE}\x{2122}\x{23F3}` +
	`\x{24C2}\x{23E9}-\x{23EF}\x{25B6}\x{23F8}-\x{23FA}` +
	`]`)

// StripEmoji removes emoji and pictographic symbols from s.
func StripEmoji(s string) string {
	return emojiPattern.ReplaceAllString(s, "")
}

// Normalizer prepares question text before it is sent to the backend.
type Normalizer struct {
	StripEmoji bool
}

func (n Normalizer) Normalize(text string) string {
	if n.StripEmoji {
		text = StripEmoji(text)
	}
	return strings.TrimSpace(text)
}
