package domain

// IntentKind tags the variant held by an Intent.
type IntentKind int

const (
	IntentIgnore IntentKind = iota
	IntentGroupMention
	IntentDirectText
	IntentDirectDocument
)

func (k IntentKind) String() string {
	switch k {
	case IntentGroupMention:
		return "group_mention"
	case IntentDirectText:
		return "direct_text"
	case IntentDirectDocument:
		return "direct_document"
	default:
		return "ignore"
	}
}

// Intent is the single action derived from an InboundEvent. Text is set
// for GroupMention and DirectText (and may be empty), Attachment for
// DirectDocument.
type Intent struct {
	Kind       IntentKind
	Text       string
	Attachment *Attachment
}

func Ignore() Intent { return Intent{Kind: IntentIgnore} }

func GroupMention(text string) Intent { return Intent{Kind: IntentGroupMention, Text: text} }

func DirectText(text string) Intent { return Intent{Kind: IntentDirectText, Text: text} }

func DirectDocument(a *Attachment) Intent {
	return Intent{Kind: IntentDirectDocument, Attachment: a}
}

// IsText reports whether the intent asks a question of the backend.
func (i Intent) IsText() bool {
	return i.Kind == IntentGroupMention || i.Kind == IntentDirectText
}
