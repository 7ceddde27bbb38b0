package domain

import (
	"context"
	"time"
)

// AnswerResult is the normalized response of the Q&A backend.
type AnswerResult struct {
	Text           string
	ReferenceIndex string
	OK             bool
}

// Answerer asks the Q&A backend a question.
type Answerer interface {
	Ask(ctx context.Context, text string) (AnswerResult, error)
}

// ReportFetcher retrieves the generated report document.
type ReportFetcher interface {
	FetchReport(ctx context.Context) ([]byte, error)
}

// Failure markers recorded in the answer column when no answer was delivered.
const (
	BackendFailureMarker = "[backend-error]"
	UndeliveredMarker    = "[undelivered]"
)

// LogRecord is one conversation exchange, written after the reply is sent.
type LogRecord struct {
	ClientName     string    `json:"client"`
	PhoneNumber    string    `json:"phone number"`
	Question       string    `json:"question"`
	Answer         string    `json:"answer"`
	ReferenceIndex string    `json:"index,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// ConversationLogger persists conversation records.
type ConversationLogger interface {
	Write(ctx context.Context, rec LogRecord) error
}
