package convlog

import (
	"context"
	"errors"

	"chatrelay/internal/domain"
)

// Multi writes every record to all of its sinks.
type Multi []domain.ConversationLogger

// Write tries every sink even when earlier ones fail and joins the errors.
func (m Multi) Write(ctx context.Context, rec domain.LogRecord) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Write(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
