package bus

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/domain"
)

const publishTimeout = 10 * time.Second

// InMemoryBus carries inbound events and connection updates from the
// transport sessions to the relay. It outlives individual sessions, so
// consumers never need to resubscribe after a reconnect.
type InMemoryBus struct {
	inbound chan domain.InboundEvent
	updates chan domain.ConnectionUpdate
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	logger  zerolog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger zerolog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &InMemoryBus{
		inbound: make(chan domain.InboundEvent, bufferSize),
		updates: make(chan domain.ConnectionUpdate, bufferSize),
		done:    make(chan struct{}),
		logger:  logger.With().Str("component", "bus").Logger(),
	}
}

// PublishEvent blocks up to 10 seconds if the bus is full, then drops.
func (b *InMemoryBus) PublishEvent(evt domain.InboundEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn().Str("event_id", evt.ID).Msg("attempted to publish to closed bus")
		return
	}

	select {
	case b.inbound <- evt:
	default:
		b.logger.Warn().Str("chat_id", evt.ChatID).Msg("inbound bus full, waiting")
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- evt:
			b.logger.Info().Str("chat_id", evt.ChatID).Msg("event delivered after wait")
		case <-b.done:
		case <-timer.C:
			b.logger.Error().
				Str("chat_id", evt.ChatID).
				Str("sender_id", evt.SenderID).
				Str("event_id", evt.ID).
				Msg("event dropped: bus full for 10s")
		}
	}
}

// PublishUpdate never drops an update while the bus is open. It blocks
// until the update is buffered or the bus is closed.
func (b *InMemoryBus) PublishUpdate(update domain.ConnectionUpdate) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn().Stringer("state", update.State).Msg("connection update after bus close")
		return
	}

	select {
	case b.updates <- update:
		return
	default:
	}

	b.logger.Warn().Stringer("state", update.State).Msg("update channel full, waiting")
	select {
	case b.updates <- update:
	case <-b.done:
	}
}

func (b *InMemoryBus) Events() <-chan domain.InboundEvent {
	return b.inbound
}

func (b *InMemoryBus) Updates() <-chan domain.ConnectionUpdate {
	return b.updates
}

// Close closes both channels. Publishing afterwards is a logged no-op.
func (b *InMemoryBus) Close() {
	b.once.Do(func() { close(b.done) })
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
		close(b.updates)
	}
}
