package convlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/domain"
)

const (
	defaultAsyncBuffer = 256
	writeTimeout       = 10 * time.Second
)

// ErrBufferFull is returned by Async.Write when the record had to be dropped.
var ErrBufferFull error = droppedError{}

type droppedError struct{}

func (droppedError) Error() string { return "conversation log buffer full" }
func (droppedError) Dropped() bool { return true }

// ErrClosed is returned by Async.Write after Close.
var ErrClosed = errors.New("conversation log closed")

// WriteObserver is told how each background write went.
type WriteObserver interface {
	LogWritten(err error)
}

// Async decouples callers from a slow sink: Write only enqueues, a single
// goroutine writes records in order. Close drains the queue.
type Async struct {
	sink     domain.ConversationLogger
	queue    chan domain.LogRecord
	observer WriteObserver
	logger   zerolog.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

type AsyncConfig struct {
	Sink       domain.ConversationLogger
	BufferSize int
	Observer   WriteObserver
	Logger     zerolog.Logger
}

func NewAsync(cfg AsyncConfig) *Async {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultAsyncBuffer
	}
	a := &Async{
		sink:     cfg.Sink,
		queue:    make(chan domain.LogRecord, cfg.BufferSize),
		observer: cfg.Observer,
		logger:   cfg.Logger.With().Str("component", "convlog").Logger(),
		done:     make(chan struct{}),
	}
	go a.loop()
	return a
}

// Write enqueues rec without blocking. A full queue drops the record.
func (a *Async) Write(_ context.Context, rec domain.LogRecord) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}

	select {
	case a.queue <- rec:
		return nil
	default:
		a.logger.Error().
			Str("phone_number", rec.PhoneNumber).
			Str("question", rec.Question).
			Msg("conversation log buffer full, record dropped")
		a.observe(ErrBufferFull)
		return ErrBufferFull
	}
}

func (a *Async) loop() {
	defer close(a.done)
	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := a.sink.Write(ctx, rec)
		cancel()
		if err != nil {
			a.logger.Error().Err(err).Str("phone_number", rec.PhoneNumber).Msg("failed to write conversation log")
		}
		a.observe(err)
	}
}

func (a *Async) observe(err error) {
	if a.observer != nil {
		a.observer.LogWritten(err)
	}
}

// Close stops accepting records and waits until the queued ones are
// written or ctx is done.
func (a *Async) Close(ctx context.Context) error {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.queue)
	}
	a.mu.Unlock()

	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
