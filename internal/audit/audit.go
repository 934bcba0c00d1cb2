// Package audit provides the append-only event sink every mutating operation
// reports to. Delivery is fire-and-forget: a sink must never fail or block a
// financial operation.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EventType classifies audit events, mirroring the log record kinds the
// downstream pipeline understands.
type EventType string

const (
	EventUserCommand        EventType = "USER_COMMAND"
	EventAccountTransaction EventType = "ACCOUNT_TRANSACTION"
	EventQuoteServer        EventType = "QUOTE_SERVER"
	EventErrorEvent         EventType = "ERROR_EVENT"
)

// Event is one structured audit record.
type Event struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	Type        EventType `json:"event_type"`
	UserID      string    `json:"user_id,omitempty"`
	Command     string    `json:"command,omitempty"`
	StockSymbol string    `json:"stock_symbol,omitempty"`
	Funds       float64   `json:"funds,omitempty"`
	Price       float64   `json:"price,omitempty"`
	Detail      string    `json:"detail,omitempty"`
}

// Sink accepts audit events with at-least-once delivery downstream. Emit
// must be safe for concurrent use and must not block the caller.
type Sink interface {
	Emit(event Event)
}

// NewCommandEvent builds a USER_COMMAND event with a fresh ID and timestamp.
func NewCommandEvent(userID, command, symbol string, funds float64) Event {
	return Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Type:        EventUserCommand,
		UserID:      userID,
		Command:     command,
		StockSymbol: symbol,
		Funds:       funds,
	}
}

// NewQuoteEvent builds a QUOTE_SERVER event for a fresh external fetch.
func NewQuoteEvent(symbol string, price float64) Event {
	return Event{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		Type:        EventQuoteServer,
		StockSymbol: symbol,
		Price:       price,
	}
}

// NewAccountEvent builds an ACCOUNT_TRANSACTION event. Positive funds are a
// credit, negative a debit.
func NewAccountEvent(userID, command string, funds float64) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      EventAccountTransaction,
		UserID:    userID,
		Command:   command,
		Funds:     funds,
	}
}

// LogSink writes events through a buffered channel to a background zerolog
// writer. A full buffer drops the event with a warning instead of blocking
// the emitting operation.
type LogSink struct {
	logger zerolog.Logger
	events chan Event

	closeOnce sync.Once
	done      chan struct{}
}

var _ Sink = (*LogSink)(nil)

// NewLogSink starts the writer goroutine. bufferSize bounds the in-flight
// event queue.
func NewLogSink(logger zerolog.Logger, bufferSize int) *LogSink {
	s := &LogSink{
		logger: logger.With().Str("component", "audit").Logger(),
		events: make(chan Event, bufferSize),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Emit enqueues the event. Never blocks.
func (s *LogSink) Emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Warn().Str("event_id", event.ID).Str("event_type", string(event.Type)).
			Msg("audit buffer full, dropping event")
	}
}

// Close stops accepting events and flushes what is buffered.
func (s *LogSink) Close() {
	s.closeOnce.Do(func() {
		close(s.events)
		<-s.done
	})
}

func (s *LogSink) run() {
	defer close(s.done)
	for event := range s.events {
		s.logger.Info().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Str("user_id", event.UserID).
			Str("command", event.Command).
			Str("stock_symbol", event.StockSymbol).
			Float64("funds", event.Funds).
			Float64("price", event.Price).
			Time("event_time", event.Timestamp).
			Msg("audit")
	}
}

// NopSink discards all events. Useful in tests and as a default.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) Emit(Event) {}
