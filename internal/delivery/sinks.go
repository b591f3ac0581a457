// ABOUTME: Simple delivery sinks: a writer sink for the terminal and a fan-out combinator
// ABOUTME: The chat command prints parts as they arrive; serve fans out to sockets and logs
package delivery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"

	"github.com/harper/concierge/internal/models"
)

// Sink receives paced parts. core.DeliverySink has the same shape.
type Sink interface {
	Deliver(ctx context.Context, conversationID string, part models.DeliveryPart) error
}

// WriterSink prints each part on its own line
type WriterSink struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
}

// NewWriterSink writes parts to w, each line starting with prefix
func NewWriterSink(w io.Writer, prefix string) *WriterSink {
	return &WriterSink{w: w, prefix: prefix}
}

func (s *WriterSink) Deliver(_ context.Context, _ string, part models.DeliveryPart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s%s\n\n", s.prefix, part.Text)
	return err
}

// LogSink records deliveries as structured log events
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Deliver(_ context.Context, conversationID string, part models.DeliveryPart) error {
	s.log.Info().
		Str("conversation_id", conversationID).
		Int("part", part.Index).
		Int64("delay_ms", part.DelayMs).
		Int("chars", len([]rune(part.Text))).
		Msg("part delivered")
	return nil
}

// Multi delivers to every sink and joins their errors
type Multi []Sink

func (m Multi) Deliver(ctx context.Context, conversationID string, part models.DeliveryPart) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, conversationID, part); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
