package deliver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/gt8004/gt8004/pkg/event"
)

// WriterSender writes each record as a JSON line (for log aggregation).
type WriterSender struct {
	name   string
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewWriterSender creates a sender writing JSON lines to w. If w is an
// io.Closer it is closed by Close.
func NewWriterSender(name string, w io.Writer) *WriterSender {
	s := &WriterSender{name: name, w: w}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// NewStdoutSender writes JSON lines to stdout.
func NewStdoutSender() *WriterSender {
	return &WriterSender{name: "stdout", w: os.Stdout}
}

// NewFileSender appends JSON lines to the file at path.
func NewFileSender(path string) (*WriterSender, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("deliver.NewFileSender: %w", err)
	}
	return NewWriterSender("file", f), nil
}

// Name implements Sender.
func (s *WriterSender) Name() string {
	return s.name
}

// Send implements Sender. The batch is encoded in full before a single write,
// so a record that cannot be encoded leaves nothing behind.
func (s *WriterSender) Send(ctx context.Context, b event.Batch) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, r := range b.Records {
		if err := enc.Encode(r); err != nil {
			if isEncodeError(err) {
				return 0, fmt.Errorf("deliver.WriterSender: %w: %v", ErrMalformedPayload, err)
			}
			return 0, fmt.Errorf("deliver.WriterSender: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.w.Write(buf.Bytes()); err != nil {
		return 0, fmt.Errorf("deliver.WriterSender: write: %w", err)
	}
	return 0, nil
}

func isEncodeError(err error) bool {
	var (
		marshalErr *json.MarshalerError
		typeErr    *json.UnsupportedTypeError
		valueErr   *json.UnsupportedValueError
	)
	return errors.As(err, &marshalErr) || errors.As(err, &typeErr) || errors.As(err, &valueErr)
}

// Close closes the underlying writer when it is closable.
func (s *WriterSender) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// NopSender discards all batches.
type NopSender struct{}

// Name implements Sender.
func (NopSender) Name() string { return "nop" }

// Send discards b.
func (NopSender) Send(context.Context, event.Batch) (int, error) { return 0, nil }

// Close is a no-op.
func (NopSender) Close() error { return nil }

// MemorySender keeps delivered batches in memory (for testing).
type MemorySender struct {
	mu      sync.Mutex
	batches []event.Batch
}

// NewMemorySender creates a memory-backed sender.
func NewMemorySender() *MemorySender {
	return &MemorySender{}
}

// Name implements Sender.
func (s *MemorySender) Name() string { return "memory" }

// Send stores b.
func (s *MemorySender) Send(ctx context.Context, b event.Batch) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, b)
	return 0, nil
}

// Close is a no-op.
func (s *MemorySender) Close() error { return nil }

// Batches returns all stored batches.
func (s *MemorySender) Batches() []event.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Batch, len(s.batches))
	copy(out, s.batches)
	return out
}

// Records returns every stored record in delivery order.
func (s *MemorySender) Records() []event.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []event.Record
	for _, b := range s.batches {
		out = append(out, b.Records...)
	}
	return out
}

// Len returns the number of stored records.
func (s *MemorySender) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += b.Len()
	}
	return n
}
