// Package sink defines the playback buffer the pipeline appends plaintext to.
package sink

import (
	"errors"
	"fmt"
	"io"
	"sync"
)

// ErrBufferFull is returned by Append when the buffer cannot take more data
// right now. It is a backpressure signal: the caller keeps the data and
// retries after Drained fires.
var ErrBufferFull = errors.New("buffer full")

// BufferSink is an ordered byte consumer representing the playback buffer.
type BufferSink interface {
	// Open prepares the buffer for media of the given MIME type.
	Open(mimeType string) error

	// Append adds the next chunk in presentation order.
	Append(data []byte) error

	// EndOfStream marks the end of the presentation.
	EndOfStream() error

	// Abort discards any pending work after a cancelled session.
	Abort() error

	// Drained fires after the buffer frees capacity.
	Drained() <-chan struct{}
}

// WriterSink writes appended chunks to an io.Writer. It is never full.
type WriterSink struct {
	mu       sync.Mutex
	w        io.Writer
	mimeType string
	written  int64
	ended    bool
	aborted  bool
	drained  chan struct{}
}

// NewWriterSink creates a sink writing to w.
func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{
		w:       w,
		drained: make(chan struct{}),
	}
}

// Open records the MIME type.
func (s *WriterSink) Open(mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mimeType = mimeType
	return nil
}

// Append writes data to the underlying writer.
func (s *WriterSink) Append(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ended || s.aborted {
		return fmt.Errorf("append after end of stream")
	}

	n, err := s.w.Write(data)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// EndOfStream marks the sink finished.
func (s *WriterSink) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ended = true
	return nil
}

// Abort marks the sink aborted.
func (s *WriterSink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborted = true
	return nil
}

// Drained never fires; a writer sink is never full.
func (s *WriterSink) Drained() <-chan struct{} {
	return s.drained
}

// MimeType returns the type passed to Open.
func (s *WriterSink) MimeType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mimeType
}

// Written returns the number of bytes written.
func (s *WriterSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
