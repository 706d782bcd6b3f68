package sink

import (
	"fmt"
	"sync"
)

// MemorySink keeps appended chunks in memory with an optional capacity.
// Consume simulates playback draining the buffer.
type MemorySink struct {
	mu       sync.Mutex
	capacity int
	buffered int
	mimeType string
	chunks   [][]byte
	ends     int
	aborts   int
	drained  chan struct{}
}

// NewMemorySink creates a sink holding at most capacity unconsumed bytes.
// Zero means unbounded. A chunk larger than the capacity is accepted into
// an empty buffer.
func NewMemorySink(capacity int) *MemorySink {
	return &MemorySink{
		capacity: capacity,
		drained:  make(chan struct{}, 1),
	}
}

// Open records the MIME type.
func (s *MemorySink) Open(mimeType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mimeType = mimeType
	return nil
}

// Append stores a copy of data. It returns ErrBufferFull when data does
// not fit next to the unconsumed bytes.
func (s *MemorySink) Append(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ends > 0 {
		return fmt.Errorf("append after end of stream")
	}
	if s.capacity > 0 && s.buffered > 0 && s.buffered+len(data) > s.capacity {
		return ErrBufferFull
	}

	chunk := make([]byte, len(data))
	copy(chunk, data)
	s.chunks = append(s.chunks, chunk)
	s.buffered += len(data)
	return nil
}

// EndOfStream counts the call; later appends fail.
func (s *MemorySink) EndOfStream() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
	return nil
}

// Abort counts the call.
func (s *MemorySink) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aborts++
	return nil
}

// Drained fires after Consume frees capacity.
func (s *MemorySink) Drained() <-chan struct{} {
	return s.drained
}

// Consume releases up to n buffered bytes and signals Drained.
func (s *MemorySink) Consume(n int) {
	s.mu.Lock()
	s.buffered -= min(n, s.buffered)
	s.mu.Unlock()

	select {
	case s.drained <- struct{}{}:
	default:
	}
}

// Chunks returns copies of the appended chunks in order.
func (s *MemorySink) Chunks() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.chunks))
	copy(out, s.chunks)
	return out
}

// Bytes returns everything appended, concatenated.
func (s *MemorySink) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	return out
}

// MimeType returns the type passed to Open.
func (s *MemorySink) MimeType() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mimeType
}

// Buffered returns the number of unconsumed bytes.
func (s *MemorySink) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buffered
}

// EndOfStreamCalls returns how many times EndOfStream was called.
func (s *MemorySink) EndOfStreamCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ends
}

// AbortCalls returns how many times Abort was called.
func (s *MemorySink) AbortCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.aborts
}
