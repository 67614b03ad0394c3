package recorder

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session buffers the chunks of one recording in arrival order. It exists
// only while the controller is recording.
type Session struct {
	ID      string
	Started time.Time

	mu      sync.Mutex
	chunks  [][]byte
	size    int
	dropped int
	closed  bool
}

func newSession() *Session {
	return &Session{ID: uuid.NewString(), Started: time.Now()}
}

// Append takes ownership of chunk. Empty chunks and chunks arriving after the
// session was closed are discarded.
func (s *Session) Append(chunk []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.dropped++
		return false
	}
	if len(chunk) == 0 {
		return false
	}
	s.chunks = append(s.chunks, chunk)
	s.size += len(chunk)
	return true
}

// Len returns the number of buffered chunks and their total size.
func (s *Session) Len() (chunks, bytes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks), s.size
}

// close seals the session and returns all chunks joined in order.
func (s *Session) close() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	out := make([]byte, 0, s.size)
	for _, c := range s.chunks {
		out = append(out, c...)
	}
	s.chunks = nil
	return out
}
