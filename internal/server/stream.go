package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrStreamClosed = errors.New("stream closed")

type writeFlusher interface {
	Write(p []byte) (int, error)
	Flush()
}

// sseStream is the HTTP side of one push connection. Writes come from the
// topic channel actor, Close from the handler goroutine.
type sseStream struct {
	id           string
	w            writeFlusher
	rc           *http.ResponseController
	writeTimeout time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

func newSSEStream(w writeFlusher, rc *http.ResponseController, writeTimeout time.Duration) *sseStream {
	return &sseStream{
		id:           uuid.NewString(),
		w:            w,
		rc:           rc,
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

func (s *sseStream) ID() string {
	return s.id
}

func (s *sseStream) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStreamClosed
	}
	if s.rc != nil && s.writeTimeout > 0 {
		// not supported by every writer, e.g. recorders
		_ = s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if _, err := s.w.Write(frame); err != nil {
		s.closeLocked()
		return err
	}
	s.w.Flush()
	return nil
}

func (s *sseStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *sseStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked()
	return nil
}

// Done is closed once the stream is closed by either side.
func (s *sseStream) Done() <-chan struct{} {
	return s.done
}

func (s *sseStream) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}
