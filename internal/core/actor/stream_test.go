package actor

import (
	"errors"
	"slices"
	"sync"
)

var (
	errStreamClosed = errors.New("stream closed")
	errStreamBroken = errors.New("broken pipe")
)

type testStream struct {
	id string

	mu     sync.Mutex
	frames []string
	closed bool
	broken bool
}

func newTestStream(id string) *testStream {
	return &testStream{id: id}
}

func (s *testStream) ID() string {
	return s.id
}

func (s *testStream) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStreamClosed
	}
	if s.broken {
		return errStreamBroken
	}
	s.frames = append(s.frames, string(frame))
	return nil
}

func (s *testStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *testStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *testStream) breakWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken = true
}

func (s *testStream) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.frames)
}

func (s *testStream) count(frame string) int {
	n := 0
	for _, f := range s.Frames() {
		if f == frame {
			n++
		}
	}
	return n
}
