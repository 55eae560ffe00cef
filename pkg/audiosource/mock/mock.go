// Package mock provides a scripted test double for the audiosource package.
//
// Use Source to feed a predetermined frame sequence into the capture stage
// and to inject timeouts and device errors at chosen points.
//
// Example:
//
//	src := &mock.Source{
//	    Frames: [][]byte{frame1, frame2},
//	    Err:    errors.New("device unplugged"),
//	}
package mock

import (
	"sync"
	"time"

	"github.com/MrWong99/echoscribe/pkg/audiosource"
)

// Compile-time assertion that Source satisfies audiosource.Source.
var _ audiosource.Source = (*Source)(nil)

// Source is a scripted implementation of audiosource.Source.
//
// ReadFrame returns the queued Frames in order. A nil entry in Frames yields
// one audiosource.ErrTimeout (useful for scripting gaps). Once Frames is
// exhausted, ReadFrame returns Err when set, otherwise ErrTimeout forever.
type Source struct {
	mu sync.Mutex

	// Frames is the scripted frame sequence. Nil entries become timeouts.
	Frames [][]byte

	// Err is returned after Frames is exhausted. When nil, exhausted reads
	// time out instead, emulating an open but silent device.
	Err error

	// Pace, when non-zero, makes each ReadFrame sleep this long before
	// returning, emulating a wall-clock-rate device.
	Pace time.Duration

	// ReadCalls counts ReadFrame invocations, including timeouts.
	ReadCalls int

	next   int
	closed bool
}

// ReadFrame pops the next scripted frame.
func (s *Source) ReadFrame(_ time.Duration) ([]byte, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, audiosource.ErrClosed
	}
	s.ReadCalls++
	pace := s.Pace

	var frame []byte
	var err error
	switch {
	case s.next < len(s.Frames):
		frame = s.Frames[s.next]
		s.next++
		if frame == nil {
			err = audiosource.ErrTimeout
		}
	case s.Err != nil:
		err = s.Err
	default:
		err = audiosource.ErrTimeout
	}
	s.mu.Unlock()

	if pace > 0 {
		time.Sleep(pace)
	}
	return frame, err
}

// Close marks the source closed; subsequent reads return ErrClosed.
func (s *Source) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Remaining reports how many scripted frames have not been read yet.
func (s *Source) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.Frames) - s.next
}
