// Package mock provides test doubles for the vad package interfaces.
//
// Use Engine to verify that sessions are created with the expected Config.
// Use Session to script per-frame classifications and inspect the frames that
// were submitted.
//
// Example:
//
//	sess := &mock.Session{Decisions: []bool{true, true, false}}
//	eng := &mock.Engine{Session: sess}
package mock

import (
	"sync"

	"github.com/MrWong99/echoscribe/pkg/provider/vad"
)

// Engine is a mock implementation of vad.Engine.
type Engine struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by NewSession. If nil,
	// NewSession returns a new default Session.
	Session vad.SessionHandle

	// NewSessionErr, if non-nil, is returned as the error from NewSession.
	NewSessionErr error

	// NewSessionCalls records the Config of every NewSession call in order.
	NewSessionCalls []vad.Config
}

var _ vad.Engine = (*Engine)(nil)

// NewSession records the call and returns Session, NewSessionErr.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.NewSessionCalls = append(e.NewSessionCalls, cfg)
	if e.NewSessionErr != nil {
		return nil, e.NewSessionErr
	}
	if e.Session != nil {
		return e.Session, nil
	}
	return &Session{}, nil
}

// Session is a scripted implementation of vad.SessionHandle.
type Session struct {
	mu sync.Mutex

	// Decisions is returned one per ProcessFrame call, in order. Once
	// exhausted, ProcessFrame returns Default.
	Decisions []bool

	// Default is the classification used after Decisions is exhausted.
	Default bool

	// Err, if non-nil, is returned by every ProcessFrame call.
	Err error

	// Frames records every frame passed to ProcessFrame.
	Frames [][]byte

	// ResetCalls counts Reset invocations.
	ResetCalls int

	next int
}

var _ vad.SessionHandle = (*Session)(nil)

// ProcessFrame records the frame and returns the next scripted decision.
func (s *Session) ProcessFrame(frame []byte) (vad.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Frames = append(s.Frames, frame)
	if s.Err != nil {
		return vad.Decision{}, s.Err
	}
	speech := s.Default
	if s.next < len(s.Decisions) {
		speech = s.Decisions[s.next]
		s.next++
	}
	return vad.Decision{Speech: speech}, nil
}

// Reset increments ResetCalls.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCalls++
}

// Close is a no-op.
func (s *Session) Close() error { return nil }
