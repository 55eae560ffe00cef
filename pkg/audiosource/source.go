// Package audiosource defines the Source interface for microphone-style frame
// producers.
//
// A Source delivers fixed-size frames of mono 16-bit PCM at a fixed rate. The
// capture stage is the only consumer; it calls ReadFrame in a tight loop and
// treats the source as the pacemaker of the whole pipeline — frames arrive at
// wall-clock rate and everything downstream must keep up or shed load.
//
// Implementations of this interface live in subpackages (audiosource/portaudio
// for real microphone capture, audiosource/mock for tests). A Source is used
// from a single goroutine; implementations do not need to support concurrent
// ReadFrame calls, but Close may be called from another goroutine to unblock a
// pending read.
package audiosource

import (
	"errors"
	"time"
)

// ErrTimeout is returned by ReadFrame when no frame became available within
// the caller's timeout. It is a normal flow-control signal, not a failure:
// the capture loop uses it to re-check the session's active flag.
var ErrTimeout = errors.New("audiosource: read timed out")

// ErrClosed is returned by ReadFrame after Close has been called.
var ErrClosed = errors.New("audiosource: source is closed")

// Source produces fixed-size PCM frames from an audio input device.
type Source interface {
	// ReadFrame blocks until the next frame is available or timeout elapses.
	// The returned slice is owned by the caller. Returns ErrTimeout when the
	// timeout elapses, ErrClosed after Close, and any other error on device
	// failure — device errors are fatal to the capture session.
	ReadFrame(timeout time.Duration) ([]byte, error)

	// Close releases the device and unblocks any pending ReadFrame. Calling
	// Close more than once is safe and returns nil.
	Close() error
}
