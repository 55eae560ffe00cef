// Package vad defines the Engine interface for voice activity detection
// backends.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (noise-floor estimate, smoothing history) so that independent audio streams
// can be processed without interference.
//
// VAD is synchronous by design: ProcessFrame returns immediately with a
// classification, making it suitable for the low-latency stage that tags
// frames ahead of recognition. Classification is advisory — a session that
// fails mid-stream degrades the pipeline to "no speech detected" rather than
// crashing it, so implementations should prefer returning an error over
// guessing.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle is used from one goroutine only.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the
	// PCM frames passed to ProcessFrame.
	SampleRate int

	// FrameSizeMs is the duration of each audio frame in milliseconds.
	// ProcessFrame returns an error if the supplied frame does not match.
	FrameSizeMs int
}

// Decision is the classification of a single frame.
type Decision struct {
	// Speech reports whether the frame contains voice activity.
	Speech bool

	// RMS is the measured root-mean-square energy of the frame in raw 16-bit
	// sample units. Zero when the backend does not measure energy.
	RMS float64
}

// SessionHandle is an active VAD session for a single audio stream. It is an
// interface so that test code can supply scripted implementations.
type SessionHandle interface {
	// ProcessFrame classifies a single frame of little-endian 16-bit mono
	// PCM. Returns an error if the frame size is wrong or the engine fails
	// internally; callers treat an error as "not speech".
	ProcessFrame(frame []byte) (Decision, error)

	// Reset clears accumulated detection state (noise floor, smoothing)
	// without closing the session. Use when the stream is restarted.
	Reset()

	// Close releases the session's resources. Safe to call more than once.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a session with the given configuration. Returns an
	// error if the configuration is invalid or resources cannot be allocated.
	NewSession(cfg Config) (SessionHandle, error)
}
