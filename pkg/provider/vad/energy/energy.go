// Package energy implements an adaptive RMS-threshold voice activity
// detector.
//
// The detector tracks a noise-floor estimate with an exponential moving
// average over frames it classifies as silence, then declares speech when a
// frame's RMS rises a configurable ratio above that floor. Hysteresis (a
// lower exit ratio than entry ratio) keeps the decision from flapping at
// word boundaries. No model files and no CGO — this is the always-available
// fallback detector, accurate enough to drive utterance segmentation.
package energy

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/echoscribe/pkg/audio"
	"github.com/MrWong99/echoscribe/pkg/provider/vad"
)

const (
	// defaultMinRMS is the absolute energy level below which a frame is
	// never speech, regardless of the noise floor. In raw 16-bit sample
	// units; tuned against typical laptop microphones.
	defaultMinRMS = 250.0

	// defaultEnterRatio is how far above the noise floor a frame must rise
	// to start speech.
	defaultEnterRatio = 2.5

	// defaultExitRatio is how far above the noise floor a frame must stay
	// to remain speech once started.
	defaultExitRatio = 1.5

	// defaultFloorAlpha is the EMA weight of a new silence frame in the
	// noise-floor estimate.
	defaultFloorAlpha = 0.05

	// initialFloor seeds the noise floor before any frame was observed.
	initialFloor = 150.0
)

// Compile-time assertion that Engine satisfies vad.Engine.
var _ vad.Engine = (*Engine)(nil)

// Engine creates adaptive-energy VAD sessions. The zero value is not usable;
// call New.
type Engine struct {
	minRMS     float64
	enterRatio float64
	exitRatio  float64
	floorAlpha float64
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithMinRMS sets the absolute RMS below which a frame is never speech.
func WithMinRMS(v float64) Option {
	return func(e *Engine) { e.minRMS = v }
}

// WithRatios sets the entry and exit ratios relative to the noise floor.
// enter must be ≥ exit, both > 1.
func WithRatios(enter, exit float64) Option {
	return func(e *Engine) {
		e.enterRatio = enter
		e.exitRatio = exit
	}
}

// New constructs an Engine with the supplied options applied over defaults.
func New(opts ...Option) *Engine {
	e := &Engine{
		minRMS:     defaultMinRMS,
		enterRatio: defaultEnterRatio,
		exitRatio:  defaultExitRatio,
		floorAlpha: defaultFloorAlpha,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewSession creates a detector session for one audio stream.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("energy: SampleRate must be positive")
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, errors.New("energy: FrameSizeMs must be positive")
	}
	frameBytes := cfg.SampleRate * cfg.FrameSizeMs / 1000 * audio.BytesPerSample
	return &session{
		engine:     e,
		frameBytes: frameBytes,
		floor:      initialFloor,
	}, nil
}

// session holds the per-stream detection state.
type session struct {
	engine     *Engine
	frameBytes int

	mu       sync.Mutex
	floor    float64
	inSpeech bool
	closed   bool
}

var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame classifies one frame and updates the noise-floor estimate.
func (s *session) ProcessFrame(frame []byte) (vad.Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return vad.Decision{}, errors.New("energy: session is closed")
	}
	if len(frame) != s.frameBytes {
		return vad.Decision{}, fmt.Errorf("energy: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	rms := audio.RMS(frame)

	ratio := s.engine.enterRatio
	if s.inSpeech {
		ratio = s.engine.exitRatio
	}
	threshold := s.floor * ratio
	if threshold < s.engine.minRMS {
		threshold = s.engine.minRMS
	}

	speech := rms >= threshold
	s.inSpeech = speech

	// Only silence frames feed the noise floor, so sustained speech cannot
	// drag the floor up and mask itself.
	if !speech {
		a := s.engine.floorAlpha
		s.floor = (1-a)*s.floor + a*rms
	}

	return vad.Decision{Speech: speech, RMS: rms}, nil
}

// Reset clears the noise floor and speech state.
func (s *session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.floor = initialFloor
	s.inSpeech = false
}

// Close marks the session closed. Safe to call more than once.
func (s *session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
