package pipeline

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/echoscribe/pkg/audio"
)

// Config tunes a [Session]. The zero value is not usable; start from
// [DefaultConfig] and override fields as needed.
//
// The segmentation thresholds (SilenceFrames, PreRollFrames, MinUtterance)
// were tuned empirically against conversational speech at 16 kHz / 20 ms
// frames. They are configuration, not proven-optimal constants.
type Config struct {
	// SampleRate is the PCM sample rate in Hz. Default 16000.
	SampleRate int
	// FrameDuration is the length of one capture frame. Default 20 ms.
	FrameDuration time.Duration

	// BatchFrames is the number of frames concatenated per fast-recognizer
	// call. Default 5 (≈ 100 ms of audio).
	BatchFrames int

	// SilenceFrames is the number of consecutive silent frames after which an
	// in-progress utterance is sealed. Default 25 (≈ 500 ms).
	SilenceFrames int
	// PreRollFrames is how many idle-buffered frames are prepended to a new
	// utterance so speech onset is not clipped. Default 3.
	PreRollFrames int
	// IdleWindowFrames bounds the rolling pre-roll buffer kept while idle.
	// Default 10.
	IdleWindowFrames int
	// MinUtterance is the minimum sealed-utterance audio length worth
	// correcting; shorter utterances are discarded. Default 500 ms.
	MinUtterance time.Duration

	// CaptureQueueCap is the capture→VAD queue capacity. Default 64.
	CaptureQueueCap int
	// VadQueueCap is the VAD→recognition queue capacity. Default 64.
	VadQueueCap int
	// CorrectionQueueCap is the sealed-utterance queue capacity. Sized large
	// relative to the frame queues because a dropped utterance loses content
	// the user already saw as a draft. Default 32.
	CorrectionQueueCap int
	// MessageBuffer is the outbound message channel depth. Default 256.
	MessageBuffer int

	// PopTimeout bounds every blocking queue wait (and the device read) so
	// each stage observes session-stop promptly. Default 100 ms.
	PopTimeout time.Duration

	// Shed is the capture-side load-shedding policy.
	Shed ShedPolicy
}

// DefaultConfig returns the tuned defaults for 16 kHz mono capture.
func DefaultConfig() Config {
	return Config{
		SampleRate:         16000,
		FrameDuration:      20 * time.Millisecond,
		BatchFrames:        5,
		SilenceFrames:      25,
		PreRollFrames:      3,
		IdleWindowFrames:   10,
		MinUtterance:       500 * time.Millisecond,
		CaptureQueueCap:    64,
		VadQueueCap:        64,
		CorrectionQueueCap: 32,
		MessageBuffer:      256,
		PopTimeout:         100 * time.Millisecond,
		Shed:               DefaultShedPolicy(),
	}
}

// FrameBytes returns the byte length of one frame at the configured rate.
func (c Config) FrameBytes() int {
	return audio.FrameBytes(c.SampleRate, c.FrameDuration)
}

// minUtteranceBytes returns the PCM byte length below which a sealed
// utterance is discarded.
func (c Config) minUtteranceBytes() int {
	return audio.FrameBytes(c.SampleRate, c.MinUtterance)
}

// Validate checks the configuration, returning all violations joined.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive, got %d", c.SampleRate))
	}
	if c.FrameDuration <= 0 {
		errs = append(errs, fmt.Errorf("frame duration must be positive, got %s", c.FrameDuration))
	}
	if c.BatchFrames < 1 {
		errs = append(errs, fmt.Errorf("batch frames must be at least 1, got %d", c.BatchFrames))
	}
	if c.SilenceFrames < 1 {
		errs = append(errs, fmt.Errorf("silence frames must be at least 1, got %d", c.SilenceFrames))
	}
	if c.PreRollFrames < 0 {
		errs = append(errs, fmt.Errorf("pre-roll frames must not be negative, got %d", c.PreRollFrames))
	}
	if c.IdleWindowFrames < c.PreRollFrames {
		errs = append(errs, fmt.Errorf("idle window (%d) must be at least pre-roll (%d)", c.IdleWindowFrames, c.PreRollFrames))
	}
	if c.MinUtterance < 0 {
		errs = append(errs, fmt.Errorf("minimum utterance duration must not be negative, got %s", c.MinUtterance))
	}
	if c.CaptureQueueCap < 1 || c.VadQueueCap < 1 || c.CorrectionQueueCap < 1 {
		errs = append(errs, errors.New("all queue capacities must be at least 1"))
	}
	if c.MessageBuffer < 1 {
		errs = append(errs, fmt.Errorf("message buffer must be at least 1, got %d", c.MessageBuffer))
	}
	if c.PopTimeout <= 0 {
		errs = append(errs, fmt.Errorf("pop timeout must be positive, got %s", c.PopTimeout))
	}
	if p := c.Shed; p.LowWater < 0 || p.LowWater > p.HighWater || p.HighWater > 1 ||
		p.MidDropP < 0 || p.MidDropP > 1 || p.HighDropP < 0 || p.HighDropP > 1 {
		errs = append(errs, errors.New("shed policy out of range: need 0 ≤ low ≤ high ≤ 1 and probabilities in [0,1]"))
	}
	return errors.Join(errs...)
}
