// Package config provides the configuration schema and loader for the
// Echoscribe transcription service.
package config

import (
	"time"

	"github.com/MrWong99/echoscribe/internal/pipeline"
)

// LogLevel controls log verbosity for the Echoscribe server.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure for Echoscribe.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Audio    AudioConfig    `yaml:"audio"`
	Engines  EnginesConfig  `yaml:"engines"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Storage  StorageConfig  `yaml:"storage"`
}

// ServerConfig holds network and logging settings for the control surface.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8750").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig describes the capture device and PCM format.
type AudioConfig struct {
	// SampleRate is the pipeline PCM sample rate in Hz. When the device does
	// not support it natively, captured audio is resampled.
	SampleRate int `yaml:"sample_rate"`

	// FrameMs is the capture frame duration in milliseconds.
	FrameMs int `yaml:"frame_ms"`

	// Device selects an input device by case-insensitive substring match on
	// its name. Empty selects the system default input.
	Device string `yaml:"device"`
}

// EnginesConfig declares the recognizer and VAD backends.
type EnginesConfig struct {
	Fast EngineEntry `yaml:"fast"`
	Slow EngineEntry `yaml:"slow"`
	VAD  EngineEntry `yaml:"vad"`
}

// EngineEntry is the common configuration block shared by all engine kinds.
type EngineEntry struct {
	// Name selects the engine implementation (e.g., "vosk", "whisper",
	// "energy").
	Name string `yaml:"name"`

	// ModelPath points to the engine's model file or directory. Unused by
	// engines without models (e.g. the energy VAD).
	ModelPath string `yaml:"model_path"`

	// Language is the recognition language code (e.g., "en", "de").
	Language string `yaml:"language"`

	// Options holds engine-specific values not covered by the standard
	// fields above.
	Options map[string]any `yaml:"options"`
}

// PipelineConfig tunes the streaming pipeline. Zero values defer to the
// built-in defaults; see [Config.ApplyDefaults].
type PipelineConfig struct {
	// BatchFrames is the number of frames per fast-recognizer call.
	BatchFrames int `yaml:"batch_frames"`

	// SilenceFrames is the trailing-silence count that seals an utterance.
	SilenceFrames int `yaml:"silence_frames"`

	// PreRollFrames is the onset context prepended to each utterance.
	PreRollFrames int `yaml:"pre_roll_frames"`

	// IdleWindowFrames bounds the rolling pre-roll buffer kept while idle.
	IdleWindowFrames int `yaml:"idle_window_frames"`

	// MinUtteranceMs is the minimum sealed-utterance length worth correcting.
	MinUtteranceMs int `yaml:"min_utterance_ms"`

	// CaptureQueue, VADQueue, and CorrectionQueue are the inter-stage queue
	// capacities.
	CaptureQueue    int `yaml:"capture_queue"`
	VADQueue        int `yaml:"vad_queue"`
	CorrectionQueue int `yaml:"correction_queue"`

	// MessageBuffer is the outbound message channel depth.
	MessageBuffer int `yaml:"message_buffer"`

	// PopTimeoutMs bounds every blocking queue wait so stages observe a stop
	// promptly.
	PopTimeoutMs int `yaml:"pop_timeout_ms"`

	// Shed configures capture-side load shedding.
	Shed ShedConfig `yaml:"shed"`
}

// ShedConfig mirrors the pipeline's probabilistic load-shedding bands.
type ShedConfig struct {
	LowWater  float64 `yaml:"low_water"`
	HighWater float64 `yaml:"high_water"`
	MidDropP  float64 `yaml:"mid_drop_p"`
	HighDropP float64 `yaml:"high_drop_p"`
}

// StorageConfig holds persistence settings.
type StorageConfig struct {
	// DatabasePath is the SQLite file backing the transcript store.
	DatabasePath string `yaml:"database_path"`

	// ExportDir is where session WAV files and transcripts are written.
	ExportDir string `yaml:"export_dir"`
}

// ApplyDefaults fills unset fields with the built-in defaults. Call before
// [Validate]; [Load] and [LoadFromReader] do this automatically.
func (c *Config) ApplyDefaults() {
	def := pipeline.DefaultConfig()

	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8750"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}

	if c.Audio.SampleRate == 0 {
		c.Audio.SampleRate = def.SampleRate
	}
	if c.Audio.FrameMs == 0 {
		c.Audio.FrameMs = int(def.FrameDuration.Milliseconds())
	}

	if c.Engines.Fast.Name == "" {
		c.Engines.Fast.Name = "vosk"
	}
	if c.Engines.Slow.Name == "" {
		c.Engines.Slow.Name = "whisper"
	}
	if c.Engines.Slow.Language == "" {
		c.Engines.Slow.Language = "en"
	}
	if c.Engines.VAD.Name == "" {
		c.Engines.VAD.Name = "energy"
	}

	p := &c.Pipeline
	if p.BatchFrames == 0 {
		p.BatchFrames = def.BatchFrames
	}
	if p.SilenceFrames == 0 {
		p.SilenceFrames = def.SilenceFrames
	}
	if p.PreRollFrames == 0 {
		p.PreRollFrames = def.PreRollFrames
	}
	if p.IdleWindowFrames == 0 {
		p.IdleWindowFrames = def.IdleWindowFrames
	}
	if p.MinUtteranceMs == 0 {
		p.MinUtteranceMs = int(def.MinUtterance.Milliseconds())
	}
	if p.CaptureQueue == 0 {
		p.CaptureQueue = def.CaptureQueueCap
	}
	if p.VADQueue == 0 {
		p.VADQueue = def.VadQueueCap
	}
	if p.CorrectionQueue == 0 {
		p.CorrectionQueue = def.CorrectionQueueCap
	}
	if p.MessageBuffer == 0 {
		p.MessageBuffer = def.MessageBuffer
	}
	if p.PopTimeoutMs == 0 {
		p.PopTimeoutMs = int(def.PopTimeout.Milliseconds())
	}
	if p.Shed == (ShedConfig{}) {
		p.Shed = ShedConfig{
			LowWater:  def.Shed.LowWater,
			HighWater: def.Shed.HighWater,
			MidDropP:  def.Shed.MidDropP,
			HighDropP: def.Shed.HighDropP,
		}
	}

	if c.Storage.DatabasePath == "" {
		c.Storage.DatabasePath = "echoscribe.db"
	}
	if c.Storage.ExportDir == "" {
		c.Storage.ExportDir = "recordings"
	}
}

// PipelineConfig converts the YAML schema into the pipeline's native tuning
// struct.
func (c *Config) PipelineConfig() pipeline.Config {
	p := c.Pipeline
	return pipeline.Config{
		SampleRate:         c.Audio.SampleRate,
		FrameDuration:      time.Duration(c.Audio.FrameMs) * time.Millisecond,
		BatchFrames:        p.BatchFrames,
		SilenceFrames:      p.SilenceFrames,
		PreRollFrames:      p.PreRollFrames,
		IdleWindowFrames:   p.IdleWindowFrames,
		MinUtterance:       time.Duration(p.MinUtteranceMs) * time.Millisecond,
		CaptureQueueCap:    p.CaptureQueue,
		VadQueueCap:        p.VADQueue,
		CorrectionQueueCap: p.CorrectionQueue,
		MessageBuffer:      p.MessageBuffer,
		PopTimeout:         time.Duration(p.PopTimeoutMs) * time.Millisecond,
		Shed: pipeline.ShedPolicy{
			LowWater:  p.Shed.LowWater,
			HighWater: p.Shed.HighWater,
			MidDropP:  p.Shed.MidDropP,
			HighDropP: p.Shed.HighDropP,
		},
	}
}
