package config

import (
	"strings"
	"testing"
	"time"
)

const validYAML = `
server:
  listen_addr: ":9000"
  log_level: debug
audio:
  sample_rate: 16000
  frame_ms: 20
  device: "USB Microphone"
engines:
  fast:
    name: vosk
    model_path: /models/vosk-model-small-en-us
  slow:
    name: whisper
    model_path: /models/ggml-base.en.bin
    language: en
  vad:
    name: energy
pipeline:
  batch_frames: 5
  silence_frames: 25
  pre_roll_frames: 3
storage:
  database_path: /tmp/echoscribe.db
  export_dir: /tmp/recordings
`

func TestLoadFromReaderValid(t *testing.T) {
	t.Parallel()
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q, want \":9000\"", cfg.Server.ListenAddr)
	}
	if cfg.Audio.Device != "USB Microphone" {
		t.Errorf("Device = %q, want \"USB Microphone\"", cfg.Audio.Device)
	}
	if cfg.Engines.Fast.ModelPath != "/models/vosk-model-small-en-us" {
		t.Errorf("fast ModelPath = %q", cfg.Engines.Fast.ModelPath)
	}
}

func TestLoadFromReaderAppliesDefaults(t *testing.T) {
	t.Parallel()
	minimal := `
engines:
  fast:
    model_path: /models/vosk
`
	cfg, err := LoadFromReader(strings.NewReader(minimal))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	if cfg.Server.ListenAddr != ":8750" {
		t.Errorf("default ListenAddr = %q, want \":8750\"", cfg.Server.ListenAddr)
	}
	if cfg.Server.LogLevel != LogInfo {
		t.Errorf("default LogLevel = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Audio.SampleRate != 16000 || cfg.Audio.FrameMs != 20 {
		t.Errorf("default audio = %d Hz / %d ms, want 16000/20", cfg.Audio.SampleRate, cfg.Audio.FrameMs)
	}
	if cfg.Pipeline.SilenceFrames != 25 || cfg.Pipeline.PreRollFrames != 3 || cfg.Pipeline.BatchFrames != 5 {
		t.Errorf("default pipeline tuning = %+v", cfg.Pipeline)
	}
	if cfg.Pipeline.Shed.MidDropP != 0.3 || cfg.Pipeline.Shed.HighDropP != 0.8 {
		t.Errorf("default shed bands = %+v", cfg.Pipeline.Shed)
	}
	if cfg.Engines.VAD.Name != "energy" {
		t.Errorf("default VAD engine = %q, want energy", cfg.Engines.VAD.Name)
	}
}

func TestLoadFromReaderRejectsUnknownFields(t *testing.T) {
	t.Parallel()
	_, err := LoadFromReader(strings.NewReader("serverr:\n  listen_addr: \":1\"\n"))
	if err == nil {
		t.Fatal("unknown top-level key must be rejected")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()
	bad := `
server:
  log_level: loud
audio:
  sample_rate: -1
engines:
  fast:
    model_path: /models/vosk
`
	_, err := LoadFromReader(strings.NewReader(bad))
	if err == nil {
		t.Fatal("invalid config must not load")
	}
	for _, want := range []string{"log_level", "sample_rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %q", err, want)
		}
	}
}

func TestValidateRequiresFastModelPath(t *testing.T) {
	t.Parallel()
	_, err := LoadFromReader(strings.NewReader(""))
	if err == nil || !strings.Contains(err.Error(), "model_path") {
		t.Fatalf("missing fast model path must be rejected, got %v", err)
	}
}

func TestPipelineConfigMapping(t *testing.T) {
	t.Parallel()
	cfg, err := LoadFromReader(strings.NewReader(validYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	p := cfg.PipelineConfig()
	if err := p.Validate(); err != nil {
		t.Fatalf("mapped pipeline config must validate, got %v", err)
	}
	if p.FrameDuration != 20*time.Millisecond {
		t.Errorf("FrameDuration = %s, want 20ms", p.FrameDuration)
	}
	if p.MinUtterance != 500*time.Millisecond {
		t.Errorf("MinUtterance = %s, want 500ms", p.MinUtterance)
	}
	if p.FrameBytes() != 640 {
		t.Errorf("FrameBytes = %d, want 640", p.FrameBytes())
	}
}
