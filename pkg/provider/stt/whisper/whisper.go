// Package whisper implements the stt.Batch interface backed by the
// whisper.cpp CGO bindings. The whisper.cpp static library (libwhisper.a)
// and headers (whisper.h) must be available at link time via LIBRARY_PATH
// and C_INCLUDE_PATH environment variables.
//
// Whisper is the correction path of the pipeline: it re-transcribes each
// sealed utterance in full and routinely beats the streaming recognizer on
// accuracy, at a latency that can exceed the audio's play time. The model is
// loaded once; each Transcribe call runs on a fresh whisper context because
// contexts are not reusable across calls, while the model itself is.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/MrWong99/echoscribe/pkg/provider/stt"
)

const defaultLanguage = "en"

// Compile-time assertion that Engine satisfies stt.Batch.
var _ stt.Batch = (*Engine)(nil)

// Engine is a whisper.cpp batch transcription engine.
type Engine struct {
	mu       sync.Mutex
	model    whisperlib.Model
	language string
	closed   bool
}

// Option is a functional option for configuring an Engine.
type Option func(*Engine)

// WithLanguage sets the language code for transcription (e.g. "en", "de").
// Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *Engine) {
		if lang != "" {
			e.language = lang
		}
	}
}

// New loads the whisper.cpp model from modelPath. Loading is the expensive
// step (seconds for the larger models); construct the engine once per
// session. The caller must call Close when done.
func New(modelPath string, opts ...Option) (*Engine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q: %w", modelPath, err)
	}

	e := &Engine{model: model, language: defaultLanguage}
	for _, o := range opts {
		o(e)
	}
	slog.Info("whisper: model loaded", "path", modelPath, "language", e.language)
	return e, nil
}

// Transcribe runs whisper.cpp inference over one utterance of float32 mono
// samples at 16 kHz and returns the concatenated segment text.
func (e *Engine) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("whisper: context cancelled: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", errors.New("whisper: engine is closed")
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("whisper: create context: %w", err)
	}

	if err := wctx.SetLanguage(e.language); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", e.language, "err", err)
	}

	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return "", fmt.Errorf("whisper: process audio: %w", err)
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}

	return strings.Join(parts, " "), nil
}

// Close releases the whisper model. Safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.model.Close()
}
