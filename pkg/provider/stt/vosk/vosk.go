// Package vosk implements the stt.Streaming interface on top of the Vosk
// CGO bindings. The libvosk shared library and an unpacked acoustic model
// directory must be available at run time.
//
// Vosk is the fast path of the pipeline: it keeps an incremental decoding
// state across Accept calls, emits live partial hypotheses, and commits a
// final result whenever its own endpointing detects a segment boundary.
package vosk

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vosklib "github.com/alphacep/vosk-api/go"

	"github.com/MrWong99/echoscribe/pkg/provider/stt"
)

// Compile-time assertion that Recognizer satisfies stt.Streaming.
var _ stt.Streaming = (*Recognizer)(nil)

// quietOnce silences the Vosk C library's stdout chatter exactly once per
// process.
var quietOnce sync.Once

// Recognizer is a live Vosk decoding session over one model.
type Recognizer struct {
	mu    sync.Mutex
	model *vosklib.VoskModel
	rec   *vosklib.VoskRecognizer

	// lastPartial suppresses identical consecutive partial hypotheses so the
	// pipeline does not spam the UI with no-op updates.
	lastPartial string
	closed      bool
}

// New loads the Vosk model from modelPath and creates a recognizer for mono
// 16-bit PCM at sampleRate. The caller must call Close when done.
func New(modelPath string, sampleRate int) (*Recognizer, error) {
	if modelPath == "" {
		return nil, errors.New("vosk: modelPath must not be empty")
	}
	if sampleRate <= 0 {
		return nil, errors.New("vosk: sampleRate must be positive")
	}

	quietOnce.Do(func() { vosklib.SetLogLevel(-1) })

	model, err := vosklib.NewModel(modelPath)
	if err != nil {
		return nil, fmt.Errorf("vosk: load model %q: %w", modelPath, err)
	}
	rec, err := vosklib.NewRecognizer(model, float64(sampleRate))
	if err != nil {
		model.Free()
		return nil, fmt.Errorf("vosk: create recognizer: %w", err)
	}

	slog.Info("vosk: model loaded", "path", modelPath, "sample_rate", sampleRate)
	return &Recognizer{model: model, rec: rec}, nil
}

// voskResult is the JSON shape of Vosk's committed-segment output.
type voskResult struct {
	Text string `json:"text"`
}

// voskPartial is the JSON shape of Vosk's live-hypothesis output.
type voskPartial struct {
	Partial string `json:"partial"`
}

// Accept feeds one PCM batch to the decoder. A non-zero return from Vosk's
// AcceptWaveform marks a committed segment; the decoder resets its own
// utterance state in that case.
func (r *Recognizer) Accept(pcm []byte) (stt.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return stt.Result{}, errors.New("vosk: recognizer is closed")
	}

	if r.rec.AcceptWaveform(pcm) != 0 {
		var res voskResult
		if err := json.Unmarshal([]byte(r.rec.Result()), &res); err != nil {
			return stt.Result{}, fmt.Errorf("vosk: decode result: %w", err)
		}
		r.lastPartial = ""
		text := strings.TrimSpace(res.Text)
		if text == "" {
			return stt.Result{Kind: stt.ResultNone}, nil
		}
		return stt.Result{Kind: stt.ResultFinal, Text: text}, nil
	}

	var part voskPartial
	if err := json.Unmarshal([]byte(r.rec.PartialResult()), &part); err != nil {
		return stt.Result{}, fmt.Errorf("vosk: decode partial: %w", err)
	}
	text := strings.TrimSpace(part.Partial)
	if text == "" || text == r.lastPartial {
		return stt.Result{Kind: stt.ResultNone}, nil
	}
	r.lastPartial = text
	return stt.Result{Kind: stt.ResultPartial, Text: text}, nil
}

// Reset discards the in-progress utterance state.
func (r *Recognizer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	// FinalResult flushes and resets the decoder; the flushed text is
	// deliberately discarded.
	_ = r.rec.FinalResult()
	r.lastPartial = ""
}

// Close frees the recognizer and model. Safe to call more than once.
func (r *Recognizer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.rec.Free()
	r.model.Free()
	return nil
}
