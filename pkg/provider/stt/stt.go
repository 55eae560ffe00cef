// Package stt defines the two recognizer interfaces the transcription
// pipeline is built around.
//
// The pipeline deliberately uses two engines with opposite trade-offs:
//
//   - Streaming — a stateful incremental recognizer fed small PCM batches in
//     real time. It answers fast and cheap so the user sees text while still
//     speaking, at reduced accuracy. Its "final" results are only drafts.
//   - Batch — a whole-utterance recognizer invoked once per sealed utterance.
//     It may run slower than real time and produces the authoritative text
//     that supersedes the draft.
//
// Neither engine is safe for concurrent calls; each is owned by exactly one
// pipeline stage. Implementations live in subpackages (stt/vosk, stt/whisper)
// with test doubles in stt/mock.
package stt

import "context"

// ResultKind classifies the outcome of one Streaming.Accept call.
type ResultKind int

const (
	// ResultNone means the engine produced no usable text for this batch.
	ResultNone ResultKind = iota

	// ResultPartial is a live, still-changing hypothesis. Superseded by the
	// next result; never persisted.
	ResultPartial

	// ResultFinal is the engine's committed text for a completed segment.
	// The engine has reset its internal utterance state. Downstream this is
	// still only a draft pending correction.
	ResultFinal
)

// String returns the human-readable name of the result kind.
func (k ResultKind) String() string {
	switch k {
	case ResultNone:
		return "none"
	case ResultPartial:
		return "partial"
	case ResultFinal:
		return "final"
	default:
		return "unknown"
	}
}

// Result is the outcome of feeding one PCM batch to a Streaming recognizer.
type Result struct {
	Kind ResultKind
	Text string
}

// Streaming is a stateful incremental recognizer. Accept is called from a
// single goroutine with consecutive batches of little-endian 16-bit mono PCM
// at the rate the engine was constructed with.
type Streaming interface {
	// Accept feeds one batch of PCM and returns the engine's current output.
	// When the returned Result has Kind ResultFinal, the engine has reset
	// its utterance state internally; the caller does not call Reset.
	Accept(pcm []byte) (Result, error)

	// Reset discards any in-progress utterance state. Used between sessions.
	Reset()

	// Close releases the engine. Safe to call more than once.
	Close() error
}

// Batch is a whole-utterance recognizer. Transcribe may take substantially
// longer than the audio's play time; it is called serially from a single
// dedicated worker.
type Batch interface {
	// Transcribe recognises one complete utterance of float32 mono samples
	// in [-1, 1] and returns the text (possibly empty). The context bounds
	// the call; a cancelled context abandons the utterance.
	Transcribe(ctx context.Context, samples []float32) (string, error)

	// Close releases the engine. Safe to call more than once.
	Close() error
}
