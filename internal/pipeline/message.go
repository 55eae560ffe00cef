// Package pipeline implements the streaming transcription pipeline:
// capture → voice-activity detection → fast incremental recognition →
// silence-triggered segmentation → slow correction recognition.
//
// Stages run as independent goroutines connected by bounded queues. Each
// edge has an explicit overflow policy so that a slow consumer can never
// stall audio capture; the pipeline sheds load instead of growing memory.
package pipeline

import "fmt"

// MessageKind discriminates the values a session emits toward its consumer.
type MessageKind int

const (
	// KindDraft is provisional fast-path text for a completed short segment.
	// A later KindFinal for the same audio supersedes it.
	KindDraft MessageKind = iota
	// KindPartial is live, still-in-progress fast-path text. Always ephemeral:
	// the next Partial or Draft replaces it.
	KindPartial
	// KindFinal is corrected text for a sealed utterance, authoritative once
	// emitted. A Final is always emitted after the Draft(s) it corrects.
	KindFinal
	// KindStatus is a human-readable progress or warning notice.
	KindStatus
	// KindError reports a failure. Fatal errors stop the originating stage.
	KindError
)

// String implements fmt.Stringer.
func (k MessageKind) String() string {
	switch k {
	case KindDraft:
		return "draft"
	case KindPartial:
		return "partial"
	case KindFinal:
		return "final"
	case KindStatus:
		return "status"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Message is one unit of pipeline output. The consumer must treat the set of
// kinds as closed and match exhaustively.
//
// Level samples deliberately do not travel through the message stream; they
// ride a separate latest-value-wins channel (see [Session.Levels]) so a slow
// transcript consumer can never delay the level meter and vice versa.
type Message struct {
	Kind MessageKind
	Text string
}

// Draft constructs a KindDraft message.
func Draft(text string) Message { return Message{Kind: KindDraft, Text: text} }

// Partial constructs a KindPartial message.
func Partial(text string) Message { return Message{Kind: KindPartial, Text: text} }

// Final constructs a KindFinal message.
func Final(text string) Message { return Message{Kind: KindFinal, Text: text} }

// Statusf constructs a KindStatus message with fmt.Sprintf semantics.
func Statusf(format string, args ...any) Message {
	return Message{Kind: KindStatus, Text: fmt.Sprintf(format, args...)}
}

// Errorf constructs a KindError message with fmt.Sprintf semantics.
func Errorf(format string, args ...any) Message {
	return Message{Kind: KindError, Text: fmt.Sprintf(format, args...)}
}
