package pipeline

import (
	"bytes"
	"sync"
	"time"

	"github.com/MrWong99/echoscribe/pkg/audio"
)

// Recording accumulates the full session's raw PCM, independent of any
// downstream drops, so the exported audio is faithful to what the microphone
// actually delivered. Only the capture stage appends; the export path reads
// it after the session has fully stopped. The mutex exists so diagnostic
// endpoints can ask for the running duration mid-session.
type Recording struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	rate int
}

// NewRecording returns an empty Recording at the given sample rate.
func NewRecording(sampleRate int) *Recording {
	return &Recording{rate: sampleRate}
}

func (r *Recording) append(pcm []byte) {
	r.mu.Lock()
	r.buf.Write(pcm)
	r.mu.Unlock()
}

// Bytes returns a copy of the accumulated raw mono 16-bit PCM.
func (r *Recording) Bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.buf.Len())
	copy(out, r.buf.Bytes())
	return out
}

// Len returns the accumulated byte count.
func (r *Recording) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.Len()
}

// SampleRate returns the PCM sample rate of the recording.
func (r *Recording) SampleRate() int { return r.rate }

// Duration returns the audio length of the accumulated PCM.
func (r *Recording) Duration() time.Duration {
	return audio.Duration(r.Len(), r.rate)
}
