// Package mock provides scripted stt implementations for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/echoscribe/pkg/provider/stt"
)

var (
	_ stt.Streaming = (*Streaming)(nil)
	_ stt.Batch     = (*Batch)(nil)
)

// Streaming is a scripted stt.Streaming. Each Accept call pops the next
// entry from Results; once the script is exhausted Accept returns
// stt.ResultNone results (or Err if set).
type Streaming struct {
	mu      sync.Mutex
	Results []stt.Result
	// Err is returned by Accept after Results is exhausted.
	Err error

	// Frames records every pcm slice passed to Accept.
	Frames     [][]byte
	ResetCalls int
	Closed     bool
}

func (s *Streaming) Accept(pcm []byte) (stt.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(pcm))
	copy(cp, pcm)
	s.Frames = append(s.Frames, cp)
	if len(s.Results) == 0 {
		if s.Err != nil {
			return stt.Result{}, s.Err
		}
		return stt.Result{Kind: stt.ResultNone}, nil
	}
	res := s.Results[0]
	s.Results = s.Results[1:]
	return res, nil
}

func (s *Streaming) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ResetCalls++
}

func (s *Streaming) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Batch is a scripted stt.Batch. Each Transcribe call pops the next entry
// from Texts; once exhausted it returns Text (and Err if set). Delay is
// slept before returning, honoring context cancellation.
type Batch struct {
	mu    sync.Mutex
	Texts []string
	// Text is returned once Texts is exhausted.
	Text string
	// Err is returned alongside empty text when set.
	Err   error
	Delay time.Duration

	// Calls records the sample counts of every Transcribe invocation.
	Calls  []int
	Closed bool
}

func (b *Batch) Transcribe(ctx context.Context, samples []float32) (string, error) {
	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Calls = append(b.Calls, len(samples))
	if b.Err != nil {
		return "", b.Err
	}
	if len(b.Texts) > 0 {
		text := b.Texts[0]
		b.Texts = b.Texts[1:]
		return text, nil
	}
	return b.Text, nil
}

func (b *Batch) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Closed = true
	return nil
}

// TranscribeCount returns how many Transcribe calls have been recorded.
func (b *Batch) TranscribeCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}
