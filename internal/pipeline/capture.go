package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echoscribe/internal/observe"
	"github.com/MrWong99/echoscribe/pkg/audio"
	"github.com/MrWong99/echoscribe/pkg/audiosource"
)

// Frame is one fixed-duration slice of mono 16-bit PCM.
type Frame []byte

// TaggedFrame is a Frame plus its voice-activity classification. Produced
// once per frame by the VAD stage and immutable afterward.
type TaggedFrame struct {
	PCM    []byte
	Speech bool
}

// captureStage reads frames from the audio source at wall-clock rate, feeds
// the session recording, publishes level samples, and forwards frames to the
// VAD queue subject to load-shedding. Its loop iteration time is bounded and
// independent of downstream queue fullness: capture must never block on a
// slow consumer.
type captureStage struct {
	src         audiosource.Source
	out         *Queue[Frame]
	levels      chan float32
	rec         *Recording
	frameBytes  int
	readTimeout time.Duration
	shed        ShedPolicy
	randFloat   func() float64
	emit        func(Message)
	metrics     *observe.Metrics
	log         *slog.Logger

	// shedCount tallies frames dropped probabilistically, for diagnostics.
	// Emergency evictions are counted by the queue itself.
	shedCount atomic.Uint64
}

// run loops until the active flag clears. A device error is fatal to the
// whole session: it is surfaced once as an Error message, the flag is
// cleared so every other stage drains and stops, and the error is returned.
func (c *captureStage) run(ctx context.Context, active *atomic.Bool) error {
	for active.Load() {
		frame, err := c.src.ReadFrame(c.readTimeout)
		if err != nil {
			if errors.Is(err, audiosource.ErrTimeout) {
				continue
			}
			if errors.Is(err, audiosource.ErrClosed) && !active.Load() {
				return nil
			}
			c.emit(Errorf("audio capture failed: %v", err))
			active.Store(false)
			return fmt.Errorf("capture: read frame: %w", err)
		}

		if len(frame) != c.frameBytes {
			// Malformed frames never propagate past the capture boundary.
			c.log.Debug("discarding malformed frame", "got", len(frame), "want", c.frameBytes)
			c.metrics.RecordFrameDrop(ctx, "capture", "malformed")
			continue
		}

		c.metrics.RecordFrameCaptured(ctx)

		// The recording reflects the true captured audio regardless of any
		// downstream shedding, so export stays faithful.
		c.rec.append(frame)

		publishLevel(c.levels, audio.PeakLevel(frame))

		if c.shed.shouldDrop(c.out.Occupancy(), c.randFloat) {
			c.shedCount.Add(1)
			c.metrics.RecordFrameDrop(ctx, "capture", "shed")
			continue
		}
		if c.out.PushEvictOldest(Frame(frame)) {
			c.metrics.RecordFrameDrop(ctx, "capture", "evicted")
		}
	}
	return nil
}

// publishLevel delivers v on a latest-value-wins channel: if the consumer
// has not taken the previous sample, it is overwritten. Never blocks.
func publishLevel(ch chan float32, v float32) {
	for {
		select {
		case ch <- v:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
