package pipeline

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/echoscribe/internal/observe"
	"github.com/MrWong99/echoscribe/pkg/audio"
	"github.com/MrWong99/echoscribe/pkg/provider/stt"
)

// BatchLoader constructs the slow correction engine. Loading can take long
// (model files run to gigabytes), so it happens inside the correction stage
// with Status progress messages rather than blocking session start.
type BatchLoader func(ctx context.Context) (stt.Batch, error)

// correctionStage re-transcribes sealed utterances with the slow, accurate
// engine, strictly FIFO with one utterance in flight at a time — the engine
// is not safe for concurrent calls. It tolerates being slower than utterances
// are produced; the queue ahead of it absorbs the backlog.
type correctionStage struct {
	in         *Queue[[]byte]
	load       BatchLoader
	sampleRate int
	popTimeout time.Duration
	emit       func(Message)
	metrics    *observe.Metrics
	log        *slog.Logger

	// inFlight is 1 while a Transcribe call is running, for diagnostics.
	inFlight atomic.Int32

	// failedOnce gates the user-visible Error: the first failed correction
	// reports, later ones only log, so a persistently broken engine does not
	// flood the transcript with errors.
	failedOnce bool
}

// run loads the engine, then corrects utterances until the recognition stage
// has finished and the input queue is drained — sealed-but-unprocessed
// utterances are audio the user already saw as drafts. A load failure is
// fatal to this stage only: it is reported once as an Error and the stage
// exits, leaving the fast path to continue uncorrected. A single utterance's
// failure is logged and skipped.
func (c *correctionStage) run(ctx context.Context, upstreamDone <-chan struct{}) error {
	c.emit(Statusf("loading correction model"))
	engine, err := c.load(ctx)
	if err != nil {
		c.emit(Errorf("correction model failed to load: %v", err))
		c.log.Error("correction engine unavailable for this session", "err", err)
		c.metrics.RecordStageError(ctx, "correction")
		return nil
	}
	defer func() {
		if err := engine.Close(); err != nil {
			c.log.Warn("closing correction engine", "err", err)
		}
	}()
	c.emit(Statusf("correction model ready"))

	for {
		pcm, ok := c.in.PopTimeout(c.popTimeout)
		if !ok {
			select {
			case <-upstreamDone:
				if c.in.Len() == 0 {
					return nil
				}
			default:
			}
			continue
		}
		c.correct(ctx, engine, pcm)
	}
}

func (c *correctionStage) correct(ctx context.Context, engine stt.Batch, pcm []byte) {
	c.inFlight.Store(1)
	defer c.inFlight.Store(0)

	samples := audio.PCMToFloat32(pcm)

	ctx, span := observe.StartSpan(ctx, "stt.correct.transcribe",
		trace.WithAttributes(
			attribute.Int("pcm.bytes", len(pcm)),
			attribute.Int64("audio.ms", audio.Duration(len(pcm), c.sampleRate).Milliseconds()),
		))
	defer span.End()

	start := time.Now()
	text, err := engine.Transcribe(ctx, samples)
	c.metrics.RecordCorrection(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		observe.WithTrace(ctx, c.log).Warn("utterance correction failed, keeping draft text",
			"audio", audio.Duration(len(pcm), c.sampleRate), "err", err)
		c.metrics.RecordStageError(ctx, "correction")
		if !c.failedOnce {
			c.failedOnce = true
			c.emit(Errorf("utterance correction failed: %v", err))
		}
		return
	}
	if text == "" {
		return
	}
	c.emit(Final(text))
}
