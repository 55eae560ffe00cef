package pipeline

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/echoscribe/internal/observe"
	"github.com/MrWong99/echoscribe/pkg/provider/stt"
)

// recognitionStage serves two purposes concurrently from one input queue:
//
//   - Fast-path batching: consecutive frame payloads are concatenated
//     (speech flag ignored) until the batch size is reached, then submitted
//     to the streaming recognizer in one call. An engine "final" becomes a
//     Draft message (provisional, corrected later); an engine "partial"
//     becomes a Partial message.
//
//   - Segmentation: the per-frame speech flag drives the silence-triggered
//     state machine that assembles complete utterances for correction.
//
// The two are logically independent state over the same stream. They share
// one consumption loop because neither may fall behind the other: drafts
// give the user something to read now, sealed utterances decide what gets
// re-transcribed accurately.
type recognitionStage struct {
	in          *Queue[TaggedFrame]
	out         *Queue[[]byte]
	rec         stt.Streaming
	seg         *segmenter
	batchFrames int
	popTimeout  time.Duration
	emit        func(Message)
	metrics     *observe.Metrics
	log         *slog.Logger

	batch      []byte
	batchCount int
}

func (r *recognitionStage) run(ctx context.Context, upstreamDone <-chan struct{}) error {
	for {
		tf, ok := r.in.PopTimeout(r.popTimeout)
		if !ok {
			select {
			case <-upstreamDone:
				if r.in.Len() == 0 {
					r.finish(ctx)
					return nil
				}
			default:
			}
			continue
		}

		r.batch = append(r.batch, tf.PCM...)
		r.batchCount++
		if r.batchCount >= r.batchFrames {
			r.submitBatch(ctx)
		}

		if u, sealedNow := r.seg.push(tf.PCM, tf.Speech); sealedNow {
			r.forwardUtterance(ctx, u)
		}
	}
}

// finish runs after the input queue has drained: the remaining sub-size
// batch is still submitted and an in-progress utterance is sealed, so the
// last words before a stop are neither untranscribed nor uncorrected.
func (r *recognitionStage) finish(ctx context.Context) {
	if r.batchCount > 0 {
		r.submitBatch(ctx)
	}
	if u, ok := r.seg.flush(); ok {
		r.forwardUtterance(ctx, u)
	}
}

// submitBatch sends the accumulated PCM to the fast recognizer and maps its
// outcome onto the message vocabulary. The batch buffer is reset regardless
// of outcome; an engine error costs at most this batch's output, never the
// stage or the segmentation state.
func (r *recognitionStage) submitBatch(ctx context.Context) {
	pcm := r.batch
	r.batch = nil
	r.batchCount = 0

	ctx, span := observe.StartSpan(ctx, "stt.fast.accept",
		trace.WithAttributes(attribute.Int("pcm.bytes", len(pcm))))
	defer span.End()

	start := time.Now()
	res, err := r.rec.Accept(pcm)
	r.metrics.RecordRecognition(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		observe.WithTrace(ctx, r.log).Warn("fast recognition failed for one batch", "err", err)
		r.metrics.RecordStageError(ctx, "recognition")
		return
	}

	switch res.Kind {
	case stt.ResultFinal:
		if res.Text != "" {
			r.emit(Draft(res.Text))
		}
	case stt.ResultPartial:
		if res.Text != "" {
			r.emit(Partial(res.Text))
		}
	}
}

// forwardUtterance hands a sealed utterance to the correction queue. The
// enqueue never blocks: when the correction backlog is full, the oldest
// pending utterance is evicted and the loss is reported explicitly, because
// a dropped utterance is text the user already saw as a draft.
func (r *recognitionStage) forwardUtterance(ctx context.Context, u sealed) {
	if !u.Viable {
		r.log.Debug("discarding utterance below minimum duration", "bytes", len(u.PCM))
		r.metrics.RecordUtteranceSealed(ctx, "too_short")
		return
	}
	if r.out.PushEvictOldest(u.PCM) {
		r.emit(Statusf("correction backlog full; dropped oldest pending utterance"))
		r.metrics.RecordUtteranceSealed(ctx, "dropped")
	}
	r.metrics.RecordUtteranceSealed(ctx, "forwarded")
}
