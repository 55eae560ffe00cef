package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/echoscribe/internal/observe"
	"github.com/MrWong99/echoscribe/pkg/provider/vad"
)

// vadStage classifies each captured frame as speech or silence and forwards
// the tagged frame downstream. It drops on downstream overflow rather than
// blocking, and treats classification errors as silence so a broken VAD
// engine degrades segmentation instead of crashing the pipeline.
type vadStage struct {
	in         *Queue[Frame]
	out        *Queue[TaggedFrame]
	sess       vad.SessionHandle
	popTimeout time.Duration
	metrics    *observe.Metrics
	log        *slog.Logger
}

// run loops until the capture stage has finished and the input queue is
// empty. Exiting only after upstreamDone guarantees the tail of a session is
// never silently lost to a stop/drain race.
func (v *vadStage) run(ctx context.Context, upstreamDone <-chan struct{}) error {
	for {
		frame, ok := v.in.PopTimeout(v.popTimeout)
		if !ok {
			select {
			case <-upstreamDone:
				if v.in.Len() == 0 {
					return nil
				}
			default:
			}
			continue
		}

		speech := false
		decision, err := v.sess.ProcessFrame(frame)
		if err != nil {
			// Fail safe toward silence.
			v.log.Debug("vad classification failed, treating frame as silence", "err", err)
			v.metrics.RecordStageError(ctx, "vad")
		} else {
			speech = decision.Speech
		}

		if !v.out.TryPush(TaggedFrame{PCM: frame, Speech: speech}) {
			v.metrics.RecordFrameDrop(ctx, "vad", "overflow")
		}
	}
}
