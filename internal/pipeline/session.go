package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoscribe/internal/observe"
	"github.com/MrWong99/echoscribe/pkg/audiosource"
	"github.com/MrWong99/echoscribe/pkg/provider/stt"
	"github.com/MrWong99/echoscribe/pkg/provider/vad"
)

// QueueDepths is a diagnostic snapshot of the pipeline's internal queues.
type QueueDepths struct {
	// Capture is the capture→VAD queue depth.
	Capture int `json:"capture"`
	// VAD is the VAD→recognition queue depth.
	VAD int `json:"vad"`
	// Recognition is the sealed-utterance backlog awaiting correction.
	Recognition int `json:"recognition"`
	// Correction is 1 while a correction call is in flight, else 0.
	Correction int `json:"correction"`
}

// DropStats is a cumulative account of backpressure losses.
type DropStats struct {
	// FramesShed counts frames dropped probabilistically at capture.
	FramesShed uint64 `json:"frames_shed"`
	// FramesEvicted counts frames evicted from a full capture→VAD queue.
	FramesEvicted uint64 `json:"frames_evicted"`
	// FramesOverflowed counts tagged frames dropped at the VAD→recognition edge.
	FramesOverflowed uint64 `json:"frames_overflowed"`
	// UtterancesEvicted counts sealed utterances evicted from the correction backlog.
	UtterancesEvicted uint64 `json:"utterances_evicted"`
}

// Session is one recording session: four pipeline stages running as
// independent goroutines connected by bounded queues, plus the outbound
// message and level channels. Construct with [NewSession], run with
// [Session.Start], end with [Session.Stop] followed by [Session.Wait].
//
// Stopping is drain-and-join: the active flag clears, capture stops at its
// next read boundary, and every downstream stage keeps consuming until its
// input queue is empty before exiting, so buffered tail audio is never lost.
type Session struct {
	cfg Config
	src audiosource.Source

	vadEngine vad.Engine
	fast      stt.Streaming
	slow      BatchLoader

	metrics *observe.Metrics
	log     *slog.Logger

	active  atomic.Bool
	started atomic.Bool

	rec    *Recording
	msgs   *Queue[Message]
	levels chan float32

	qCapture *Queue[Frame]
	qVad     *Queue[TaggedFrame]
	qUtter   *Queue[[]byte]

	capture    *captureStage
	correction *correctionStage
	vadSess    vad.SessionHandle

	g        errgroup.Group
	waitOnce sync.Once
	waitErr  error

	// unregisterDepths detaches the queue depth gauge callback at Wait.
	unregisterDepths func()

	// randFloat drives load-shedding; tests override it for determinism.
	randFloat func() float64
}

// SessionOption is a functional option for configuring a Session.
type SessionOption func(*Session)

// WithMetrics sets the metrics instance used by all stages. Default: nil
// (metrics disabled).
func WithMetrics(m *observe.Metrics) SessionOption {
	return func(s *Session) { s.metrics = m }
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) { s.log = l }
}

// withRandFloat overrides the shed-policy random source, for tests.
func withRandFloat(f func() float64) SessionOption {
	return func(s *Session) { s.randFloat = f }
}

// NewSession validates cfg and wires the stages. The fast recognizer must be
// ready; the slow engine is constructed lazily by the correction stage via
// slow, because loading it can take longer than the user wants to wait
// before speaking.
func NewSession(cfg Config, src audiosource.Source, vadEngine vad.Engine, fast stt.Streaming, slow BatchLoader, opts ...SessionOption) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("pipeline: invalid config: %w", err)
	}
	if src == nil || vadEngine == nil || fast == nil || slow == nil {
		return nil, errors.New("pipeline: source, vad engine, fast recognizer, and slow loader are all required")
	}

	s := &Session{
		cfg:       cfg,
		src:       src,
		vadEngine: vadEngine,
		fast:      fast,
		slow:      slow,
		log:       slog.Default(),
		rec:       NewRecording(cfg.SampleRate),
		msgs:      NewQueue[Message](cfg.MessageBuffer),
		levels:    make(chan float32, 1),
		qCapture:  NewQueue[Frame](cfg.CaptureQueueCap),
		qVad:      NewQueue[TaggedFrame](cfg.VadQueueCap),
		qUtter:    NewQueue[[]byte](cfg.CorrectionQueueCap),
		randFloat: rand.Float64,
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start spawns all stages. It may be called once per Session; a stopped
// session cannot be restarted — create a new one.
func (s *Session) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("pipeline: session already started")
	}

	vadSess, err := s.vadEngine.NewSession(vad.Config{
		SampleRate:  s.cfg.SampleRate,
		FrameSizeMs: int(s.cfg.FrameDuration.Milliseconds()),
	})
	if err != nil {
		return fmt.Errorf("pipeline: create vad session: %w", err)
	}
	s.vadSess = vadSess
	s.fast.Reset()

	s.capture = &captureStage{
		src:         s.src,
		out:         s.qCapture,
		levels:      s.levels,
		rec:         s.rec,
		frameBytes:  s.cfg.FrameBytes(),
		readTimeout: s.cfg.PopTimeout,
		shed:        s.cfg.Shed,
		randFloat:   s.randFloat,
		emit:        s.emit,
		metrics:     s.metrics,
		log:         s.log.With("stage", "capture"),
	}
	vadSt := &vadStage{
		in:         s.qCapture,
		out:        s.qVad,
		sess:       vadSess,
		popTimeout: s.cfg.PopTimeout,
		metrics:    s.metrics,
		log:        s.log.With("stage", "vad"),
	}
	recognition := &recognitionStage{
		in:          s.qVad,
		out:         s.qUtter,
		rec:         s.fast,
		seg:         newSegmenter(s.cfg),
		batchFrames: s.cfg.BatchFrames,
		popTimeout:  s.cfg.PopTimeout,
		emit:        s.emit,
		metrics:     s.metrics,
		log:         s.log.With("stage", "recognition"),
	}
	s.correction = &correctionStage{
		in:         s.qUtter,
		load:       s.slow,
		sampleRate: s.cfg.SampleRate,
		popTimeout: s.cfg.PopTimeout,
		emit:       s.emit,
		metrics:    s.metrics,
		log:        s.log.With("stage", "correction"),
	}

	unregister, err := s.metrics.RegisterQueueDepths(func() map[string]int {
		d := s.QueueDepths()
		return map[string]int{
			"capture":     d.Capture,
			"vad":         d.VAD,
			"recognition": d.Recognition,
			"correction":  d.Correction,
		}
	})
	if err != nil {
		s.log.Warn("queue depth gauge unavailable", "err", err)
	} else {
		s.unregisterDepths = unregister
	}

	s.active.Store(true)
	s.metrics.SessionStarted(ctx)
	s.log.Info("session started",
		"sample_rate", s.cfg.SampleRate,
		"frame", s.cfg.FrameDuration,
		"batch_frames", s.cfg.BatchFrames,
	)

	// Each stage drains until its upstream has finished, so a stop never
	// races buffered tail audio out of the pipeline.
	captureDone := make(chan struct{})
	vadDone := make(chan struct{})
	recDone := make(chan struct{})

	s.g.Go(func() error {
		defer close(captureDone)
		return s.capture.run(ctx, &s.active)
	})
	s.g.Go(func() error {
		defer close(vadDone)
		return vadSt.run(ctx, captureDone)
	})
	s.g.Go(func() error {
		defer close(recDone)
		return recognition.run(ctx, vadDone)
	})
	s.g.Go(func() error {
		return s.correction.run(ctx, recDone)
	})
	return nil
}

// Stop clears the active flag. Stages notice at their next timeout boundary,
// drain their queues, and exit; call [Session.Wait] to join them.
func (s *Session) Stop() {
	s.active.Store(false)
}

// Wait joins all stages, closes the outbound channels, and returns the first
// fatal stage error, if any. Safe to call multiple times.
func (s *Session) Wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.g.Wait()
		if s.vadSess != nil {
			if err := s.vadSess.Close(); err != nil {
				s.log.Warn("closing vad session", "err", err)
			}
		}
		s.msgs.Close()
		close(s.levels)
		if s.unregisterDepths != nil {
			s.unregisterDepths()
		}
		s.metrics.SessionStopped(context.Background())
		drops := s.Drops()
		s.log.Info("session stopped",
			"recorded", s.rec.Duration(),
			"frames_shed", drops.FramesShed,
			"frames_evicted", drops.FramesEvicted,
		)
	})
	return s.waitErr
}

// Active reports whether the session is currently recording.
func (s *Session) Active() bool { return s.active.Load() }

// Messages returns the outbound message stream. Closed after [Session.Wait].
func (s *Session) Messages() <-chan Message { return s.msgs.Chan() }

// Levels returns the latest-value-wins level meter channel. A slow consumer
// only ever misses intermediate samples; it can never slow down capture.
// Closed after [Session.Wait].
func (s *Session) Levels() <-chan float32 { return s.levels }

// Recording returns the session's full-audio accumulator. Read its bytes
// only after [Session.Wait] has returned.
func (s *Session) Recording() *Recording { return s.rec }

// QueueDepths returns a point-in-time snapshot of queue occupancy.
func (s *Session) QueueDepths() QueueDepths {
	d := QueueDepths{
		Capture:     s.qCapture.Len(),
		VAD:         s.qVad.Len(),
		Recognition: s.qUtter.Len(),
	}
	if s.correction != nil {
		d.Correction = int(s.correction.inFlight.Load())
	}
	return d
}

// Drops returns the cumulative backpressure losses so far.
func (s *Session) Drops() DropStats {
	var shed uint64
	if s.capture != nil {
		shed = s.capture.shedCount.Load()
	}
	return DropStats{
		FramesShed:        shed,
		FramesEvicted:     s.qCapture.Evicted(),
		FramesOverflowed:  s.qVad.Dropped(),
		UtterancesEvicted: s.qUtter.Evicted(),
	}
}

// emit publishes a message toward the consumer without ever blocking a
// stage: Partials are dropped when the buffer is full (the next one
// supersedes them anyway), all other kinds evict the oldest buffered
// message to preserve the newest information.
func (s *Session) emit(m Message) {
	s.metrics.RecordMessage(context.Background(), m.Kind.String())
	if m.Kind == KindPartial {
		if !s.msgs.TryPush(m) {
			s.log.Debug("message buffer full, dropped partial")
		}
		return
	}
	s.msgs.PushEvictOldest(m)
}
