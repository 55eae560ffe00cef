package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/MrWong99/echoscribe/internal/observe"
	audiomock "github.com/MrWong99/echoscribe/pkg/audiosource/mock"
	"github.com/MrWong99/echoscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/echoscribe/pkg/provider/stt/mock"
	vadmock "github.com/MrWong99/echoscribe/pkg/provider/vad/mock"
)

// testConfig speeds up stop detection and sizes the queues so that a scripted
// run with instant consumers never sheds or evicts.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CaptureQueueCap = 256
	cfg.VadQueueCap = 256
	cfg.PopTimeout = 10 * time.Millisecond
	return cfg
}

// neverDrop forces the shed policy's random sample above every drop
// probability, making scripted runs deterministic.
func neverDrop() float64 { return 0.99 }

func frames(n int, fill byte, size int) [][]byte {
	out := make([][]byte, n)
	for i := range out {
		out[i] = bytes.Repeat([]byte{fill}, size)
	}
	return out
}

// segRun is a run of identically-classified frames in a scripted decision
// sequence.
type segRun struct {
	speech bool
	n      int
}

func decisions(runs ...segRun) []bool {
	var out []bool
	for _, r := range runs {
		for range r.n {
			out = append(out, r.speech)
		}
	}
	return out
}

func run(speech bool, n int) segRun { return segRun{speech: speech, n: n} }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// collector consumes a session's message stream in the background.
type collector struct {
	mu   sync.Mutex
	msgs []Message
	done chan struct{}
}

func collect(s *Session) *collector {
	c := &collector{done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for m := range s.Messages() {
			c.mu.Lock()
			c.msgs = append(c.msgs, m)
			c.mu.Unlock()
		}
	}()
	return c
}

func (c *collector) snapshot() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *collector) count(k MessageKind) int {
	n := 0
	for _, m := range c.snapshot() {
		if m.Kind == k {
			n++
		}
	}
	return n
}

// waitFor polls cond until it holds or the deadline expires.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// TestSessionEndToEnd drives 1 s speech, 1 s silence, 1 s speech through the
// full pipeline with scripted engines and expects two drafts and two
// corrected finals, each final after its draft.
func TestSessionEndToEnd(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	fb := cfg.FrameBytes()

	src := &audiomock.Source{Frames: frames(150, 1, fb)}
	vadEng := &vadmock.Engine{Session: &vadmock.Session{
		Decisions: decisions(run(true, 50), run(false, 50), run(true, 50)),
	}}

	// 150 frames = 30 batches of 5. The fast engine finalises once in the
	// silence gap and once on the last batch.
	fastResults := make([]stt.Result, 30)
	fastResults[12] = stt.Result{Kind: stt.ResultFinal, Text: "hello"}
	fastResults[29] = stt.Result{Kind: stt.ResultFinal, Text: "hello"}
	fast := &sttmock.Streaming{Results: fastResults}

	slow := &sttmock.Batch{Text: "hello world"}
	loader := func(context.Context) (stt.Batch, error) { return slow, nil }

	sess, err := NewSession(cfg, src, vadEng, fast, loader, withRandFloat(neverDrop))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	col := collect(sess)

	// Let the scripted audio fully traverse the pipeline before stopping:
	// both drafts emitted, first utterance corrected, queues empty.
	waitFor(t, 5*time.Second, "pipeline to drain the scripted audio", func() bool {
		d := sess.QueueDepths()
		return src.Remaining() == 0 &&
			col.count(KindDraft) == 2 &&
			col.count(KindFinal) >= 1 &&
			d.Capture == 0 && d.VAD == 0 && d.Recognition == 0 && d.Correction == 0
	})

	sess.Stop()
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	<-col.done

	msgs := col.snapshot()
	var draftIdx, finalIdx []int
	for i, m := range msgs {
		switch m.Kind {
		case KindDraft:
			if m.Text != "hello" {
				t.Errorf("draft text = %q, want %q", m.Text, "hello")
			}
			draftIdx = append(draftIdx, i)
		case KindFinal:
			if m.Text != "hello world" {
				t.Errorf("final text = %q, want %q", m.Text, "hello world")
			}
			finalIdx = append(finalIdx, i)
		}
	}
	if len(draftIdx) != 2 || len(finalIdx) != 2 {
		t.Fatalf("got %d drafts and %d finals, want 2 and 2 (messages: %v)", len(draftIdx), len(finalIdx), msgs)
	}
	// Every final follows the draft covering the same audio.
	if finalIdx[0] < draftIdx[0] || finalIdx[1] < draftIdx[1] {
		t.Fatalf("finals must follow their drafts: drafts at %v, finals at %v", draftIdx, finalIdx)
	}

	// The second utterance (cut off by the stop, no trailing silence) was
	// corrected too: 3 pre-roll + 50 speech frames, and the first one
	// 50 speech + 26 silence frames.
	if got := slow.TranscribeCount(); got != 2 {
		t.Fatalf("correction engine saw %d utterances, want 2", got)
	}

	// The recording reflects every captured frame.
	if got, want := sess.Recording().Len(), 150*fb; got != want {
		t.Fatalf("recording holds %d bytes, want %d", got, want)
	}
}

// TestSessionFrameIntegrity feeds malformed frames and checks they are
// discarded at the capture boundary: the VAD engine and the recording only
// ever see exact-size frames.
func TestSessionFrameIntegrity(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	fb := cfg.FrameBytes()

	good := frames(20, 1, fb)
	script := make([][]byte, 0, 22)
	script = append(script, good[:10]...)
	script = append(script, bytes.Repeat([]byte{9}, fb/2)) // short frame
	script = append(script, bytes.Repeat([]byte{9}, fb*2)) // long frame
	script = append(script, good[10:]...)

	src := &audiomock.Source{Frames: script}
	vadSess := &vadmock.Session{Default: false}
	sess, err := NewSession(cfg, src, &vadmock.Engine{Session: vadSess},
		&sttmock.Streaming{},
		func(context.Context) (stt.Batch, error) { return &sttmock.Batch{}, nil },
		withRandFloat(neverDrop))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	col := collect(sess)

	waitFor(t, 5*time.Second, "all frames to be read", func() bool {
		return src.Remaining() == 0 && sess.QueueDepths().Capture == 0
	})
	sess.Stop()
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	<-col.done

	for i, f := range vadSess.Frames {
		if len(f) != fb {
			t.Fatalf("vad saw frame %d with %d bytes, want %d", i, len(f), fb)
		}
	}
	if len(vadSess.Frames) != 20 {
		t.Fatalf("vad saw %d frames, want 20", len(vadSess.Frames))
	}
	if got, want := sess.Recording().Len(), 20*fb; got != want {
		t.Fatalf("recording holds %d bytes, want %d (malformed frames excluded)", got, want)
	}
}

// TestSessionCorrectionEngineFailure checks graceful degradation: when every
// correction call fails, drafts still flow, exactly one Error is emitted,
// and the session shuts down cleanly.
func TestSessionCorrectionEngineFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	fb := cfg.FrameBytes()

	src := &audiomock.Source{Frames: frames(150, 1, fb)}
	vadEng := &vadmock.Engine{Session: &vadmock.Session{
		Decisions: decisions(run(true, 50), run(false, 50), run(true, 50)),
	}}
	fastResults := make([]stt.Result, 30)
	fastResults[12] = stt.Result{Kind: stt.ResultFinal, Text: "hello"}
	fastResults[29] = stt.Result{Kind: stt.ResultFinal, Text: "hello"}
	fast := &sttmock.Streaming{Results: fastResults}

	slow := &sttmock.Batch{Err: errors.New("model exploded")}
	sess, err := NewSession(cfg, src, vadEng, fast,
		func(context.Context) (stt.Batch, error) { return slow, nil },
		withRandFloat(neverDrop))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	col := collect(sess)

	waitFor(t, 5*time.Second, "drafts and first failed correction", func() bool {
		return src.Remaining() == 0 &&
			col.count(KindDraft) == 2 &&
			slow.TranscribeCount() >= 1
	})
	sess.Stop()
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	<-col.done

	if got := col.count(KindFinal); got != 0 {
		t.Fatalf("got %d finals from a broken correction engine, want 0", got)
	}
	if got := col.count(KindError); got != 1 {
		t.Fatalf("got %d error messages, want exactly 1", got)
	}
	if got := slow.TranscribeCount(); got != 2 {
		t.Fatalf("correction engine saw %d utterances, want 2 (failures are skipped, not fatal)", got)
	}
}

// TestSessionCorrectionLoadFailure checks the stage-only fatality: a loader
// error produces one Error, no finals, and leaves the rest of the session
// running.
func TestSessionCorrectionLoadFailure(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	fb := cfg.FrameBytes()

	src := &audiomock.Source{Frames: frames(80, 1, fb)}
	vadEng := &vadmock.Engine{Session: &vadmock.Session{
		Decisions: decisions(run(true, 50), run(false, 30)),
	}}
	fastResults := make([]stt.Result, 16)
	fastResults[12] = stt.Result{Kind: stt.ResultFinal, Text: "hello"}
	fast := &sttmock.Streaming{Results: fastResults}

	sess, err := NewSession(cfg, src, vadEng, fast,
		func(context.Context) (stt.Batch, error) { return nil, errors.New("model file missing") },
		withRandFloat(neverDrop))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	col := collect(sess)

	waitFor(t, 5*time.Second, "fast path to keep producing", func() bool {
		return src.Remaining() == 0 && col.count(KindDraft) == 1 && col.count(KindError) == 1
	})
	sess.Stop()
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	<-col.done

	if got := col.count(KindFinal); got != 0 {
		t.Fatalf("got %d finals without a correction engine, want 0", got)
	}
	if got := col.count(KindError); got != 1 {
		t.Fatalf("got %d error messages, want exactly 1", got)
	}
}

// TestSessionDeviceErrorStopsSession checks that a device error is fatal: an
// Error message is emitted, the session deactivates itself, and Wait returns
// the failure.
func TestSessionDeviceErrorStopsSession(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	fb := cfg.FrameBytes()

	src := &audiomock.Source{
		Frames: frames(10, 1, fb),
		Err:    errors.New("device unplugged"),
	}
	sess, err := NewSession(cfg, src,
		&vadmock.Engine{Session: &vadmock.Session{}},
		&sttmock.Streaming{},
		func(context.Context) (stt.Batch, error) { return &sttmock.Batch{}, nil },
		withRandFloat(neverDrop))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	col := collect(sess)

	if err := sess.Wait(); err == nil {
		t.Fatal("Wait must return the device error")
	}
	<-col.done

	if sess.Active() {
		t.Fatal("session must deactivate itself on a device error")
	}
	if got := col.count(KindError); got != 1 {
		t.Fatalf("got %d error messages, want exactly 1", got)
	}
	// Audio captured before the failure still reached the recording.
	if got, want := sess.Recording().Len(), 10*fb; got != want {
		t.Fatalf("recording holds %d bytes, want %d", got, want)
	}
}

// TestCaptureNeverBlocksOnStarvedConsumer runs the capture stage against a
// tiny queue with no consumer at all: every frame must still be read and
// recorded, with overflow handled by eviction instead of blocking.
func TestCaptureNeverBlocksOnStarvedConsumer(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	fb := cfg.FrameBytes()
	const n = 200

	src := &audiomock.Source{Frames: frames(n, 1, fb)}
	rec := NewRecording(cfg.SampleRate)
	out := NewQueue[Frame](2)
	c := &captureStage{
		src:         src,
		out:         out,
		levels:      make(chan float32, 1),
		rec:         rec,
		frameBytes:  fb,
		readTimeout: cfg.PopTimeout,
		shed:        ShedPolicy{}, // always attempt the enqueue
		randFloat:   neverDrop,
		emit:        func(Message) {},
		log:         testLogger(),
	}

	var active atomic.Bool
	active.Store(true)
	done := make(chan error, 1)
	go func() { done <- c.run(context.Background(), &active) }()

	waitFor(t, 5*time.Second, "capture to read all frames", func() bool {
		return src.Remaining() == 0
	})
	active.Store(false)
	if err := <-done; err != nil {
		t.Fatalf("capture returned %v", err)
	}

	if got, want := rec.Len(), n*fb; got != want {
		t.Fatalf("recording holds %d bytes, want %d — capture stalled behind the full queue", got, want)
	}
	// Nearly everything overflowed the 2-slot queue.
	if got := out.Evicted(); got < uint64(n-4) {
		t.Fatalf("evicted %d frames, want ≥ %d", got, n-4)
	}
}

// TestSessionLevelChannelConflates checks latest-value-wins delivery: an
// unread sample is overwritten rather than blocking capture.
func TestSessionLevelChannelConflates(t *testing.T) {
	t.Parallel()
	ch := make(chan float32, 1)
	publishLevel(ch, 0.1)
	publishLevel(ch, 0.2)
	publishLevel(ch, 0.3)
	select {
	case v := <-ch:
		if v != 0.3 {
			t.Fatalf("level = %v, want latest value 0.3", v)
		}
	default:
		t.Fatal("level channel empty, want latest value")
	}
}

func TestSessionStartTwice(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	sess, err := NewSession(cfg, &audiomock.Source{},
		&vadmock.Engine{}, &sttmock.Streaming{},
		func(context.Context) (stt.Batch, error) { return &sttmock.Batch{}, nil })
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	if err := sess.Start(context.Background()); err == nil {
		t.Fatal("second Start must fail")
	}
	sess.Stop()
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

// queueDepthPoints collects from reader and returns how many data points the
// queue depth gauge currently reports.
func queueDepthPoints(t *testing.T, reader *sdkmetric.ManualReader) int {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "echoscribe.queue.depth" {
				continue
			}
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
				return len(g.DataPoints)
			}
		}
	}
	return 0
}

// TestSessionQueueDepthGauge checks that a running session feeds the queue
// depth gauge with one series per queue and detaches the callback when the
// session ends.
func TestSessionQueueDepthGauge(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	cfg := testConfig()
	src := &audiomock.Source{Frames: frames(20, 1, cfg.FrameBytes())}
	sess, err := NewSession(cfg, src,
		&vadmock.Engine{Session: &vadmock.Session{Default: false}},
		&sttmock.Streaming{},
		func(context.Context) (stt.Batch, error) { return &sttmock.Batch{}, nil },
		withRandFloat(neverDrop), WithMetrics(metrics))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	col := collect(sess)

	if got := queueDepthPoints(t, reader); got != 4 {
		t.Fatalf("running session reports %d queue depth series, want 4", got)
	}

	waitFor(t, 5*time.Second, "all frames to be read", func() bool {
		return src.Remaining() == 0
	})
	sess.Stop()
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	<-col.done

	if got := queueDepthPoints(t, reader); got != 0 {
		t.Fatalf("stopped session still reports %d queue depth series, want 0", got)
	}
}

// TestSessionRecognizerSpans runs a scripted session against a recording
// tracer provider and checks that both engine calls are traced. Not
// parallel: it swaps the global tracer provider.
func TestSessionRecognizerSpans(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	cfg := testConfig()
	fb := cfg.FrameBytes()
	src := &audiomock.Source{Frames: frames(60, 1, fb)}
	vadEng := &vadmock.Engine{Session: &vadmock.Session{
		Decisions: decisions(run(true, 30), run(false, 30)),
	}}
	fastResults := make([]stt.Result, 12)
	fastResults[5] = stt.Result{Kind: stt.ResultFinal, Text: "hello"}
	fast := &sttmock.Streaming{Results: fastResults}
	slow := &sttmock.Batch{Text: "hello world"}

	sess, err := NewSession(cfg, src, vadEng, fast,
		func(context.Context) (stt.Batch, error) { return slow, nil },
		withRandFloat(neverDrop))
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if err := sess.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	col := collect(sess)

	waitFor(t, 5*time.Second, "draft and correction to complete", func() bool {
		return src.Remaining() == 0 && slow.TranscribeCount() >= 1
	})
	sess.Stop()
	if err := sess.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	<-col.done

	var fastSpans, correctSpans int
	for _, s := range exp.GetSpans() {
		switch s.Name {
		case "stt.fast.accept":
			fastSpans++
		case "stt.correct.transcribe":
			correctSpans++
		}
	}
	if fastSpans == 0 || correctSpans == 0 {
		t.Fatalf("got %d fast spans and %d correction spans, want at least 1 of each", fastSpans, correctSpans)
	}
}

func TestNewSessionRejectsInvalidConfig(t *testing.T) {
	t.Parallel()
	cfg := testConfig()
	cfg.SampleRate = 0
	_, err := NewSession(cfg, &audiomock.Source{},
		&vadmock.Engine{}, &sttmock.Streaming{},
		func(context.Context) (stt.Batch, error) { return &sttmock.Batch{}, nil })
	if err == nil {
		t.Fatal("NewSession must reject an invalid config")
	}
}
