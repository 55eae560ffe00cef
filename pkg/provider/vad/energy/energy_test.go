package energy_test

import (
	"encoding/binary"
	"testing"

	"github.com/MrWong99/echoscribe/pkg/provider/vad"
	"github.com/MrWong99/echoscribe/pkg/provider/vad/energy"
)

const (
	testRate    = 16000
	testFrameMs = 20
	frameBytes  = testRate * testFrameMs / 1000 * 2
)

// tone builds one frame of a constant-amplitude square wave.
func tone(amplitude int16) []byte {
	out := make([]byte, frameBytes)
	for i := 0; i < frameBytes; i += 2 {
		a := amplitude
		if i%4 == 2 {
			a = -amplitude
		}
		binary.LittleEndian.PutUint16(out[i:], uint16(a))
	}
	return out
}

func newSession(t *testing.T, opts ...energy.Option) vad.SessionHandle {
	t.Helper()
	sess, err := energy.New(opts...).NewSession(vad.Config{
		SampleRate:  testRate,
		FrameSizeMs: testFrameMs,
	})
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { _ = sess.Close() })
	return sess
}

func TestNewSession_InvalidConfig(t *testing.T) {
	t.Parallel()

	eng := energy.New()
	if _, err := eng.NewSession(vad.Config{SampleRate: 0, FrameSizeMs: 20}); err == nil {
		t.Error("expected error for zero sample rate")
	}
	if _, err := eng.NewSession(vad.Config{SampleRate: 16000, FrameSizeMs: 0}); err == nil {
		t.Error("expected error for zero frame size")
	}
}

func TestProcessFrame_WrongSize(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Error("expected error for wrong frame size")
	}
}

func TestProcessFrame_SilenceThenSpeech(t *testing.T) {
	t.Parallel()

	sess := newSession(t)

	// Settle the noise floor on quiet frames.
	for range 20 {
		d, err := sess.ProcessFrame(tone(50))
		if err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
		if d.Speech {
			t.Fatal("quiet frame classified as speech")
		}
	}

	// A loud frame well above the floor is speech.
	d, err := sess.ProcessFrame(tone(8000))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if !d.Speech {
		t.Error("loud frame not classified as speech")
	}
	if d.RMS < 7000 {
		t.Errorf("RMS = %f, want about 8000", d.RMS)
	}
}

func TestProcessFrame_AbsoluteMinimum(t *testing.T) {
	t.Parallel()

	sess := newSession(t, energy.WithMinRMS(1000))

	// Even after a very quiet floor, a 500-amplitude frame stays below the
	// absolute minimum and must not be speech.
	for range 20 {
		if _, err := sess.ProcessFrame(tone(10)); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
	}
	d, err := sess.ProcessFrame(tone(500))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if d.Speech {
		t.Error("frame below absolute minimum classified as speech")
	}
}

func TestProcessFrame_Hysteresis(t *testing.T) {
	t.Parallel()

	sess := newSession(t, energy.WithMinRMS(400), energy.WithRatios(4, 1.2))

	for range 20 {
		if _, err := sess.ProcessFrame(tone(100)); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
	}

	// Enter speech loudly.
	d, _ := sess.ProcessFrame(tone(6000))
	if !d.Speech {
		t.Fatal("loud onset not classified as speech")
	}

	// A mid-level frame stays speech thanks to the lower exit ratio…
	d, _ = sess.ProcessFrame(tone(600))
	if !d.Speech {
		t.Error("mid-level continuation dropped out of speech")
	}

	// …but the same level from a cold start would not have entered speech.
	cold := newSession(t, energy.WithMinRMS(400), energy.WithRatios(4, 1.2))
	for range 20 {
		if _, err := cold.ProcessFrame(tone(100)); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
	}
	d, _ = cold.ProcessFrame(tone(600))
	if d.Speech {
		t.Error("mid-level onset entered speech despite entry ratio")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	for range 50 {
		if _, err := sess.ProcessFrame(tone(3000)); err != nil {
			t.Fatalf("ProcessFrame: %v", err)
		}
	}
	sess.Reset()

	// After a reset the floor is back at its seed, so a loud frame is
	// immediately speech again.
	d, err := sess.ProcessFrame(tone(8000))
	if err != nil {
		t.Fatalf("ProcessFrame: %v", err)
	}
	if !d.Speech {
		t.Error("loud frame after Reset not classified as speech")
	}
}

func TestClose(t *testing.T) {
	t.Parallel()

	sess := newSession(t)
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := sess.ProcessFrame(tone(100)); err == nil {
		t.Error("expected error after Close")
	}
}
