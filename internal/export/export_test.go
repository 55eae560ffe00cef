package export

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/wav"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSaveSessionWritesWavAndTranscript(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	w, err := NewWriter(dir, testLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}

	samples := []int16{0, 1000, -1000, 32767, -32768, 42}
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}

	paths, err := w.SaveSession("sess-1", pcm, 16000, []string{"hello world", "second line"})
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if paths.Audio != filepath.Join(dir, "sess-1.wav") {
		t.Errorf("unexpected audio path %q", paths.Audio)
	}

	f, err := os.Open(paths.Audio)
	if err != nil {
		t.Fatalf("open wav: %v", err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if buf.Format.SampleRate != 16000 {
		t.Errorf("sample rate = %d, want 16000", buf.Format.SampleRate)
	}
	if buf.Format.NumChannels != 1 {
		t.Errorf("channels = %d, want 1", buf.Format.NumChannels)
	}
	if len(buf.Data) != len(samples) {
		t.Fatalf("decoded %d samples, want %d", len(buf.Data), len(samples))
	}
	for i, s := range samples {
		if buf.Data[i] != int(s) {
			t.Errorf("sample %d = %d, want %d", i, buf.Data[i], s)
		}
	}

	text, err := os.ReadFile(paths.Transcript)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if got, want := string(text), "hello world\nsecond line\n"; got != want {
		t.Errorf("transcript = %q, want %q", got, want)
	}
}

func TestSaveSessionEmptyTranscript(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	paths, err := w.SaveSession("empty", []byte{0, 0, 0, 0}, 16000, nil)
	if err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	text, err := os.ReadFile(paths.Transcript)
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	if len(text) != 0 {
		t.Errorf("transcript = %q, want empty", text)
	}
}

func TestWriteWAVRejectsUnalignedPCM(t *testing.T) {
	t.Parallel()

	w, err := NewWriter(t.TempDir(), testLogger())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if _, err := w.SaveSession("bad", []byte{1, 2, 3}, 16000, nil); err == nil {
		t.Fatal("expected error for odd-length pcm")
	}
}

func TestNewWriterRejectsEmptyDir(t *testing.T) {
	t.Parallel()

	if _, err := NewWriter("", testLogger()); err == nil {
		t.Fatal("expected error for empty directory")
	}
}
