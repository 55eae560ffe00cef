// Package export persists finished sessions to disk: the raw capture as a
// 16-bit mono WAV file and the reconciled transcript as plain text.
package export

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Paths names the files written for one session.
type Paths struct {
	Audio      string `json:"audio"`
	Transcript string `json:"transcript"`
}

// Writer exports sessions into a flat directory, one WAV and one text file
// per session, named after the session ID.
type Writer struct {
	dir string
	log *slog.Logger
}

func NewWriter(dir string, log *slog.Logger) (*Writer, error) {
	if dir == "" {
		return nil, fmt.Errorf("export directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{dir: dir, log: log}, nil
}

// SaveSession writes the session's audio and transcript. The transcript file
// is written even when no lines survived reconciliation, so every exported
// recording has a companion text file.
func (w *Writer) SaveSession(sessionID string, pcm []byte, sampleRate int, lines []string) (Paths, error) {
	p := Paths{
		Audio:      filepath.Join(w.dir, sessionID+".wav"),
		Transcript: filepath.Join(w.dir, sessionID+".txt"),
	}
	if err := writeWAV(p.Audio, pcm, sampleRate); err != nil {
		return Paths{}, fmt.Errorf("export audio: %w", err)
	}
	if err := writeTranscript(p.Transcript, lines); err != nil {
		return Paths{}, fmt.Errorf("export transcript: %w", err)
	}
	w.log.Info("session exported",
		"session_id", sessionID,
		"audio", p.Audio,
		"transcript", p.Transcript,
		"lines", len(lines))
	return p, nil
}

func writeWAV(path string, pcm []byte, sampleRate int) error {
	if len(pcm)%2 != 0 {
		return fmt.Errorf("pcm payload not aligned")
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	defer file.Close()

	samples := make([]int, len(pcm)/2)
	for i := 0; i < len(samples); i++ {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	buffer := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           samples,
		SourceBitDepth: 16,
	}

	enc := wav.NewEncoder(file, sampleRate, 16, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

func writeTranscript(path string, lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	if err := os.WriteFile(path, []byte(sb.String()), 0o644); err != nil {
		return fmt.Errorf("write transcript: %w", err)
	}
	return nil
}
