package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/echoscribe/internal/export"
	"github.com/MrWong99/echoscribe/internal/pipeline"
	"github.com/MrWong99/echoscribe/internal/transcript"
	"github.com/MrWong99/echoscribe/pkg/audiosource"
	sourcemock "github.com/MrWong99/echoscribe/pkg/audiosource/mock"
	"github.com/MrWong99/echoscribe/pkg/provider/stt"
	sttmock "github.com/MrWong99/echoscribe/pkg/provider/stt/mock"
	vadmock "github.com/MrWong99/echoscribe/pkg/provider/vad/mock"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testFrames builds n frames of the configured frame size, each filled with a
// nonzero byte so the recording is non-silent.
func testFrames(cfg pipeline.Config, n int) [][]byte {
	fb := cfg.FrameBytes()
	frames := make([][]byte, n)
	for i := range frames {
		f := make([]byte, fb)
		for j := range f {
			f[j] = 1
		}
		frames[i] = f
	}
	return frames
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type testEnv struct {
	srv       *httptest.Server
	store     *transcript.Store
	exportDir string
	src       *sourcemock.Source
	slow      *sttmock.Batch
}

// newTestEnv wires a full server around mocked engines. The scripted source
// yields 30 speech frames followed by silence; the fast recognizer emits one
// final result mid-script so the session produces exactly one draft, and the
// slow engine corrects it to "hello world".
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cfg := pipeline.DefaultConfig()
	cfg.PopTimeout = 10 * time.Millisecond

	src := &sourcemock.Source{Frames: testFrames(cfg, 60)}

	fastResults := make([]stt.Result, 12)
	fastResults[5] = stt.Result{Kind: stt.ResultFinal, Text: "hello"}
	fast := &sttmock.Streaming{Results: fastResults}

	vadSess := &vadmock.Session{Decisions: speechRuns(30)}
	slow := &sttmock.Batch{Text: "hello world"}

	store, err := transcript.Open(context.Background(), filepath.Join(t.TempDir(), "test.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	exportDir := t.TempDir()
	exporter, err := export.NewWriter(exportDir, testLogger())
	if err != nil {
		t.Fatalf("new exporter: %v", err)
	}

	hub := NewHub(testLogger())
	mgr := NewSessionManager(SessionManagerConfig{
		Pipeline: cfg,
		Engines: Engines{
			NewSource: func() (audiosource.Source, error) { return src, nil },
			VAD:       &vadmock.Engine{Session: vadSess},
			NewFast:   func() (stt.Streaming, error) { return fast, nil },
			Slow:      func(context.Context) (stt.Batch, error) { return slow, nil },
		},
		Store:    store,
		Exporter: exporter,
		Hub:      hub,
		Logger:   testLogger(),
	})

	s := New(Config{
		ListenAddr: "127.0.0.1:0",
		Manager:    mgr,
		Store:      store,
		Hub:        hub,
		Logger:     testLogger(),
		Checkers: []Checker{
			{Name: "database", Check: store.Ping},
		},
	})

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, store: store, exportDir: exportDir, src: src, slow: slow}
}

// speechRuns scripts n speech decisions; the mock falls back to silence once
// the script is exhausted.
func speechRuns(n int) []bool {
	d := make([]bool, n)
	for i := range d {
		d[i] = true
	}
	return d
}

func postJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp
}

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s response: %v", url, err)
		}
	}
	return resp
}

func TestServerSessionLifecycle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	base := env.srv.URL

	var info SessionInfo
	resp := postJSON(t, base+"/api/session/start", &info)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status = %d", resp.StatusCode)
	}
	if info.SessionID == "" {
		t.Fatal("start returned empty session id")
	}

	// A second start while one is running must be rejected.
	if resp := postJSON(t, base+"/api/session/start", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("second start status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	var status Status
	getJSON(t, base+"/api/session", &status)
	if !status.Active {
		t.Error("status not active after start")
	}
	if status.Session == nil || status.Session.SessionID != info.SessionID {
		t.Errorf("status session = %+v, want id %s", status.Session, info.SessionID)
	}

	// Let the scripted source drain and the correction land.
	waitFor(t, 5*time.Second, "source drained", func() bool { return env.src.Remaining() == 0 })
	waitFor(t, 5*time.Second, "correction applied", func() bool { return env.slow.TranscribeCount() >= 1 })

	var res StopResult
	resp = postJSON(t, base+"/api/session/stop", &res)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status = %d", resp.StatusCode)
	}
	if res.SessionID != info.SessionID {
		t.Errorf("stop session id = %s, want %s", res.SessionID, info.SessionID)
	}
	if res.Stats.Drafts != 1 || res.Stats.Finals != 1 {
		t.Errorf("stats = %+v, want 1 draft and 1 final", res.Stats)
	}
	wantAudio := int64(60 * 20) // 60 frames of 20ms
	if res.AudioMs != wantAudio {
		t.Errorf("audio = %dms, want %dms", res.AudioMs, wantAudio)
	}

	// Stop again must be rejected.
	if resp := postJSON(t, base+"/api/session/stop", nil); resp.StatusCode != http.StatusConflict {
		t.Errorf("second stop status = %d, want %d", resp.StatusCode, http.StatusConflict)
	}

	// The export pair must exist: audio plus the reconciled transcript.
	wav, err := os.Stat(res.Export.Audio)
	if err != nil {
		t.Fatalf("exported audio missing: %v", err)
	}
	fb := pipeline.DefaultConfig().FrameBytes()
	if wav.Size() < int64(60*fb) {
		t.Errorf("exported audio %d bytes, want at least %d", wav.Size(), 60*fb)
	}
	text, err := os.ReadFile(res.Export.Transcript)
	if err != nil {
		t.Fatalf("exported transcript missing: %v", err)
	}
	if got, want := string(text), "hello world\n"; got != want {
		t.Errorf("exported transcript = %q, want %q", got, want)
	}

	// Stored views agree with the stop result.
	var tr struct {
		SessionID string   `json:"session_id"`
		Lines     []string `json:"lines"`
	}
	getJSON(t, base+"/api/sessions/"+info.SessionID+"/transcript", &tr)
	if len(tr.Lines) != 1 || tr.Lines[0] != "hello world" {
		t.Errorf("transcript lines = %v, want [hello world]", tr.Lines)
	}

	var sessions struct {
		Sessions []transcript.SessionRecord `json:"sessions"`
	}
	getJSON(t, base+"/api/sessions", &sessions)
	if len(sessions.Sessions) != 1 {
		t.Fatalf("sessions = %d, want 1", len(sessions.Sessions))
	}
	if sessions.Sessions[0].StoppedAt == nil {
		t.Error("stored session has no stop time")
	}
}

func TestServerStatusIdle(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	var status Status
	getJSON(t, env.srv.URL+"/api/session", &status)
	if status.Active {
		t.Error("idle server reports active session")
	}
	if status.Session != nil {
		t.Errorf("idle status session = %+v, want nil", status.Session)
	}
}

func TestServerHealthEndpoints(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	base := env.srv.URL

	if resp := getJSON(t, base+"/healthz", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	var ready healthResult
	if resp := getJSON(t, base+"/readyz", &ready); resp.StatusCode != http.StatusOK {
		t.Errorf("readyz status = %d", resp.StatusCode)
	}
	if ready.Checks["database"] != "ok" {
		t.Errorf("database check = %q, want ok", ready.Checks["database"])
	}

	if resp := getJSON(t, base+"/metrics", nil); resp.StatusCode != http.StatusOK {
		t.Errorf("metrics status = %d", resp.StatusCode)
	}
}

func TestServerReadyzFailure(t *testing.T) {
	t.Parallel()

	hub := NewHub(testLogger())
	s := New(Config{
		Manager: NewSessionManager(SessionManagerConfig{Logger: testLogger()}),
		Hub:     hub,
		Logger:  testLogger(),
		Checkers: []Checker{
			{Name: "database", Check: func(context.Context) error { return errors.New("locked") }},
		},
	})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	var ready healthResult
	resp := getJSON(t, srv.URL+"/readyz", &ready)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want %d", resp.StatusCode, http.StatusServiceUnavailable)
	}
	if ready.Status != "fail" {
		t.Errorf("readyz status field = %q, want fail", ready.Status)
	}
}
