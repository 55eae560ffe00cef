package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/echoscribe/internal/export"
	"github.com/MrWong99/echoscribe/internal/observe"
	"github.com/MrWong99/echoscribe/internal/pipeline"
	"github.com/MrWong99/echoscribe/internal/transcript"
	"github.com/MrWong99/echoscribe/pkg/audiosource"
	"github.com/MrWong99/echoscribe/pkg/provider/stt"
	"github.com/MrWong99/echoscribe/pkg/provider/vad"
)

// Engines bundles the audio and recognition backends a session is built
// from. Sources and streaming recognizers are created per session because
// both hold per-session state; the VAD engine and the batch loader are
// shared.
type Engines struct {
	NewSource func() (audiosource.Source, error)
	VAD       vad.Engine
	NewFast   func() (stt.Streaming, error)
	Slow      pipeline.BatchLoader
}

// SessionInfo holds metadata about an active session.
type SessionInfo struct {
	SessionID string    `json:"session_id"`
	StartedAt time.Time `json:"started_at"`
}

// Status is the live view of the manager returned by the control API.
type Status struct {
	Active  bool                 `json:"active"`
	Session *SessionInfo         `json:"session,omitempty"`
	Queues  pipeline.QueueDepths `json:"queues"`
	Drops   pipeline.DropStats   `json:"drops"`
}

// StopResult summarizes a finished session.
type StopResult struct {
	SessionID string             `json:"session_id"`
	AudioMs   int64              `json:"audio_ms"`
	Stats     transcript.Stats   `json:"stats"`
	Drops     pipeline.DropStats `json:"drops"`
	Export    export.Paths       `json:"export"`
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Pipeline pipeline.Config
	Engines  Engines
	Store    *transcript.Store
	Exporter *export.Writer
	Hub      *Hub
	Metrics  *observe.Metrics
	Logger   *slog.Logger
}

// SessionManager manages the lifecycle of transcription sessions. Only one
// session can be active at a time. All exported methods are safe for
// concurrent use.
type SessionManager struct {
	mu         sync.Mutex
	active     bool
	info       SessionInfo
	sess       *pipeline.Session
	cancel     context.CancelFunc
	msgsDone   chan struct{}
	levelsDone chan struct{}

	// closers are called in reverse order during Stop.
	closers []func() error

	cfg      pipeline.Config
	engines  Engines
	store    *transcript.Store
	exporter *export.Writer
	hub      *Hub
	metrics  *observe.Metrics
	log      *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &SessionManager{
		cfg:      cfg.Pipeline,
		engines:  cfg.Engines,
		store:    cfg.Store,
		exporter: cfg.Exporter,
		hub:      cfg.Hub,
		metrics:  cfg.Metrics,
		log:      log,
	}
}

// Start begins a new transcription session: it opens the audio source,
// creates a fresh streaming recognizer, wires up the pipeline, and begins
// persisting and broadcasting messages.
//
// Returns an error if a session is already active.
func (m *SessionManager) Start(ctx context.Context) (SessionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return SessionInfo{}, fmt.Errorf("session: a session is already active (id=%s)", m.info.SessionID)
	}

	now := time.Now().UTC()
	sessionID := fmt.Sprintf("session-%s", now.Format("20060102T150405Z"))

	src, err := m.engines.NewSource()
	if err != nil {
		return SessionInfo{}, fmt.Errorf("session: open audio source: %w", err)
	}
	var closers []func() error
	closers = append(closers, src.Close)

	fast, err := m.engines.NewFast()
	if err != nil {
		runClosers(closers, m.log, sessionID)
		return SessionInfo{}, fmt.Errorf("session: create streaming recognizer: %w", err)
	}
	closers = append(closers, fast.Close)

	sess, err := pipeline.NewSession(m.cfg, src, m.engines.VAD, fast, m.engines.Slow,
		pipeline.WithMetrics(m.metrics),
		pipeline.WithLogger(m.log.With("session_id", sessionID)),
	)
	if err != nil {
		runClosers(closers, m.log, sessionID)
		return SessionInfo{}, fmt.Errorf("session: build pipeline: %w", err)
	}

	if err := m.store.StartSession(ctx, sessionID); err != nil {
		runClosers(closers, m.log, sessionID)
		return SessionInfo{}, fmt.Errorf("session: record session start: %w", err)
	}

	// The session outlives the request that started it.
	sessionCtx, cancel := context.WithCancel(context.Background())
	if err := sess.Start(sessionCtx); err != nil {
		cancel()
		runClosers(closers, m.log, sessionID)
		return SessionInfo{}, fmt.Errorf("session: start pipeline: %w", err)
	}

	msgsDone := make(chan struct{})
	levelsDone := make(chan struct{})
	go m.consumeMessages(sessionID, sess, msgsDone)
	go m.consumeLevels(sessionID, sess, levelsDone)

	m.active = true
	m.sess = sess
	m.cancel = cancel
	m.msgsDone = msgsDone
	m.levelsDone = levelsDone
	m.closers = closers
	m.info = SessionInfo{SessionID: sessionID, StartedAt: now}

	m.log.Info("session started", "session_id", sessionID)
	return m.info, nil
}

// Stop gracefully ends the active session. It stops capture, waits for the
// pipeline to drain, persists the session record, and exports the recording
// and the reconciled transcript.
//
// Returns an error if no session is active.
func (m *SessionManager) Stop(ctx context.Context) (StopResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		return StopResult{}, fmt.Errorf("session: no active session to stop")
	}

	sessionID := m.info.SessionID

	m.sess.Stop()
	if err := m.sess.Wait(); err != nil {
		m.log.Warn("session: pipeline ended with error", "session_id", sessionID, "err", err)
	}
	// Wait closes the message and level channels, so both consumers exit.
	<-m.msgsDone
	<-m.levelsDone

	rec := m.sess.Recording()
	audio := rec.Duration()
	drops := m.sess.Drops()

	if err := m.store.FinishSession(ctx, sessionID, audio); err != nil {
		m.log.Warn("session: record session stop failed", "session_id", sessionID, "err", err)
	}

	res := StopResult{
		SessionID: sessionID,
		AudioMs:   audio.Milliseconds(),
		Drops:     drops,
	}

	lines, err := m.store.Reconciled(ctx, sessionID)
	if err != nil {
		m.log.Warn("session: reconcile transcript failed", "session_id", sessionID, "err", err)
	}
	if m.exporter != nil {
		paths, err := m.exporter.SaveSession(sessionID, rec.Bytes(), rec.SampleRate(), lines)
		if err != nil {
			m.log.Warn("session: export failed", "session_id", sessionID, "err", err)
		} else {
			res.Export = paths
		}
	}

	if stats, err := m.store.SessionStats(ctx, sessionID); err != nil {
		m.log.Warn("session: stats lookup failed", "session_id", sessionID, "err", err)
	} else {
		res.Stats = stats
	}

	m.cancel()
	runClosers(m.closers, m.log, sessionID)

	m.active = false
	m.sess = nil
	m.cancel = nil
	m.msgsDone = nil
	m.levelsDone = nil
	m.closers = nil
	m.info = SessionInfo{}

	m.log.Info("session stopped",
		"session_id", sessionID,
		"audio", audio,
		"drafts", res.Stats.Drafts,
		"finals", res.Stats.Finals,
	)
	return res, nil
}

// UpdatePipeline replaces the tuning used by future sessions. The running
// session, if any, keeps the configuration it started with.
func (m *SessionManager) UpdatePipeline(cfg pipeline.Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
}

// IsActive reports whether a session is currently running.
func (m *SessionManager) IsActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Status returns the live state of the manager, including queue depths and
// drop counters of the running session.
func (m *SessionManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Active: m.active}
	if m.active {
		info := m.info
		st.Session = &info
		st.Queues = m.sess.QueueDepths()
		st.Drops = m.sess.Drops()
	}
	return st
}

// consumeMessages persists drafts and finals and broadcasts every message to
// connected stream clients. It exits when the session's message channel is
// closed.
func (m *SessionManager) consumeMessages(sessionID string, sess *pipeline.Session, done chan<- struct{}) {
	defer close(done)
	for msg := range sess.Messages() {
		switch msg.Kind {
		case pipeline.KindDraft:
			if err := m.store.Append(context.Background(), sessionID, transcript.KindDraft, msg.Text); err != nil {
				m.log.Warn("session: persist draft failed", "session_id", sessionID, "err", err)
			}
		case pipeline.KindFinal:
			if err := m.store.Append(context.Background(), sessionID, transcript.KindFinal, msg.Text); err != nil {
				m.log.Warn("session: persist final failed", "session_id", sessionID, "err", err)
			}
		}
		if m.hub != nil {
			m.hub.Broadcast(StreamEvent{
				Type:      msg.Kind.String(),
				Text:      msg.Text,
				SessionID: sessionID,
			})
		}
	}
}

func (m *SessionManager) consumeLevels(sessionID string, sess *pipeline.Session, done chan<- struct{}) {
	defer close(done)
	for v := range sess.Levels() {
		if m.hub != nil {
			m.hub.Broadcast(StreamEvent{Type: "level", Level: v, SessionID: sessionID})
		}
	}
}

// runClosers calls closers in reverse order, logging failures.
func runClosers(closers []func() error, log *slog.Logger, sessionID string) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			log.Warn("session: closer error", "session_id", sessionID, "index", i, "err", err)
		}
	}
}
