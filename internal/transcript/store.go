// Package transcript persists session transcripts in SQLite and reconciles
// the fast path's provisional drafts with the slow path's corrected finals
// into a single readable text.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Kind labels a persisted transcript entry. Partials are never persisted;
// they are ephemeral by definition.
type Kind string

const (
	KindDraft Kind = "draft"
	KindFinal Kind = "final"
)

// Entry is one persisted transcript line.
type Entry struct {
	ID        int64
	SessionID string
	Kind      Kind
	Text      string
	CreatedAt time.Time
}

// SessionRecord summarises one recording session.
type SessionRecord struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	StoppedAt *time.Time `json:"stopped_at,omitempty"`
	AudioMs   int64      `json:"audio_ms"`
}

// Stats are aggregate numbers for one session's transcript.
type Stats struct {
	Drafts int           `json:"drafts"`
	Finals int           `json:"finals"`
	Words  int           `json:"words"`
	Audio  time.Duration `json:"audio"`
}

// Store wraps a SQLite-backed transcript database.
type Store struct {
	db    *sql.DB
	log   *slog.Logger
	clock func() time.Time
}

// Open creates (or opens) the transcript database at path and ensures the
// schema exists. The parent directory is created if needed.
func Open(ctx context.Context, path string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("transcript: create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("transcript: open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript: ping sqlite: %w", err)
	}

	s := &Store{db: db, log: log, clock: time.Now}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("transcript: init schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS sessions (
    session_id TEXT PRIMARY KEY,
    started_at TIMESTAMP NOT NULL,
    stopped_at TIMESTAMP,
    audio_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS entries (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id TEXT NOT NULL,
    kind TEXT NOT NULL CHECK(kind IN ('draft', 'final')),
    text TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    FOREIGN KEY(session_id) REFERENCES sessions(session_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id, id);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// StartSession records the beginning of a recording session.
func (s *Store) StartSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, started_at) VALUES(?, ?)`,
		sessionID, s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("transcript: start session %q: %w", sessionID, err)
	}
	return nil
}

// FinishSession records a session's end time and recorded audio length.
func (s *Store) FinishSession(ctx context.Context, sessionID string, audio time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET stopped_at = ?, audio_ms = ? WHERE session_id = ?`,
		s.clock().UTC().Format(time.RFC3339Nano), audio.Milliseconds(), sessionID)
	if err != nil {
		return fmt.Errorf("transcript: finish session %q: %w", sessionID, err)
	}
	return nil
}

// Append persists one draft or final line. Entry order (the id column) is
// the message emission order, which reconciliation relies on.
func (s *Store) Append(ctx context.Context, sessionID string, kind Kind, text string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO entries(session_id, kind, text, created_at) VALUES(?, ?, ?, ?)`,
		sessionID, string(kind), text, s.clock().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("transcript: append %s: %w", kind, err)
	}
	return nil
}

// Entries returns a session's raw transcript lines in emission order.
func (s *Store) Entries(ctx context.Context, sessionID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, kind, text, created_at
		 FROM entries WHERE session_id = ? ORDER BY id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("transcript: list entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var kind, created string
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Text, &created); err != nil {
			return nil, err
		}
		e.Kind = Kind(kind)
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			e.CreatedAt = ts
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Sessions lists all recorded sessions, newest first.
func (s *Store) Sessions(ctx context.Context) ([]SessionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, started_at, stopped_at, audio_ms
		 FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("transcript: list sessions: %w", err)
	}
	defer rows.Close()

	var out []SessionRecord
	for rows.Next() {
		var r SessionRecord
		var started string
		var stopped sql.NullString
		if err := rows.Scan(&r.ID, &started, &stopped, &r.AudioMs); err != nil {
			return nil, err
		}
		if ts, err := time.Parse(time.RFC3339Nano, started); err == nil {
			r.StartedAt = ts
		}
		if stopped.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, stopped.String); err == nil {
				r.StoppedAt = &ts
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Reconciled returns a session's transcript with corrections applied: each
// final replaces the oldest draft not yet superseded (correction is strictly
// FIFO, so finals arrive in draft order), and a final without a pending
// draft is appended. Drafts never corrected — because the correction engine
// failed or the session stopped early — stay in place as provisional text.
func (s *Store) Reconciled(ctx context.Context, sessionID string) ([]string, error) {
	entries, err := s.Entries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return Reconcile(entries), nil
}

// Reconcile merges an ordered entry list into display lines. Each final
// replaces the oldest draft not yet superseded. Correction runs strictly
// FIFO with one utterance in flight, so finals arrive in utterance order
// while drafts for later utterances may already be present; pairing with the
// oldest pending draft keeps a lagging final attached to its own utterance
// instead of a newer one. When the fast engine commits more than one draft
// inside a single utterance, the final replaces the first of them and the
// rest stay in place as provisional text — the entry stream carries no
// alignment that would say how many drafts one correction covers. Exposed so
// the live websocket view and the export path share the exact merge rule.
func Reconcile(entries []Entry) []string {
	var lines []string
	var pendingDrafts []int // indices into lines awaiting correction
	for _, e := range entries {
		switch e.Kind {
		case KindDraft:
			pendingDrafts = append(pendingDrafts, len(lines))
			lines = append(lines, e.Text)
		case KindFinal:
			if len(pendingDrafts) > 0 {
				lines[pendingDrafts[0]] = e.Text
				pendingDrafts = pendingDrafts[1:]
			} else {
				lines = append(lines, e.Text)
			}
		}
	}
	return lines
}

// SessionStats aggregates entry counts and the word count of the reconciled
// transcript.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (Stats, error) {
	entries, err := s.Entries(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	var st Stats
	for _, e := range entries {
		switch e.Kind {
		case KindDraft:
			st.Drafts++
		case KindFinal:
			st.Finals++
		}
	}
	for _, line := range Reconcile(entries) {
		st.Words += len(strings.Fields(line))
	}

	var audioMs int64
	err = s.db.QueryRowContext(ctx,
		`SELECT audio_ms FROM sessions WHERE session_id = ?`, sessionID).Scan(&audioMs)
	if err != nil && err != sql.ErrNoRows {
		return Stats{}, fmt.Errorf("transcript: session stats: %w", err)
	}
	st.Audio = time.Duration(audioMs) * time.Millisecond
	return st, nil
}
