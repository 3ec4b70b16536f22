// ABOUTME: SQLite-backed session ledger: an append-only session_log table plus a session_status projection.
// ABOUTME: Every append validates the transition, writes the row, and updates the projection in one transaction.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/2389-research/labrecord/session/core"
	_ "github.com/mattn/go-sqlite3"
	"github.com/oklog/ulid/v2"
)

// timeFormat is the fixed-width layout used for timestamp columns so that
// lexical order matches chronological order.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// DefaultClaimTTL is how long a RECORD_GENERATION claim is honoured before
// the session is considered abandoned by a crashed build.
const DefaultClaimTTL = 6 * time.Hour

// Store is the durable session ledger. The session_log table is the source
// of truth and is never updated or deleted from; session_status is a
// projection that can always be rebuilt from it.
type Store struct {
	db       *sql.DB
	audit    *AuditLog
	now      func() time.Time
	claimTTL time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used for claim timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithClaimTTL overrides how long a build claim is honoured.
func WithClaimTTL(d time.Duration) Option {
	return func(s *Store) { s.claimTTL = d }
}

// WithAudit mirrors every committed event into a JSONL audit log.
func WithAudit(a *AuditLog) Option {
	return func(s *Store) { s.audit = a }
}

// OpenSqlite opens or creates the ledger database at path and runs migrations.
func OpenSqlite(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_txlock=immediate&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers inside the process; the
	// immediate transaction lock serializes writers across processes.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS session_log (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL UNIQUE,
			session_identifier TEXT NOT NULL,
			instrument_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			event_type TEXT NOT NULL,
			record_status TEXT NOT NULL,
			username TEXT NOT NULL DEFAULT '',
			note TEXT NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_session_log_session ON session_log(session_identifier);

		CREATE TABLE IF NOT EXISTS session_status (
			session_identifier TEXT PRIMARY KEY,
			instrument_id TEXT NOT NULL,
			record_status TEXT NOT NULL,
			start_time TEXT,
			end_time TEXT,
			username TEXT NOT NULL DEFAULT '',
			attempts INTEGER NOT NULL DEFAULT 0,
			claimed_at TEXT,
			claimed_by TEXT NOT NULL DEFAULT '',
			last_seq INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_session_status_status ON session_status(record_status);

		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	s := &Store{db: db, now: time.Now, claimTTL: DefaultClaimTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database and the audit log, if any.
func (s *Store) Close() error {
	var auditErr error
	if s.audit != nil {
		auditErr = s.audit.Close()
	}
	if err := s.db.Close(); err != nil {
		return err
	}
	return auditErr
}

// ClaimTTL returns the configured claim lifetime.
func (s *Store) ClaimTTL() time.Duration {
	return s.claimTTL
}

// LogStart appends a START row, opening the session in WAITING_FOR_END.
func (s *Store) LogStart(ctx context.Context, instrument, sessionID string, ts time.Time, user string) (core.Event, error) {
	return s.appendEvent(ctx, sessionID, instrument, func(cur *core.SessionState) (core.Event, error) {
		if cur.Status == core.StatusWaitingForEnd {
			return core.Event{}, fmt.Errorf("%w: %s", core.ErrSessionAlreadyOpen, sessionID)
		}
		e := core.NewEvent(sessionID, instrument, ts, core.EventStart, core.StatusWaitingForEnd)
		e.User = user
		return e, nil
	})
}

// LogEnd appends an END row, moving the session to TO_BE_BUILT.
func (s *Store) LogEnd(ctx context.Context, instrument, sessionID string, ts time.Time, user string) (core.Event, error) {
	return s.appendEvent(ctx, sessionID, instrument, func(cur *core.SessionState) (core.Event, error) {
		if cur.Status != core.StatusWaitingForEnd {
			return core.Event{}, fmt.Errorf("%w: %s", core.ErrNoOpenSession, sessionID)
		}
		if cur.Start != nil && ts.Before(*cur.Start) {
			return core.Event{}, fmt.Errorf("END %s precedes START %s for session %s",
				ts.UTC().Format(time.RFC3339), cur.Start.Format(time.RFC3339), sessionID)
		}
		e := core.NewEvent(sessionID, instrument, ts, core.EventEnd, core.StatusToBeBuilt)
		e.User = user
		return e, nil
	})
}

// BuildPolicy controls which sessions the builder may pick up.
type BuildPolicy struct {
	// RetryErrors makes ERROR sessions eligible again while they have fewer
	// than MaxAttempts recorded build attempts.
	RetryErrors bool
	MaxAttempts int
}

func (p BuildPolicy) eligible(st *core.SessionState, now time.Time, ttl time.Duration) bool {
	if !st.Complete() {
		return false
	}
	switch st.Status {
	case core.StatusToBeBuilt:
		return !st.Claimed(now, ttl)
	case core.StatusError:
		return p.RetryErrors && st.Attempts < p.MaxAttempts
	}
	return false
}

// SessionsToBuild returns one Session per completed START/END pair that is
// awaiting a build and not held by a live claim, ordered by start time.
func (s *Store) SessionsToBuild(ctx context.Context, policy BuildPolicy) ([]core.Session, error) {
	states, err := s.queryStates(ctx,
		`SELECT `+statusColumns+` FROM session_status
		 WHERE record_status IN (?, ?) AND end_time IS NOT NULL
		 ORDER BY start_time ASC, session_identifier ASC`,
		string(core.StatusToBeBuilt), string(core.StatusError))
	if err != nil {
		return nil, err
	}

	now := s.now()
	var sessions []core.Session
	for _, st := range states {
		if !policy.eligible(st, now, s.claimTTL) {
			continue
		}
		if sess, ok := st.Session(); ok {
			sessions = append(sessions, sess)
		}
	}
	return sessions, nil
}

// Claim logs a RECORD_GENERATION row for the session, marking the start of a
// build attempt before any side effects. The eligibility check and the
// append happen in one immediate transaction, so two workers can never both
// claim the same session.
func (s *Store) Claim(ctx context.Context, sess core.Session, worker string, policy BuildPolicy) (core.Event, error) {
	return s.appendEvent(ctx, sess.ID, sess.Instrument, func(cur *core.SessionState) (core.Event, error) {
		now := s.now()
		if cur.Status == core.StatusToBeBuilt && cur.Claimed(now, s.claimTTL) {
			return core.Event{}, fmt.Errorf("%w: %s held by %s", core.ErrAlreadyClaimed, sess.ID, cur.ClaimedBy)
		}
		if !policy.eligible(cur, now, s.claimTTL) {
			return core.Event{}, fmt.Errorf("%w: %s is %s", core.ErrNotClaimable, sess.ID, cur.Status)
		}
		e := core.NewEvent(sess.ID, sess.Instrument, now, core.EventRecordGeneration, core.StatusToBeBuilt)
		e.Note = worker
		return e, nil
	})
}

// UpdateStatus appends a STATUS_CHANGE row recording the outcome of the
// build attempt worker claimed, and releases the claim. A worker whose claim
// expired and was taken over gets ErrAlreadyClaimed and records nothing.
// Existing rows are never modified.
func (s *Store) UpdateStatus(ctx context.Context, sess core.Session, worker string, status core.RecordStatus, note string) (core.Event, error) {
	return s.appendEvent(ctx, sess.ID, sess.Instrument, func(cur *core.SessionState) (core.Event, error) {
		if cur.Status == core.StatusToBeBuilt && cur.ClaimedBy != worker {
			return core.Event{}, fmt.Errorf("%w: %s held by %q, not %q", core.ErrAlreadyClaimed, sess.ID, cur.ClaimedBy, worker)
		}
		e := core.NewEvent(sess.ID, sess.Instrument, s.now(), core.EventStatusChange, status)
		e.Note = note
		return e, nil
	})
}

// Requeue moves an ERROR or NO_FILES_FOUND session back to TO_BE_BUILT so a
// later polling cycle rebuilds it.
func (s *Store) Requeue(ctx context.Context, sessionID, note string) (core.Event, error) {
	return s.appendEvent(ctx, sessionID, "", func(cur *core.SessionState) (core.Event, error) {
		if cur.LastSeq == 0 {
			return core.Event{}, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
		}
		e := core.NewEvent(sessionID, cur.Instrument, s.now(), core.EventStatusChange, core.StatusToBeBuilt)
		e.Note = note
		return e, nil
	})
}

// appendEvent runs build against the current state of a session inside an
// immediate transaction, validates the resulting transition, and persists
// both the new log row and the updated projection.
func (s *Store) appendEvent(ctx context.Context, sessionID, instrument string, build func(cur *core.SessionState) (core.Event, error)) (core.Event, error) {
	if sessionID == "" {
		return core.Event{}, errors.New("session identifier must not be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return core.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := loadState(ctx, tx, sessionID)
	if errors.Is(err, core.ErrSessionNotFound) {
		cur = core.NewSessionState(sessionID, instrument)
	} else if err != nil {
		return core.Event{}, err
	} else if instrument != "" && cur.Instrument != instrument {
		return core.Event{}, &core.InstrumentMismatchError{SessionID: sessionID, Expected: cur.Instrument, Got: instrument}
	}

	event, err := build(cur)
	if err != nil {
		return core.Event{}, err
	}
	if err := core.ValidateTransition(cur.Status, event.Type, event.Status); err != nil {
		return core.Event{}, fmt.Errorf("session %s: %w", sessionID, err)
	}

	seq, err := insertEvent(ctx, tx, &event)
	if err != nil {
		return core.Event{}, err
	}
	event.Seq = seq
	cur.Apply(&event)

	if err := saveState(ctx, tx, cur); err != nil {
		return core.Event{}, err
	}
	if err := setLastSeq(ctx, tx, seq); err != nil {
		return core.Event{}, err
	}
	if err := tx.Commit(); err != nil {
		return core.Event{}, fmt.Errorf("commit: %w", err)
	}

	s.mirror(&event)
	return event, nil
}

// mirror copies a committed event to the audit log. The database is the
// ledger of record, so a mirror failure is logged rather than returned.
func (s *Store) mirror(e *core.Event) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Append(e); err != nil {
		log.Printf("component=session.store action=audit_append_failed seq=%d session=%s err=%v", e.Seq, e.SessionID, err)
	}
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, tx execer, e *core.Event) (uint64, error) {
	return insertEventSeq(ctx, tx, e, 0)
}

// insertEventSeq inserts e with an explicit sequence number, or the next one
// when seq is zero. AUTOINCREMENT continues after the largest seq either way.
func insertEventSeq(ctx context.Context, tx execer, e *core.Event, seq uint64) (uint64, error) {
	var explicit any
	if seq > 0 {
		explicit = int64(seq)
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO session_log (seq, event_id, session_identifier, instrument_id, timestamp, event_type, record_status, username, note)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		explicit, e.EventID.String(), e.SessionID, e.Instrument, formatTime(e.Timestamp),
		string(e.Type), string(e.Status), e.User, e.Note)
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("event seq: %w", err)
	}
	return uint64(id), nil
}

const statusColumns = `session_identifier, instrument_id, record_status, start_time, end_time, username, attempts, claimed_at, claimed_by, last_seq`

func scanState(row interface{ Scan(dest ...any) error }) (*core.SessionState, error) {
	var (
		st                  core.SessionState
		status              string
		start, end, claimed sql.NullString
		attempts            int
		lastSeq             int64
	)
	if err := row.Scan(&st.SessionID, &st.Instrument, &status, &start, &end,
		&st.User, &attempts, &claimed, &st.ClaimedBy, &lastSeq); err != nil {
		return nil, err
	}
	st.Status = core.RecordStatus(status)
	st.Attempts = attempts
	st.LastSeq = uint64(lastSeq)

	var err error
	if st.Start, err = parseNullTime(start); err != nil {
		return nil, fmt.Errorf("parse start_time: %w", err)
	}
	if st.End, err = parseNullTime(end); err != nil {
		return nil, fmt.Errorf("parse end_time: %w", err)
	}
	if st.ClaimedAt, err = parseNullTime(claimed); err != nil {
		return nil, fmt.Errorf("parse claimed_at: %w", err)
	}
	return &st, nil
}

func loadState(ctx context.Context, q queryer, sessionID string) (*core.SessionState, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+statusColumns+` FROM session_status WHERE session_identifier = ?`, sessionID)
	st, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	return st, nil
}

func saveState(ctx context.Context, tx execer, st *core.SessionState) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO session_status (`+statusColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_identifier) DO UPDATE SET
			instrument_id = excluded.instrument_id,
			record_status = excluded.record_status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			username = excluded.username,
			attempts = excluded.attempts,
			claimed_at = excluded.claimed_at,
			claimed_by = excluded.claimed_by,
			last_seq = excluded.last_seq`,
		st.SessionID, st.Instrument, string(st.Status),
		nullTime(st.Start), nullTime(st.End), st.User, st.Attempts,
		nullTime(st.ClaimedAt), st.ClaimedBy, int64(st.LastSeq))
	if err != nil {
		return fmt.Errorf("upsert session_status %s: %w", st.SessionID, err)
	}
	return nil
}

func setLastSeq(ctx context.Context, tx execer, seq uint64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES ('last_seq', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.FormatUint(seq, 10))
	if err != nil {
		return fmt.Errorf("set last_seq: %w", err)
	}
	return nil
}

func (s *Store) queryStates(ctx context.Context, query string, args ...any) ([]*core.SessionState, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query session_status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var states []*core.SessionState
	for rows.Next() {
		st, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session_status row: %w", err)
		}
		states = append(states, st)
	}
	return states, rows.Err()
}

func scanEvents(rows *sql.Rows) ([]core.Event, error) {
	var events []core.Event
	for rows.Next() {
		var (
			e                        core.Event
			seq                      int64
			eventID, ts, typ, status string
		)
		if err := rows.Scan(&seq, &eventID, &e.SessionID, &e.Instrument, &ts, &typ, &status, &e.User, &e.Note); err != nil {
			return nil, fmt.Errorf("scan session_log row: %w", err)
		}
		id, err := ulid.Parse(eventID)
		if err != nil {
			return nil, fmt.Errorf("parse event_id %q: %w", eventID, err)
		}
		t, err := time.Parse(timeFormat, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
		}
		e.Seq = uint64(seq)
		e.EventID = id
		e.Timestamp = t
		e.Type = core.EventType(typ)
		e.Status = core.RecordStatus(status)
		events = append(events, e)
	}
	return events, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeFormat, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
