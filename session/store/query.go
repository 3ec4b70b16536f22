// ABOUTME: Read queries over the session ledger plus projection integrity checks and rebuild.
// ABOUTME: The status view is verified against the log's last sequence number and rebuilt by replay.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/2389-research/labrecord/session/core"
)

const eventColumns = `seq, event_id, session_identifier, instrument_id, timestamp, event_type, record_status, username, note`

// State returns the current projection for one session.
func (s *Store) State(ctx context.Context, sessionID string) (*core.SessionState, error) {
	return loadState(ctx, s.db, sessionID)
}

// History returns every ledger row for one session in append order.
func (s *Store) History(ctx context.Context, sessionID string) ([]core.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM session_log WHERE session_identifier = ? ORDER BY seq ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	return events, nil
}

// Events returns the whole ledger in append order.
func (s *Store) Events(ctx context.Context) ([]core.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM session_log ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query session_log: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

// ListFilter narrows a List query. Zero values match everything.
type ListFilter struct {
	Status     core.RecordStatus
	Instrument string
	Limit      int
}

// List returns session projections, most recently started first.
func (s *Store) List(ctx context.Context, f ListFilter) ([]*core.SessionState, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "record_status = ?")
		args = append(args, string(f.Status))
	}
	if f.Instrument != "" {
		where = append(where, "instrument_id = ?")
		args = append(args, f.Instrument)
	}

	query := `SELECT ` + statusColumns + ` FROM session_status`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY start_time DESC, session_identifier ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryStates(ctx, query, args...)
}

// CountByStatus returns the number of sessions in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[core.RecordStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record_status, COUNT(*) FROM session_status GROUP BY record_status`)
	if err != nil {
		return nil, fmt.Errorf("count sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[core.RecordStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count row: %w", err)
		}
		counts[core.RecordStatus(status)] = n
	}
	return counts, rows.Err()
}

// LastSeq returns the sequence number the projection was last updated at.
// Returns 0, false if the projection has never been written.
func (s *Store) LastSeq(ctx context.Context) (uint64, bool, error) {
	var val string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = 'last_seq'").Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query last_seq: %w", err)
	}
	seq, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse last_seq: %w", err)
	}
	return seq, true, nil
}

// maxLogSeq returns the highest sequence number in session_log, or 0.
func (s *Store) maxLogSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, "SELECT MAX(seq) FROM session_log").Scan(&seq); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// Verify reports whether the status projection is up to date with the log.
func (s *Store) Verify(ctx context.Context) (bool, error) {
	logSeq, err := s.maxLogSeq(ctx)
	if err != nil {
		return false, err
	}
	viewSeq, found, err := s.LastSeq(ctx)
	if err != nil {
		return false, err
	}
	if !found {
		return logSeq == 0, nil
	}
	return viewSeq == logSeq, nil
}

// RebuildStatus discards the status projection and rebuilds it by replaying
// every ledger row through the reducer.
func (s *Store) RebuildStatus(ctx context.Context) error {
	events, err := s.Events(ctx)
	if err != nil {
		return err
	}
	ledger := core.Replay(events)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM session_status"); err != nil {
		return fmt.Errorf("clear session_status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM meta WHERE key = 'last_seq'"); err != nil {
		return fmt.Errorf("clear meta: %w", err)
	}
	for _, st := range ledger.States() {
		if err := saveState(ctx, tx, st); err != nil {
			return err
		}
	}
	if ledger.LastSeq > 0 {
		if err := setLastSeq(ctx, tx, ledger.LastSeq); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Import appends previously exported events into an empty ledger, keeping
// their event IDs, order and sequence numbers, so an audit mirror with gaps
// still agrees with the ledger afterwards. Events without a sequence number
// get the next one. The projection is rebuilt afterwards.
func (s *Store) Import(ctx context.Context, events []core.Event) error {
	logSeq, err := s.maxLogSeq(ctx)
	if err != nil {
		return err
	}
	if logSeq != 0 {
		return fmt.Errorf("import into non-empty ledger (last seq %d)", logSeq)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var last uint64
	for i := range events {
		e := &events[i]
		if e.Seq != 0 && e.Seq <= last {
			return fmt.Errorf("import event %s: seq %d after %d", e.EventID, e.Seq, last)
		}
		seq, err := insertEventSeq(ctx, tx, e, e.Seq)
		if err != nil {
			return fmt.Errorf("import event %s: %w", e.EventID, err)
		}
		last = seq
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit import: %w", err)
	}
	return s.RebuildStatus(ctx)
}
