// ABOUTME: Opens a ledger directory and heals it: repairs the JSONL audit mirror, restores an
// ABOUTME: empty database from the mirror, and rebuilds a stale status projection from the log.
package store

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
)

const (
	// LedgerFile is the SQLite database inside a ledger directory.
	LedgerFile = "ledger.db"
	// AuditFile is the JSONL audit mirror inside a ledger directory.
	AuditFile = "audit.jsonl"
)

// RecoveryReport describes what Recover had to do.
type RecoveryReport struct {
	AuditEvents     int
	Imported        bool
	RebuiltStatus   bool
	LastSeq         uint64
	MirrorDivergent bool
}

// Open recovers the ledger in dir and returns a store that mirrors every new
// event into the directory's audit log.
func Open(ctx context.Context, dir string, opts ...Option) (*Store, error) {
	s, _, err := Recover(ctx, dir, opts...)
	return s, err
}

// Recover opens the ledger in dir, creating it if needed.
//
// Recovery sequence:
//  1. Repair the JSONL audit mirror (drop a partial last line)
//  2. Open the SQLite ledger
//  3. If the ledger is empty and the mirror is not, import the mirror
//  4. If the status projection lags the log, rebuild it by replay
//  5. Attach the mirror for future appends
func Recover(ctx context.Context, dir string, opts ...Option) (*Store, RecoveryReport, error) {
	var report RecoveryReport
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, report, fmt.Errorf("create ledger dir: %w", err)
	}
	auditPath := filepath.Join(dir, AuditFile)

	if _, err := os.Stat(auditPath); err == nil {
		n, err := RepairAudit(auditPath)
		if err != nil {
			return nil, report, fmt.Errorf("repair audit log: %w", err)
		}
		report.AuditEvents = n
	}

	s, err := OpenSqlite(filepath.Join(dir, LedgerFile), opts...)
	if err != nil {
		return nil, report, err
	}
	fail := func(err error) (*Store, RecoveryReport, error) {
		_ = s.Close()
		return nil, report, err
	}

	logSeq, err := s.maxLogSeq(ctx)
	if err != nil {
		return fail(err)
	}
	if logSeq == 0 && report.AuditEvents > 0 {
		events, err := ReadAudit(auditPath)
		if err != nil {
			return fail(fmt.Errorf("replay audit log: %w", err))
		}
		log.Printf("component=session.store action=import_audit events=%d dir=%s", len(events), dir)
		if err := s.Import(ctx, events); err != nil {
			return fail(fmt.Errorf("import audit log: %w", err))
		}
		report.Imported = true
	} else if report.AuditEvents != int(logSeq) {
		// The mirror is best-effort; the database wins.
		report.MirrorDivergent = true
		log.Printf("component=session.store action=audit_divergent audit_events=%d last_seq=%d dir=%s",
			report.AuditEvents, logSeq, dir)
	}

	ok, err := s.Verify(ctx)
	if err != nil {
		return fail(err)
	}
	if !ok {
		log.Printf("component=session.store action=rebuild_status dir=%s", dir)
		if err := s.RebuildStatus(ctx); err != nil {
			return fail(fmt.Errorf("rebuild status: %w", err))
		}
		report.RebuiltStatus = true
	}

	if report.LastSeq, err = s.maxLogSeq(ctx); err != nil {
		return fail(err)
	}

	audit, err := OpenAuditLog(auditPath)
	if err != nil {
		return fail(err)
	}
	s.audit = audit
	return s, report, nil
}
