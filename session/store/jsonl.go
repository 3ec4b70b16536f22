// ABOUTME: Append-only JSONL audit mirror of the session ledger: one committed event per line,
// ABOUTME: read back in sequence order and repaired after a crash mid-append.
package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/2389-research/labrecord/session/core"
)

// maxAuditLine bounds one JSON line; events carry only short notes.
const maxAuditLine = 1 << 20

// AuditLog mirrors committed ledger events into a JSONL file.
type AuditLog struct {
	path string
	mu   sync.Mutex
	w    *os.File
}

// OpenAuditLog opens path for appending, creating it and its directory.
func OpenAuditLog(path string) (*AuditLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	w, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &AuditLog{path: path, w: w}, nil
}

func (l *AuditLog) Path() string { return l.path }

// Append writes e as one line and syncs it to disk.
func (l *AuditLog) Append(e *core.Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode audit event %d: %w", e.Seq, err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.w.Write(line); err != nil {
		return fmt.Errorf("append audit event %d: %w", e.Seq, err)
	}
	return l.w.Sync()
}

func (l *AuditLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}

// auditLine is one non-blank line of an audit file.
type auditLine struct {
	raw   []byte
	event core.Event
	err   error
}

// scanAudit calls fn for every non-blank line of r, stopping early when fn
// returns false.
func scanAudit(r io.Reader, fn func(auditLine) bool) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxAuditLine)
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		al := auditLine{raw: append([]byte(nil), raw...)}
		al.err = json.Unmarshal(raw, &al.event)
		if !fn(al) {
			return nil
		}
	}
	return sc.Err()
}

// ReadAudit returns every event in the audit file at path. Any malformed
// line is an error; run RepairAudit first after a crash.
func ReadAudit(path string) ([]core.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		events []core.Event
		bad    error
		lineNo int
	)
	err = scanAudit(f, func(al auditLine) bool {
		lineNo++
		if al.err != nil {
			bad = fmt.Errorf("audit line %d: %w", lineNo, al.err)
			return false
		}
		events = append(events, al.event)
		return true
	})
	if err == nil {
		err = bad
	}
	if err != nil {
		return nil, err
	}
	return events, nil
}

// RepairAudit rewrites the audit file at path keeping only well-formed
// events with strictly increasing sequence numbers. A torn final append
// and a line duplicated by a retried mirror write are both dropped. The
// rewrite goes through a synced temp file and a rename. It returns the
// number of events kept.
func RepairAudit(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	var (
		kept    bytes.Buffer
		n       int
		lastSeq uint64
		dropped int
	)
	err = scanAudit(f, func(al auditLine) bool {
		if al.err != nil || al.event.Seq <= lastSeq {
			dropped++
			return true
		}
		lastSeq = al.event.Seq
		kept.Write(al.raw)
		kept.WriteByte('\n')
		n++
		return true
	})
	_ = f.Close()
	if err != nil {
		return 0, fmt.Errorf("scan audit log: %w", err)
	}
	if dropped == 0 {
		return n, nil
	}

	tmp := path + ".tmp"
	if err := writeSynced(tmp, kept.Bytes()); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("replace audit log: %w", err)
	}
	if dir, err := os.Open(filepath.Dir(path)); err == nil {
		_ = dir.Sync()
		_ = dir.Close()
	}
	return n, nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}
