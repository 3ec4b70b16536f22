// ABOUTME: Writer manages the per-session record directory: the XML document, a JSON rendering,
// ABOUTME: the markdown summary, and an upload receipt, all written atomically.
package record

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Artifact names inside a record directory.
const (
	DocumentFile = "record.xml"
	JSONFile     = "record.json"
	SummaryFile  = "summary.md"
	ReceiptFile  = "upload.json"
)

// ErrNoRecord is returned when a session has no record directory.
var ErrNoRecord = errors.New("no record written for session")

// Receipt is written once a record has been accepted by the repository.
type Receipt struct {
	RecordID   string    `json:"record_id"`
	SessionID  string    `json:"session_id"`
	Location   string    `json:"location"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Writer stores record artifacts under BaseDir/<session id>/.
type Writer struct {
	BaseDir string
}

// NewWriter creates the base directory.
func NewWriter(baseDir string) (*Writer, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir must not be empty")
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating records directory: %w", err)
	}
	return &Writer{BaseDir: baseDir}, nil
}

// Dir returns the record directory for a session.
func (w *Writer) Dir(sessionID string) string {
	return filepath.Join(w.BaseDir, safeName(sessionID))
}

// Write stores doc, the JSON form of rec, and its summary. A previous
// attempt's artifacts for the same session are replaced, including any
// receipt. Returns the document path.
func (w *Writer) Write(rec *ExperimentRecord, doc []byte) (string, error) {
	if rec.SessionID == "" {
		return "", fmt.Errorf("record %s has no session id", rec.ID)
	}
	dir := w.Dir(rec.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating record directory: %w", err)
	}

	js, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling record %s: %w", rec.ID, err)
	}
	if err := os.Remove(filepath.Join(dir, ReceiptFile)); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("clearing stale receipt: %w", err)
	}

	docPath := filepath.Join(dir, DocumentFile)
	for name, data := range map[string][]byte{
		DocumentFile: doc,
		JSONFile:     js,
		SummaryFile:  []byte(Markdown(rec)),
	} {
		if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
			return "", fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return docPath, nil
}

// WriteReceipt records a successful upload.
func (w *Writer) WriteReceipt(r Receipt) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling receipt: %w", err)
	}
	return writeFileAtomic(filepath.Join(w.Dir(r.SessionID), ReceiptFile), data)
}

// ReadReceipt returns the upload receipt, or ErrNoRecord.
func (w *Writer) ReadReceipt(sessionID string) (*Receipt, error) {
	data, err := w.ReadArtifact(sessionID, ReceiptFile)
	if err != nil {
		return nil, err
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshaling receipt: %w", err)
	}
	return &r, nil
}

// ReadArtifact reads one file from a session's record directory.
func (w *Writer) ReadArtifact(sessionID, name string) ([]byte, error) {
	if name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid artifact name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(w.Dir(sessionID), name))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s %s: %w", sessionID, name, ErrNoRecord)
	}
	return data, err
}

// ListArtifacts returns the sorted file names in a session's directory.
func (w *Writer) ListArtifacts(sessionID string) ([]string, error) {
	entries, err := os.ReadDir(w.Dir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// safeName maps a session identifier onto a single path element.
func safeName(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_")
	s := r.Replace(id)
	if s == "" || s == "." || s == ".." {
		s = "_" + s
	}
	return s
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
