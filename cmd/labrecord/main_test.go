// ABOUTME: Tests for the labrecord CLI: command tree, ledger commands, a full build cycle against a
// ABOUTME: temporary data directory, document validation, and report formatting.
package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/2389-research/labrecord/builder"
	"github.com/2389-research/labrecord/session/core"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// workspace is a config file, instruments file, and instrument storage root
// under one temp directory.
type workspace struct {
	dir     string
	config  string
	storage string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	ws := &workspace{dir: dir, config: filepath.Join(dir, "config.yaml"), storage: filepath.Join(dir, "titan")}
	if err := os.MkdirAll(ws.storage, 0o755); err != nil {
		t.Fatal(err)
	}
	cfg := "data_dir: " + filepath.Join(dir, "data") + "\n" +
		"instruments_file: instruments.yaml\n" +
		"extract:\n  previews: false\n" +
		"upload:\n  mode: dir\n  dir: " + filepath.Join(dir, "outbox") + "\n"
	if err := os.WriteFile(ws.config, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	inst := "instruments:\n  - id: titan-01\n    name: Titan TEM\n    storage_root: " + ws.storage + "\n"
	if err := os.WriteFile(filepath.Join(dir, "instruments.yaml"), []byte(inst), 0o644); err != nil {
		t.Fatal(err)
	}
	return ws
}

// file writes a JSON metadata file stamped at t0+offset.
func (ws *workspace) file(t *testing.T, name string, offset time.Duration, body string) {
	t.Helper()
	path := filepath.Join(ws.storage, name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	ts := t0.Add(offset)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatal(err)
	}
}

func (ws *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(append([]string{"--config", ws.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (ws *workspace) mustRun(t *testing.T, args ...string) string {
	t.Helper()
	out, err := ws.run(t, args...)
	if err != nil {
		t.Fatalf("%v: %v\n%s", args, err, out)
	}
	return out
}

func (ws *workspace) session(t *testing.T, id string) {
	t.Helper()
	ws.mustRun(t, "log", "start", "titan-01", id, "--user", "alice", "--at", t0.Format(time.RFC3339))
	ws.mustRun(t, "log", "end", "titan-01", id, "--user", "alice", "--at", t0.Add(time.Hour).Format(time.RFC3339))
}

func TestRootCommands(t *testing.T) {
	root := newRootCmd(&bytes.Buffer{})
	want := []string{"run", "once", "serve", "sessions", "show", "log", "requeue", "recover", "validate"}
	for _, name := range want {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("command %q not registered", name)
		}
	}
}

func TestLogAndListSessions(t *testing.T) {
	ws := newWorkspace(t)
	out := ws.mustRun(t, "log", "start", "titan-01", "s1", "--at", t0.Format(time.RFC3339))
	if !strings.Contains(out, "WAITING_FOR_END") {
		t.Errorf("log start output = %q", out)
	}
	out = ws.mustRun(t, "log", "end", "titan-01", "s1", "--at", t0.Add(time.Hour).Format(time.RFC3339))
	if !strings.Contains(out, "TO_BE_BUILT") {
		t.Errorf("log end output = %q", out)
	}

	out = ws.mustRun(t, "sessions")
	if !strings.Contains(out, "s1") || !strings.Contains(out, "titan-01") {
		t.Errorf("sessions output:\n%s", out)
	}
	if out := ws.mustRun(t, "sessions", "--status", "COMPLETED"); !strings.Contains(out, "No sessions") {
		t.Errorf("filtered output:\n%s", out)
	}
	if _, err := ws.run(t, "sessions", "--status", "DONE"); err == nil {
		t.Error("expected error for unknown status")
	}

	out = ws.mustRun(t, "show", "s1")
	if !strings.Contains(out, "START") || !strings.Contains(out, "END") {
		t.Errorf("show output:\n%s", out)
	}
}

func TestLogRejectsBadTime(t *testing.T) {
	ws := newWorkspace(t)
	if _, err := ws.run(t, "log", "start", "titan-01", "s1", "--at", "yesterday"); err == nil {
		t.Fatal("expected error for unparseable --at")
	}
}

func TestOnceBuildsAndUploads(t *testing.T) {
	ws := newWorkspace(t)
	ws.file(t, "a.json", 5*time.Minute, `{"Voltage": "200kV", "Frame": 1}`)
	ws.file(t, "b.json", 7*time.Minute, `{"Voltage": "200kV", "Frame": 2}`)
	ws.session(t, "s1")

	out := ws.mustRun(t, "once")
	if !strings.Contains(out, "COMPLETED") || !strings.Contains(out, "1 completed") {
		t.Fatalf("once output:\n%s", out)
	}

	uploaded, err := filepath.Glob(filepath.Join(ws.dir, "outbox", "*.xml"))
	if err != nil || len(uploaded) != 1 {
		t.Fatalf("outbox = %v, %v", uploaded, err)
	}
	if out := ws.mustRun(t, "validate", uploaded[0]); !strings.Contains(out, "valid") {
		t.Errorf("validate output = %q", out)
	}
	if out := ws.mustRun(t, "sessions", "--status", "COMPLETED"); !strings.Contains(out, "s1") {
		t.Errorf("completed sessions:\n%s", out)
	}

	// Nothing left to do on the next cycle.
	if out := ws.mustRun(t, "once"); !strings.Contains(out, "No sessions to build") {
		t.Errorf("second cycle output:\n%s", out)
	}
}

func TestOnceNoFilesThenRequeue(t *testing.T) {
	ws := newWorkspace(t)
	ws.session(t, "empty")

	out := ws.mustRun(t, "once")
	if !strings.Contains(out, "NO_FILES_FOUND") {
		t.Fatalf("once output:\n%s", out)
	}
	ws.mustRun(t, "requeue", "empty", "--note", "files restored")
	if out := ws.mustRun(t, "sessions", "--status", "TO_BE_BUILT"); !strings.Contains(out, "empty") {
		t.Errorf("requeued sessions:\n%s", out)
	}
}

func TestOnceDryRunLeavesLedger(t *testing.T) {
	ws := newWorkspace(t)
	ws.file(t, "a.json", 5*time.Minute, `{"Voltage": "200kV"}`)
	ws.session(t, "s1")

	ws.mustRun(t, "once", "--dry-run")
	if _, err := os.Stat(filepath.Join(ws.dir, "outbox")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("dry run uploaded: %v", err)
	}
	if out := ws.mustRun(t, "sessions", "--status", "TO_BE_BUILT"); !strings.Contains(out, "s1") {
		t.Errorf("dry run changed status:\n%s", out)
	}
}

func TestRecover(t *testing.T) {
	ws := newWorkspace(t)
	ws.session(t, "s1")
	out := ws.mustRun(t, "recover")
	if !strings.Contains(out, "ledger ok") {
		t.Errorf("recover output:\n%s", out)
	}
}

func TestValidateRejectsInvalid(t *testing.T) {
	ws := newWorkspace(t)
	path := filepath.Join(ws.dir, "bad.xml")
	if err := os.WriteFile(path, []byte("<experiment/>"), 0o644); err != nil {
		t.Fatal(err)
	}
	out, err := ws.run(t, "validate", path)
	if err == nil || !strings.Contains(out, "invalid") {
		t.Errorf("validate = %v\n%s", err, out)
	}
}

func TestMissingConfigFile(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "nope.yaml"), "sessions"})
	if err := cmd.ExecuteContext(context.Background()); err == nil {
		t.Fatal("expected error for missing config")
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, builder.CycleReport{})
	if !strings.Contains(buf.String(), "No sessions to build") {
		t.Errorf("empty report = %q", buf.String())
	}

	buf.Reset()
	printReport(&buf, builder.CycleReport{
		Pending: 3,
		Results: []builder.Result{
			{Session: core.Session{ID: "ok"}, Status: core.StatusCompleted, Activities: 2, Files: 1200, Location: "https://repo/ok"},
			{Session: core.Session{ID: "bad"}, Status: core.StatusError, Err: errors.New("disk gone")},
			{Session: core.Session{ID: "busy"}, Skipped: true},
		},
	})
	got := buf.String()
	for _, want := range []string{"1,200 files", "https://repo/ok", "disk gone", "SKIPPED", "3 pending: 1 completed, 0 no files, 1 failed"} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q:\n%s", want, got)
		}
	}
}
