// ABOUTME: Tests for record assembly (including the no-reservation degraded mode), XML output,
// ABOUTME: schema validation, the record writer, markdown summaries, and uploaders.
package record_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/2389-research/labrecord/activity"
	"github.com/2389-research/labrecord/calendar"
	"github.com/2389-research/labrecord/record"
	"github.com/2389-research/labrecord/session/core"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func testAssembler() *record.Assembler {
	n := 0
	return &record.Assembler{
		NewID: func() string {
			n++
			return "id-" + string(rune('0'+n))
		},
		Now: func() time.Time { return t0.Add(24 * time.Hour) },
	}
}

func testSession() core.Session {
	return core.Session{
		ID:         "sess-1",
		Instrument: "titan-01",
		Start:      t0,
		End:        t0.Add(2 * time.Hour),
		Status:     core.StatusToBeBuilt,
		User:       "alice",
	}
}

func testActivities() []*activity.Activity {
	mk := func(voltage string, mag float64) *activity.Metadata {
		md := activity.NewMetadata()
		md.Set("Voltage", voltage)
		md.Set("Magnification", mag)
		return md
	}
	a0 := &activity.Activity{Seq: 0, Start: t0.Add(time.Minute), End: t0.Add(3 * time.Minute), Files: []activity.File{
		{Path: "/data/titan/a.tif", ModTime: t0.Add(time.Minute), Size: 2048, Extractor: "image", Metadata: mk("200kV", 1000)},
		{Path: "/data/titan/b.tif", ModTime: t0.Add(3 * time.Minute), Size: 4096, Extractor: "image", Metadata: mk("200kV", 5000)},
	}}
	a0.Separate()
	a1 := &activity.Activity{Seq: 1, Start: t0.Add(50 * time.Minute), End: t0.Add(50 * time.Minute), Files: []activity.File{
		{Path: "/data/titan/c.tif", ModTime: t0.Add(50 * time.Minute), Size: 1024, Extractor: "image", Metadata: mk("300kV", 800)},
	}}
	a1.Separate()
	return []*activity.Activity{a0, a1}
}

var titan = record.Instrument{ID: "titan-01", Name: "Titan TEM", Location: "Bldg 223", StorageRoot: "/data/titan"}

func TestAssembleWithReservation(t *testing.T) {
	events := []calendar.Event{
		{ID: "r-short", Title: "Short", Start: t0, End: t0.Add(10 * time.Minute)},
		{ID: "r-main", Title: "Catalyst imaging", Experimenter: "Alice Liddell", Purpose: "Pt particle size",
			SampleID: "S-7", SampleDescription: "Pt/C", Project: "Fuel cells", Collaborators: []string{"Bob"},
			Start: t0.Add(-30 * time.Minute), End: t0.Add(3 * time.Hour)},
	}
	rec := testAssembler().Assemble(testSession(), titan, events, testActivities())

	if rec.Degraded {
		t.Fatal("record should not be degraded")
	}
	s := rec.Summary
	if s.Title != "Catalyst imaging" || s.Experimenter != "Alice Liddell" || s.Motivation != "Pt particle size" {
		t.Errorf("summary = %+v", s)
	}
	if s.ReservedFrom == nil || !s.ReservedFrom.Equal(t0.Add(-30*time.Minute)) {
		t.Errorf("reserved from = %v", s.ReservedFrom)
	}
	if rec.Sample.ID != "S-7" || rec.Project != "Fuel cells" {
		t.Errorf("sample = %+v project = %q", rec.Sample, rec.Project)
	}
	for _, a := range rec.Activities {
		if a.SampleID != "S-7" {
			t.Errorf("activity %d sample = %q", a.Seq, a.SampleID)
		}
	}
}

func TestAssembleWithoutReservationIsDegraded(t *testing.T) {
	rec := testAssembler().Assemble(testSession(), titan, nil, testActivities())

	if !rec.Degraded {
		t.Fatal("record should be degraded")
	}
	s := rec.Summary
	if s.Title != record.NoMatchTitle {
		t.Errorf("title = %q", s.Title)
	}
	if s.Experimenter != "alice" {
		t.Errorf("experimenter = %q, want session user", s.Experimenter)
	}
	if s.Motivation != "" || s.ReservedFrom != nil || s.ReservedUntil != nil || s.ReservationID != "" {
		t.Errorf("reservation fields should be omitted: %+v", s)
	}
	if !strings.Contains(s.Description, "Titan TEM") || !strings.Contains(s.Description, "2026-03-02") {
		t.Errorf("description = %q", s.Description)
	}
	if rec.Sample.ID == "" {
		t.Error("degraded record still needs a sample id")
	}

	doc, err := record.MarshalXML(rec)
	if err != nil {
		t.Fatalf("MarshalXML: %v", err)
	}
	if !strings.Contains(string(doc), "<title>No matching calendar event found</title>") {
		t.Errorf("document missing placeholder title:\n%s", doc)
	}
	if strings.Contains(string(doc), "reservationStart") || strings.Contains(string(doc), "<motivation>") {
		t.Errorf("document should omit reservation fields:\n%s", doc)
	}
	if err := (record.SchemaValidator{}).Validate(doc, rec); err != nil {
		t.Errorf("degraded record should validate: %v", err)
	}
}

func TestMarshalXMLPreservesOrderAndSetup(t *testing.T) {
	rec := testAssembler().Assemble(testSession(), titan, nil, testActivities())
	doc, err := record.MarshalXML(rec)
	if err != nil {
		t.Fatalf("MarshalXML: %v", err)
	}
	s := string(doc)

	if !strings.HasPrefix(s, "<?xml") {
		t.Error("missing XML declaration")
	}
	a, b, c := strings.Index(s, "<name>a.tif</name>"), strings.Index(s, "<name>b.tif</name>"), strings.Index(s, "<name>c.tif</name>")
	if a < 0 || !(a < b && b < c) {
		t.Errorf("datasets out of order: a=%d b=%d c=%d", a, b, c)
	}
	if !strings.Contains(s, `<param name="Voltage">200kV</param>`) {
		t.Errorf("shared Voltage should be a setup param:\n%s", s)
	}
	if !strings.Contains(s, "<location>/a.tif</location>") {
		t.Errorf("location should be relative to storage root:\n%s", s)
	}
}

func TestSchemaValidatorRejects(t *testing.T) {
	rec := testAssembler().Assemble(testSession(), titan, nil, testActivities())
	rec.Summary.Title = ""
	rec.Activities[1].Seq = 5
	doc, _ := record.MarshalXML(rec)

	err := (record.SchemaValidator{}).Validate(doc, rec)
	if !errors.Is(err, record.ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	var ve *record.ValidationError
	if !errors.As(err, &ve) || len(ve.Problems) != 2 {
		t.Fatalf("problems = %v", err)
	}
}

func TestSchemaValidatorRejectsEmptyAndMalformed(t *testing.T) {
	rec := testAssembler().Assemble(testSession(), titan, nil, nil)
	doc, _ := record.MarshalXML(rec)
	if err := (record.SchemaValidator{}).Validate(doc, rec); err == nil {
		t.Error("record without activities should be invalid")
	}
	if err := (record.SchemaValidator{}).Validate([]byte("<Experiment"), rec); !errors.Is(err, record.ErrInvalidRecord) {
		t.Errorf("malformed document: %v", err)
	}
}

func TestWriterWritesArtifacts(t *testing.T) {
	w, err := record.NewWriter(t.TempDir())
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	rec := testAssembler().Assemble(testSession(), titan, nil, testActivities())
	doc, _ := record.MarshalXML(rec)

	path, err := w.Write(rec, doc)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if filepath.Base(path) != record.DocumentFile {
		t.Errorf("path = %s", path)
	}
	names, err := w.ListArtifacts(rec.SessionID)
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	want := []string{record.JSONFile, record.DocumentFile, record.SummaryFile}
	if strings.Join(names, ",") != strings.Join(want, ",") {
		t.Errorf("artifacts = %v, want %v", names, want)
	}

	if _, err := w.ReadReceipt(rec.SessionID); !errors.Is(err, record.ErrNoRecord) {
		t.Errorf("expected no receipt yet, got %v", err)
	}
	if err := w.WriteReceipt(record.Receipt{RecordID: rec.ID, SessionID: rec.SessionID, Location: "repo://x"}); err != nil {
		t.Fatalf("WriteReceipt: %v", err)
	}
	r, err := w.ReadReceipt(rec.SessionID)
	if err != nil || r.Location != "repo://x" {
		t.Fatalf("receipt = %+v, %v", r, err)
	}

	// A rebuild replaces the stale receipt.
	if _, err := w.Write(rec, doc); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if _, err := w.ReadReceipt(rec.SessionID); !errors.Is(err, record.ErrNoRecord) {
		t.Errorf("receipt should be cleared on rewrite, got %v", err)
	}
}

func TestWriterRejectsTraversal(t *testing.T) {
	w, _ := record.NewWriter(t.TempDir())
	if _, err := w.ReadArtifact("sess", "../secret"); err == nil {
		t.Fatal("expected error for path traversal")
	}
	if d := w.Dir("../../etc"); filepath.Dir(d) != w.BaseDir {
		t.Errorf("Dir escaped base: %s", d)
	}
}

func TestMarkdownSummary(t *testing.T) {
	rec := testAssembler().Assemble(testSession(), titan, nil, testActivities())
	md := record.Markdown(rec)
	for _, want := range []string{
		"# No matching calendar event found",
		"## Activity 0",
		"## Activity 1",
		"| Voltage | 200kV |",
		"3 files, 7.2 kB",
		"Magnification=1000",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestDirUploader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "drop")
	rec := testAssembler().Assemble(testSession(), titan, nil, testActivities())
	loc, err := record.DirUploader{Dir: dir}.Upload(context.Background(), rec, []byte("<x/>"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	data, err := os.ReadFile(loc)
	if err != nil || string(data) != "<x/>" {
		t.Fatalf("uploaded = %q, %v", data, err)
	}
}

func TestHTTPUploaderSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" || r.Header.Get("X-Record-ID") == "" {
			http.Error(w, "bad headers", http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		if string(body) != "<doc/>" {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		w.Header().Set("Location", "https://repo.example/records/42")
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	u := record.NewHTTPUploader(srv.URL, "tok")
	rec := testAssembler().Assemble(testSession(), titan, nil, nil)
	loc, err := u.Upload(context.Background(), rec, []byte("<doc/>"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if loc != "https://repo.example/records/42" {
		t.Errorf("location = %q", loc)
	}
}

func TestHTTPUploaderRetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"url":"https://repo.example/r/1"}`))
	}))
	defer srv.Close()

	u := record.NewHTTPUploader(srv.URL, "")
	u.Retry = record.RetryPolicyStandard(3)
	u.Retry.Backoff.InitialDelay = time.Millisecond
	rec := testAssembler().Assemble(testSession(), titan, nil, nil)

	loc, err := u.Upload(context.Background(), rec, []byte("<doc/>"))
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if loc != "https://repo.example/r/1" || atomic.LoadInt32(&hits) != 3 {
		t.Errorf("loc = %q hits = %d", loc, hits)
	}
}

func TestHTTPUploaderDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "schema mismatch", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	u := record.NewHTTPUploader(srv.URL, "")
	u.Retry = record.RetryPolicyStandard(5)
	u.Retry.Backoff.InitialDelay = time.Millisecond
	rec := testAssembler().Assemble(testSession(), titan, nil, nil)

	_, err := u.Upload(context.Background(), rec, []byte("<doc/>"))
	var ue *record.UploadError
	if !errors.As(err, &ue) || ue.StatusCode != http.StatusUnprocessableEntity || ue.Retryable {
		t.Fatalf("err = %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
}

func TestDelayForAttempt(t *testing.T) {
	b := record.BackoffConfig{InitialDelay: 100 * time.Millisecond, Factor: 2, MaxDelay: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{3, 800 * time.Millisecond},
		{10, time.Second},
	}
	for _, tt := range tests {
		if got := b.DelayForAttempt(tt.attempt); got != tt.want {
			t.Errorf("DelayForAttempt(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestDoStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	policy := record.RetryPolicyStandard(5)
	policy.ShouldRetry = func(error) bool { return true }
	policy.Backoff = record.BackoffConfig{InitialDelay: time.Hour, Factor: 1, MaxDelay: time.Hour}

	err := record.Do(ctx, policy, func(context.Context) error {
		calls++
		cancel()
		return errors.New("boom")
	})
	if !errors.Is(err, context.Canceled) || calls != 1 {
		t.Fatalf("err = %v calls = %d", err, calls)
	}
}
