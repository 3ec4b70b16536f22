// ABOUTME: Builder is the polling orchestrator: it claims sessions awaiting a build, turns each into
// ABOUTME: an experiment record (calendar, files, activities, metadata, validate, write, upload), and records the outcome.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"runtime/debug"
	"time"

	"github.com/2389-research/labrecord/activity"
	"github.com/2389-research/labrecord/calendar"
	"github.com/2389-research/labrecord/extract"
	"github.com/2389-research/labrecord/locator"
	"github.com/2389-research/labrecord/record"
	"github.com/2389-research/labrecord/session/core"
	"github.com/2389-research/labrecord/session/store"
	"github.com/sourcegraph/conc/pool"
)

// ErrLedger wraps session ledger write failures. They abort the cycle: the
// builder cannot continue without a reliable status ledger.
var ErrLedger = errors.New("session ledger write failed")

// ErrUnknownInstrument is recorded when a session names an instrument that
// is not configured.
var ErrUnknownInstrument = errors.New("unknown instrument")

// Ledger is the part of the session store the builder uses.
type Ledger interface {
	SessionsToBuild(ctx context.Context, policy store.BuildPolicy) ([]core.Session, error)
	Claim(ctx context.Context, sess core.Session, worker string, policy store.BuildPolicy) (core.Event, error)
	UpdateStatus(ctx context.Context, sess core.Session, worker string, status core.RecordStatus, note string) (core.Event, error)
}

// Instrument is everything the builder needs to know about one instrument.
type Instrument struct {
	Record     record.Instrument
	Calendar   calendar.Calendar
	Clustering activity.Options
	// Unreliable keys are flagged on every dataset from this instrument.
	Unreliable []string
}

// Catalog resolves instrument IDs.
type Catalog func(id string) (Instrument, bool)

// Deps are the collaborators a Builder drives.
type Deps struct {
	Ledger      Ledger
	Instruments Catalog
	Harvester   calendar.Harvester
	Locator     locator.Locator
	Pipeline    *extract.Pipeline
	Assembler   *record.Assembler
	Validator   record.Validator
	Writer      *record.Writer
	Uploader    record.Uploader
}

// Config controls a Builder.
type Config struct {
	// Worker names this process in claims. Defaults to host:pid.
	Worker  string
	Workers int
	Policy  store.BuildPolicy
	// DryRun builds and writes records without claiming, uploading, or
	// changing session status.
	DryRun       bool
	EventHandler EventHandler
}

// Result is the outcome of one session build.
type Result struct {
	Session    core.Session
	Status     core.RecordStatus
	Skipped    bool
	RecordID   string
	RecordPath string
	Location   string
	Activities int
	Files      int
	Err        error
	Duration   time.Duration
}

// CycleReport summarizes one polling cycle.
type CycleReport struct {
	Pending int
	Results []Result
}

// Count returns how many sessions ended in status.
func (r CycleReport) Count(status core.RecordStatus) int {
	n := 0
	for _, res := range r.Results {
		if !res.Skipped && res.Status == status {
			n++
		}
	}
	return n
}

// Builder orchestrates record builds.
type Builder struct {
	deps Deps
	cfg  Config
}

// New validates deps and returns a Builder.
func New(deps Deps, cfg Config) (*Builder, error) {
	switch {
	case deps.Ledger == nil:
		return nil, errors.New("builder: ledger is required")
	case deps.Instruments == nil:
		return nil, errors.New("builder: instrument catalog is required")
	case deps.Locator == nil:
		return nil, errors.New("builder: locator is required")
	case deps.Pipeline == nil:
		return nil, errors.New("builder: extraction pipeline is required")
	case deps.Writer == nil:
		return nil, errors.New("builder: record writer is required")
	case deps.Uploader == nil && !cfg.DryRun:
		return nil, errors.New("builder: uploader is required")
	}
	if deps.Harvester == nil {
		deps.Harvester = calendar.None
	}
	if deps.Assembler == nil {
		deps.Assembler = record.NewAssembler()
	}
	if deps.Validator == nil {
		deps.Validator = record.SchemaValidator{}
	}
	if cfg.Worker == "" {
		host, _ := os.Hostname()
		cfg.Worker = fmt.Sprintf("%s:%d", host, os.Getpid())
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Builder{deps: deps, cfg: cfg}, nil
}

// Run executes a cycle immediately and then every interval until ctx is
// cancelled. Only ledger failures stop it early.
func (b *Builder) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := b.RunOnce(ctx); err != nil {
			if errors.Is(err, ErrLedger) {
				return err
			}
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("component=builder action=cycle_failed err=%v", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce processes every pending session once. A failed session does not
// stop the others; a ledger failure does.
func (b *Builder) RunOnce(ctx context.Context) (CycleReport, error) {
	sessions, err := b.deps.Ledger.SessionsToBuild(ctx, b.cfg.Policy)
	if err != nil {
		return CycleReport{}, fmt.Errorf("fetch pending sessions: %w", err)
	}
	report := CycleReport{Pending: len(sessions)}
	b.emit(Event{Type: EventCycleStarted, Data: map[string]any{"pending": len(sessions)}})
	log.Printf("component=builder action=cycle_start pending=%d workers=%d dry_run=%v", len(sessions), b.cfg.Workers, b.cfg.DryRun)

	results := make([]Result, len(sessions))
	if b.cfg.Workers <= 1 || len(sessions) <= 1 {
		for i, sess := range sessions {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			res, err := b.BuildSession(ctx, sess)
			results[i] = res
			if err != nil {
				report.Results = results[:i+1]
				return report, err
			}
		}
	} else {
		p := pool.New().WithContext(ctx).WithMaxGoroutines(b.cfg.Workers).WithCancelOnError().WithFirstError()
		for i, sess := range sessions {
			p.Go(func(ctx context.Context) error {
				res, err := b.BuildSession(ctx, sess)
				results[i] = res
				return err
			})
		}
		if err := p.Wait(); err != nil {
			report.Results = results
			return report, err
		}
	}
	report.Results = results

	b.emit(Event{Type: EventCycleCompleted, Data: map[string]any{
		"completed":      report.Count(core.StatusCompleted),
		"error":          report.Count(core.StatusError),
		"no_files_found": report.Count(core.StatusNoFilesFound),
	}})
	log.Printf("component=builder action=cycle_done pending=%d completed=%d error=%d no_files=%d",
		report.Pending, report.Count(core.StatusCompleted), report.Count(core.StatusError), report.Count(core.StatusNoFilesFound))
	return report, nil
}

// BuildSession claims sess, builds its record, and records the outcome. The
// returned error is non-nil only for ledger failures; build failures are
// reported in Result.Err and persisted as ERROR.
func (b *Builder) BuildSession(ctx context.Context, sess core.Session) (Result, error) {
	res := Result{Session: sess}
	start := time.Now()

	if !b.cfg.DryRun {
		if _, err := b.deps.Ledger.Claim(ctx, sess, b.cfg.Worker, b.cfg.Policy); err != nil {
			if errors.Is(err, core.ErrAlreadyClaimed) || errors.Is(err, core.ErrNotClaimable) {
				res.Skipped = true
				b.emit(Event{Type: EventSessionSkipped, SessionID: sess.ID, Data: map[string]any{"reason": err.Error()}})
				log.Printf("component=builder action=skip session=%s reason=%q", sess.ID, err)
				return res, nil
			}
			return res, fmt.Errorf("%w: claim %s: %w", ErrLedger, sess.ID, err)
		}
		b.emit(Event{Type: EventSessionClaimed, SessionID: sess.ID, Data: map[string]any{"worker": b.cfg.Worker}})
	}

	status, note, err := b.buildSafely(ctx, sess, &res)
	res.Status, res.Err = status, err
	if err != nil && ctx.Err() != nil {
		note = "interrupted: " + note
	}
	res.Duration = time.Since(start)

	if err != nil {
		log.Printf("component=builder action=build_failed session=%s instrument=%s err=%v", sess.ID, sess.Instrument, err)
		b.emit(Event{Type: EventSessionFailed, SessionID: sess.ID, Data: map[string]any{"error": err.Error()}})
	} else {
		log.Printf("component=builder action=build_done session=%s status=%s activities=%d files=%d elapsed=%s",
			sess.ID, status, res.Activities, res.Files, res.Duration.Round(time.Millisecond))
		b.emit(Event{Type: EventSessionCompleted, SessionID: sess.ID, Data: map[string]any{"status": string(status)}})
	}

	if b.cfg.DryRun {
		return res, nil
	}
	// The outcome must be recorded even when ctx was cancelled mid-build,
	// or the session would stay claimed until the claim expires.
	if _, err := b.deps.Ledger.UpdateStatus(context.WithoutCancel(ctx), sess, b.cfg.Worker, status, note); err != nil {
		if errors.Is(err, core.ErrAlreadyClaimed) {
			// The claim expired and another worker owns the session now;
			// its outcome is the one that counts.
			res.Skipped = true
			log.Printf("component=builder action=claim_lost session=%s status=%s err=%q", sess.ID, status, err)
			b.emit(Event{Type: EventSessionSkipped, SessionID: sess.ID, Data: map[string]any{"reason": err.Error()}})
			return res, nil
		}
		return res, fmt.Errorf("%w: record %s for %s: %w", ErrLedger, status, sess.ID, err)
	}
	return res, nil
}

// buildSafely converts a panic anywhere in the build into an ERROR outcome.
func (b *Builder) buildSafely(ctx context.Context, sess core.Session, res *Result) (status core.RecordStatus, note string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("component=builder action=panic session=%s panic=%v\n%s", sess.ID, r, debug.Stack())
			status, note, err = core.StatusError, fmt.Sprintf("panic: %v", r), fmt.Errorf("build panicked: %v", r)
		}
	}()
	status, err = b.build(ctx, sess, res)
	if err != nil {
		return core.StatusError, err.Error(), err
	}
	return status, noteFor(status, res), nil
}

func noteFor(status core.RecordStatus, res *Result) string {
	switch status {
	case core.StatusCompleted:
		return fmt.Sprintf("record %s uploaded to %s", res.RecordID, res.Location)
	case core.StatusNoFilesFound:
		return "no files in session window"
	}
	return ""
}

func (b *Builder) build(ctx context.Context, sess core.Session, res *Result) (core.RecordStatus, error) {
	inst, ok := b.deps.Instruments(sess.Instrument)
	if !ok {
		return core.StatusError, fmt.Errorf("%w: %s", ErrUnknownInstrument, sess.Instrument)
	}
	window := sess.Window()

	events, err := b.deps.Harvester.Events(ctx, inst.Calendar, window)
	if err != nil {
		return core.StatusError, fmt.Errorf("harvest calendar: %w", err)
	}

	files, err := b.deps.Locator.Find(ctx, inst.Record.StorageRoot, window)
	if err != nil {
		return core.StatusError, fmt.Errorf("locate files: %w", err)
	}
	b.emit(Event{Type: EventFilesLocated, SessionID: sess.ID, Data: map[string]any{"files": len(files)}})
	if len(files) == 0 {
		return core.StatusNoFilesFound, nil
	}
	res.Files = len(files)

	opts := inst.Clustering
	if opts.Multiplier <= 0 {
		opts.Multiplier = activity.DefaultMultiplier
	}
	acts := activity.Cluster(files, opts)
	res.Activities = len(acts)

	pipeline := *b.deps.Pipeline
	pipeline.Unreliable = append(append([]string(nil), pipeline.Unreliable...), inst.Unreliable...)
	for _, act := range acts {
		for i := range act.Files {
			if err := pipeline.Process(ctx, &act.Files[i]); err != nil {
				return core.StatusError, fmt.Errorf("activity %d: %w", act.Seq, err)
			}
		}
		act.Separate()
	}
	b.emit(Event{Type: EventActivitiesBuilt, SessionID: sess.ID, Data: map[string]any{"activities": len(acts), "files": len(files)}})

	rec := b.deps.Assembler.Assemble(sess, inst.Record, events, acts)
	res.RecordID = rec.ID
	if rec.Degraded {
		log.Printf("component=builder action=no_reservation session=%s instrument=%s", sess.ID, sess.Instrument)
	}

	doc, err := record.MarshalXML(rec)
	if err != nil {
		return core.StatusError, err
	}
	if err := b.deps.Validator.Validate(doc, rec); err != nil {
		return core.StatusError, err
	}

	path, err := b.deps.Writer.Write(rec, doc)
	if err != nil {
		return core.StatusError, fmt.Errorf("write record: %w", err)
	}
	res.RecordPath = path
	b.emit(Event{Type: EventRecordWritten, SessionID: sess.ID, Data: map[string]any{"record": rec.ID, "path": path}})

	if b.cfg.DryRun {
		return core.StatusCompleted, nil
	}

	loc, err := b.deps.Uploader.Upload(ctx, rec, doc)
	if err != nil {
		return core.StatusError, fmt.Errorf("record kept at %s: %w", path, err)
	}
	res.Location = loc
	if err := b.deps.Writer.WriteReceipt(record.Receipt{
		RecordID:   rec.ID,
		SessionID:  sess.ID,
		Location:   loc,
		UploadedAt: time.Now().UTC(),
	}); err != nil {
		log.Printf("component=builder action=receipt_failed session=%s err=%v", sess.ID, err)
	}
	b.emit(Event{Type: EventRecordUploaded, SessionID: sess.ID, Data: map[string]any{"record": rec.ID, "location": loc}})
	return core.StatusCompleted, nil
}
