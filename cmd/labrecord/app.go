// ABOUTME: Wires configuration into the ledger, locator, extraction pipeline, calendar harvester,
// ABOUTME: record writer, uploader, and builder shared by the CLI commands.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/2389-research/labrecord/builder"
	"github.com/2389-research/labrecord/calendar"
	"github.com/2389-research/labrecord/config"
	"github.com/2389-research/labrecord/extract"
	"github.com/2389-research/labrecord/locator"
	"github.com/2389-research/labrecord/record"
	"github.com/2389-research/labrecord/session/store"
	"github.com/spf13/afero"
)

// app holds the opened resources for one command invocation.
type app struct {
	cfg   *config.Config
	store *store.Store
}

// loadConfig reads the config file named by --config.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if cfg.File != "" {
		log.Printf("component=cli action=config_loaded file=%s", cfg.File)
	}
	return cfg, nil
}

// openApp loads config and opens (recovering if needed) the session ledger.
func (o *rootOptions) openApp(ctx context.Context) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("prepare data dir: %w", err)
	}
	s, err := store.Open(ctx, cfg.LedgerDir(), store.WithClaimTTL(cfg.Ledger.ClaimTTL))
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &app{cfg: cfg, store: s}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// catalog adapts the instrument registry to the builder.
func catalog(reg *config.Registry, defaults config.ClusteringConfig) builder.Catalog {
	return func(id string) (builder.Instrument, bool) {
		inst, ok := reg.Get(id)
		if !ok {
			return builder.Instrument{}, false
		}
		return builder.Instrument{
			Record:     inst.RecordInstrument(),
			Calendar:   inst.Calendar(),
			Clustering: inst.ClusterOptions(defaults),
			Unreliable: inst.UnreliableKeys,
		}, true
	}
}

// newPipeline builds the extraction pipeline and the locator that feeds it.
// With the exclusive strategy and no explicit extension list, the locator
// only returns files an extractor understands.
func newPipeline(cfg *config.Config, fsys afero.Fs) (*extract.Pipeline, *locator.Walker, error) {
	strategy, err := extract.ParseStrategy(cfg.Extract.Strategy)
	if err != nil {
		return nil, nil, err
	}
	reg := extract.DefaultRegistry(strategy)

	var opts []locator.Option
	switch {
	case len(cfg.Extract.Extensions) > 0:
		opts = append(opts, locator.WithExtensions(cfg.Extract.Extensions...))
	case strategy == extract.StrategyExclusive:
		opts = append(opts, locator.WithMatch(reg.Known))
	}
	if len(cfg.Extract.IgnoreDirs) > 0 {
		opts = append(opts, locator.WithIgnoreDirs(cfg.Extract.IgnoreDirs...))
	}

	p := &extract.Pipeline{Fs: fsys, Registry: reg, Timeout: cfg.Builder.FileTimeout}
	if cfg.Extract.Previews {
		previewer := extract.ImagePreviewer{MaxDim: cfg.Extract.PreviewSize, Registry: reg}
		p.Previews = extract.NewPreviewCache(previewer, afero.NewOsFs(), cfg.PreviewsDir())
	}
	return p, locator.New(fsys, opts...), nil
}

// newUploader returns the configured uploader.
func newUploader(cfg config.UploadConfig) (record.Uploader, error) {
	switch cfg.Mode {
	case "dir":
		return record.DirUploader{Dir: cfg.Dir}, nil
	case "http":
		u := record.NewHTTPUploader(cfg.URL, cfg.Token)
		u.Client = &http.Client{Timeout: cfg.Timeout}
		u.Retry = record.RetryPolicyStandard(cfg.MaxAttempts)
		return u, nil
	}
	return nil, fmt.Errorf("unknown upload mode %q", cfg.Mode)
}

type builderOptions struct {
	dryRun  bool
	workers int
	events  builder.EventHandler
}

// newBuilder wires a Builder over the app's ledger.
func (a *app) newBuilder(bo builderOptions) (*builder.Builder, error) {
	cfg := a.cfg
	instruments, err := config.LoadInstruments(cfg.InstrumentsFile)
	if err != nil {
		return nil, err
	}
	log.Printf("component=cli action=instruments_loaded file=%s count=%d", cfg.InstrumentsFile, instruments.Len())

	pipeline, walker, err := newPipeline(cfg, afero.NewReadOnlyFs(afero.NewOsFs()))
	if err != nil {
		return nil, err
	}
	writer, err := record.NewWriter(cfg.RecordsDir())
	if err != nil {
		return nil, err
	}

	dryRun := cfg.Builder.DryRun || bo.dryRun
	var uploader record.Uploader
	if !dryRun {
		if uploader, err = newUploader(cfg.Upload); err != nil {
			return nil, err
		}
	}

	workers := cfg.Builder.Workers
	if bo.workers > 0 {
		workers = bo.workers
	}

	deps := builder.Deps{
		Ledger:      a.store,
		Instruments: catalog(instruments, cfg.Clustering),
		Harvester:   calendar.NewFeedHarvester(&http.Client{Timeout: cfg.Calendar.Timeout}, cfg.Calendar.FeedTTL),
		Locator:     walker,
		Pipeline:    pipeline,
		Assembler:   record.NewAssembler(),
		Validator:   record.SchemaValidator{},
		Writer:      writer,
		Uploader:    uploader,
	}
	return builder.New(deps, builder.Config{
		Worker:       cfg.Builder.Worker,
		Workers:      workers,
		Policy:       store.BuildPolicy{RetryErrors: cfg.Builder.RetryErrors, MaxAttempts: cfg.Builder.MaxAttempts},
		DryRun:       dryRun,
		EventHandler: bo.events,
	})
}
