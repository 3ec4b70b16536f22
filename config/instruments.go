// ABOUTME: Instrument registry loaded from instruments.yaml: storage roots, calendar feeds, time zones,
// ABOUTME: per-instrument clustering overrides, and metadata keys known to be unreliable.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/2389-research/labrecord/activity"
	"github.com/2389-research/labrecord/calendar"
	"github.com/2389-research/labrecord/record"
	"gopkg.in/yaml.v3"
)

// Instrument is one entry of the instrument registry.
type Instrument struct {
	ID             string              `yaml:"id"`
	Name           string              `yaml:"name"`
	Location       string              `yaml:"location"`
	StorageRoot    string              `yaml:"storage_root"`
	CalendarURL    string              `yaml:"calendar_url"`
	Timezone       string              `yaml:"timezone"`
	UnreliableKeys []string            `yaml:"unreliable_keys"`
	Clustering     *ClusteringOverride `yaml:"clustering"`

	loc *time.Location
}

// ClusteringOverride replaces the global clustering parameters that are set.
type ClusteringOverride struct {
	Multiplier float64       `yaml:"multiplier"`
	MinGap     time.Duration `yaml:"min_gap"`
	MaxGap     time.Duration `yaml:"max_gap"`
}

// TimeLocation returns the instrument's time zone, UTC when unset.
func (i Instrument) TimeLocation() *time.Location {
	if i.loc != nil {
		return i.loc
	}
	return time.UTC
}

// ClusterOptions merges the instrument override onto defaults.
func (i Instrument) ClusterOptions(defaults ClusteringConfig) activity.Options {
	opts := activity.Options{Multiplier: defaults.Multiplier, MinGap: defaults.MinGap, MaxGap: defaults.MaxGap}
	if o := i.Clustering; o != nil {
		if o.Multiplier > 0 {
			opts.Multiplier = o.Multiplier
		}
		if o.MinGap > 0 {
			opts.MinGap = o.MinGap
		}
		if o.MaxGap > 0 {
			opts.MaxGap = o.MaxGap
		}
	}
	return opts
}

// Calendar returns the reservation source for the instrument.
func (i Instrument) Calendar() calendar.Calendar {
	return calendar.Calendar{InstrumentID: i.ID, URL: i.CalendarURL, Location: i.TimeLocation()}
}

// RecordInstrument returns the instrument description carried in records.
func (i Instrument) RecordInstrument() record.Instrument {
	return record.Instrument{ID: i.ID, Name: i.Name, Location: i.Location, StorageRoot: i.StorageRoot}
}

// Registry is the set of configured instruments.
type Registry struct {
	byID map[string]Instrument
}

type registryFile struct {
	Instruments []Instrument `yaml:"instruments"`
}

// LoadInstruments reads and validates an instruments file.
func LoadInstruments(path string) (*Registry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open instruments: %w", err)
	}
	defer func() { _ = f.Close() }()
	reg, err := ParseInstruments(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return reg, nil
}

// ParseInstruments decodes an instruments document. Unknown keys are errors
// so typos do not silently disable a setting.
func ParseInstruments(r io.Reader) (*Registry, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc registryFile
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decode instruments: %w", err)
	}

	var errs []ValidationError
	add := func(i int, field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: fmt.Sprintf("instruments[%d].%s", i, field), Value: value, Message: msg})
	}

	reg := &Registry{byID: make(map[string]Instrument, len(doc.Instruments))}
	for i, inst := range doc.Instruments {
		if inst.ID == "" {
			add(i, "id", inst.ID, "must be set")
			continue
		}
		if _, dup := reg.byID[inst.ID]; dup {
			add(i, "id", inst.ID, "duplicate instrument id")
			continue
		}
		if inst.StorageRoot == "" || !filepath.IsAbs(inst.StorageRoot) {
			add(i, "storage_root", inst.StorageRoot, "must be an absolute path")
		}
		if inst.Timezone != "" {
			loc, err := time.LoadLocation(inst.Timezone)
			if err != nil {
				add(i, "timezone", inst.Timezone, "unknown time zone")
			}
			inst.loc = loc
		}
		if o := inst.Clustering; o != nil {
			if o.Multiplier < 0 {
				add(i, "clustering.multiplier", o.Multiplier, "must not be negative")
			}
			if o.MinGap < 0 || o.MaxGap < 0 {
				add(i, "clustering", *o, "gaps must not be negative")
			}
		}
		reg.byID[inst.ID] = inst
	}
	if len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return reg, nil
}

// Get returns the instrument with id.
func (r *Registry) Get(id string) (Instrument, bool) {
	inst, ok := r.byID[id]
	return inst, ok
}

// All returns every instrument ordered by ID.
func (r *Registry) All() []Instrument {
	out := make([]Instrument, 0, len(r.byID))
	for _, inst := range r.byID {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of instruments.
func (r *Registry) Len() int { return len(r.byID) }
