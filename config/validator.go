// ABOUTME: Validation of builder configuration. Every problem is collected so an operator can fix
// ABOUTME: the whole file in one pass.
package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// ValidationError is a single invalid setting.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

// ValidationErrors is every invalid setting in a config.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d validation errors:\n", len(e))
	for i, err := range e {
		fmt.Fprintf(&sb, "  %d. %s\n", i+1, err.Error())
	}
	return sb.String()
}

// ValidStrategies lists the accepted extract.strategy values.
func ValidStrategies() []string { return []string{"exclusive", "inclusive"} }

// ValidUploadModes lists the accepted upload.mode values.
func ValidUploadModes() []string { return []string{"dir", "http"} }

// Validate returns every problem found in c.
func (c *Config) Validate() []ValidationError {
	var errs []ValidationError
	add := func(field string, value any, msg string) {
		errs = append(errs, ValidationError{Field: field, Value: value, Message: msg})
	}

	if c.InstrumentsFile == "" {
		add("instruments_file", c.InstrumentsFile, "must be set")
	}

	b := c.Builder
	if b.Interval <= 0 {
		add("builder.interval", b.Interval, "must be positive")
	}
	if b.Workers < 1 || b.Workers > 64 {
		add("builder.workers", b.Workers, "must be between 1 and 64")
	}
	if b.MaxAttempts < 1 {
		add("builder.max_attempts", b.MaxAttempts, "must be at least 1")
	}
	if b.FileTimeout < 0 {
		add("builder.file_timeout", b.FileTimeout, "must not be negative")
	}
	if c.Ledger.ClaimTTL <= 0 {
		add("ledger.claim_ttl", c.Ledger.ClaimTTL, "must be positive")
	}

	cl := c.Clustering
	if cl.Multiplier <= 0 {
		add("clustering.multiplier", cl.Multiplier, "must be positive")
	}
	if cl.MinGap < 0 {
		add("clustering.min_gap", cl.MinGap, "must not be negative")
	}
	if cl.MaxGap < 0 {
		add("clustering.max_gap", cl.MaxGap, "must not be negative")
	}
	if cl.MaxGap > 0 && cl.MaxGap <= cl.MinGap {
		add("clustering.max_gap", cl.MaxGap, "must be greater than min_gap")
	}

	if !slices.Contains(ValidStrategies(), strings.ToLower(c.Extract.Strategy)) {
		add("extract.strategy", c.Extract.Strategy, "must be one of "+strings.Join(ValidStrategies(), ", "))
	}
	if c.Extract.PreviewSize < 16 {
		add("extract.preview_size", c.Extract.PreviewSize, "must be at least 16")
	}
	if c.Calendar.FeedTTL < 0 {
		add("calendar.feed_ttl", c.Calendar.FeedTTL, "must not be negative")
	}

	u := c.Upload
	switch u.Mode {
	case "dir":
		if u.Dir == "" {
			add("upload.dir", u.Dir, "must be set for dir uploads")
		}
	case "http":
		if parsed, err := url.Parse(u.URL); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
			add("upload.url", u.URL, "must be an http(s) URL for http uploads")
		}
	default:
		add("upload.mode", u.Mode, "must be one of "+strings.Join(ValidUploadModes(), ", "))
	}
	if u.MaxAttempts < 1 {
		add("upload.max_attempts", u.MaxAttempts, "must be at least 1")
	}

	if c.Server.Addr == "" {
		add("server.addr", c.Server.Addr, "must be set")
	}
	return errs
}
