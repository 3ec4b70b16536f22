// ABOUTME: Builder configuration loaded through viper from config.yaml and LABRECORD_* environment
// ABOUTME: variables, with defaults for every key and derived paths under the data directory.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. LABRECORD_BUILDER_WORKERS.
const EnvPrefix = "LABRECORD"

// Config is the complete builder configuration.
type Config struct {
	DataDir         string           `mapstructure:"data_dir"`
	InstrumentsFile string           `mapstructure:"instruments_file"`
	Builder         BuilderConfig    `mapstructure:"builder"`
	Ledger          LedgerConfig     `mapstructure:"ledger"`
	Clustering      ClusteringConfig `mapstructure:"clustering"`
	Extract         ExtractConfig    `mapstructure:"extract"`
	Calendar        CalendarConfig   `mapstructure:"calendar"`
	Upload          UploadConfig     `mapstructure:"upload"`
	Server          ServerConfig     `mapstructure:"server"`

	// File is the config file that was read, empty when none was found.
	File string `mapstructure:"-"`
}

// BuilderConfig controls polling and the build policy.
type BuilderConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Workers     int           `mapstructure:"workers"`
	Worker      string        `mapstructure:"worker"`
	RetryErrors bool          `mapstructure:"retry_errors"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	FileTimeout time.Duration `mapstructure:"file_timeout"`
	DryRun      bool          `mapstructure:"dry_run"`
}

// LedgerConfig controls the session ledger.
type LedgerConfig struct {
	ClaimTTL time.Duration `mapstructure:"claim_ttl"`
}

// ClusteringConfig holds the default activity boundary parameters.
type ClusteringConfig struct {
	Multiplier float64       `mapstructure:"multiplier"`
	MinGap     time.Duration `mapstructure:"min_gap"`
	MaxGap     time.Duration `mapstructure:"max_gap"`
}

// ExtractConfig controls which files are examined and how.
type ExtractConfig struct {
	Strategy    string   `mapstructure:"strategy"`
	PreviewSize int      `mapstructure:"preview_size"`
	Previews    bool     `mapstructure:"previews"`
	Extensions  []string `mapstructure:"extensions"`
	IgnoreDirs  []string `mapstructure:"ignore_dirs"`
}

// CalendarConfig controls reservation feed fetching.
type CalendarConfig struct {
	FeedTTL time.Duration `mapstructure:"feed_ttl"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// UploadConfig selects and configures the record uploader.
type UploadConfig struct {
	// Mode is "dir" or "http".
	Mode        string        `mapstructure:"mode"`
	Dir         string        `mapstructure:"dir"`
	URL         string        `mapstructure:"url"`
	Token       string        `mapstructure:"token"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// ServerConfig controls the status web server.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		InstrumentsFile: "instruments.yaml",
		Builder: BuilderConfig{
			Interval:    10 * time.Minute,
			Workers:     1,
			MaxAttempts: 3,
			FileTimeout: 2 * time.Minute,
		},
		Ledger:     LedgerConfig{ClaimTTL: 6 * time.Hour},
		Clustering: ClusteringConfig{Multiplier: 5},
		Extract: ExtractConfig{
			Strategy:    "exclusive",
			PreviewSize: 500,
			Previews:    true,
			IgnoreDirs:  []string{},
			Extensions:  []string{},
		},
		Calendar: CalendarConfig{FeedTTL: 5 * time.Minute, Timeout: 30 * time.Second},
		Upload:   UploadConfig{Mode: "dir", MaxAttempts: 1, Timeout: time.Minute},
		Server:   ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("instruments_file", d.InstrumentsFile)

	v.SetDefault("builder.interval", d.Builder.Interval)
	v.SetDefault("builder.workers", d.Builder.Workers)
	v.SetDefault("builder.worker", d.Builder.Worker)
	v.SetDefault("builder.retry_errors", d.Builder.RetryErrors)
	v.SetDefault("builder.max_attempts", d.Builder.MaxAttempts)
	v.SetDefault("builder.file_timeout", d.Builder.FileTimeout)
	v.SetDefault("builder.dry_run", d.Builder.DryRun)

	v.SetDefault("ledger.claim_ttl", d.Ledger.ClaimTTL)

	v.SetDefault("clustering.multiplier", d.Clustering.Multiplier)
	v.SetDefault("clustering.min_gap", d.Clustering.MinGap)
	v.SetDefault("clustering.max_gap", d.Clustering.MaxGap)

	v.SetDefault("extract.strategy", d.Extract.Strategy)
	v.SetDefault("extract.preview_size", d.Extract.PreviewSize)
	v.SetDefault("extract.previews", d.Extract.Previews)
	v.SetDefault("extract.extensions", d.Extract.Extensions)
	v.SetDefault("extract.ignore_dirs", d.Extract.IgnoreDirs)

	v.SetDefault("calendar.feed_ttl", d.Calendar.FeedTTL)
	v.SetDefault("calendar.timeout", d.Calendar.Timeout)

	v.SetDefault("upload.mode", d.Upload.Mode)
	v.SetDefault("upload.dir", d.Upload.Dir)
	v.SetDefault("upload.url", d.Upload.URL)
	v.SetDefault("upload.token", d.Upload.Token)
	v.SetDefault("upload.max_attempts", d.Upload.MaxAttempts)
	v.SetDefault("upload.timeout", d.Upload.Timeout)

	v.SetDefault("server.addr", d.Server.Addr)
}

// Load reads path (or config.yaml from the user config directory, then
// SystemConfigDir, when path is empty), applies LABRECORD_* environment overrides, fills derived
// paths, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		for _, dir := range configSearchPaths() {
			v.AddConfigPath(dir)
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()

	if err := cfg.resolvePaths(); err != nil {
		return nil, err
	}
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}
	return &cfg, nil
}

// resolvePaths fills the data directory and makes relative file paths
// relative to the config file.
func (c *Config) resolvePaths() error {
	if c.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return err
		}
		c.DataDir = dir
	}
	base := "."
	if c.File != "" {
		base = filepath.Dir(c.File)
	}
	if c.InstrumentsFile != "" && !filepath.IsAbs(c.InstrumentsFile) {
		c.InstrumentsFile = filepath.Join(base, c.InstrumentsFile)
	}
	if c.Upload.Mode == "dir" && c.Upload.Dir == "" {
		c.Upload.Dir = filepath.Join(c.DataDir, "outbox")
	}
	return nil
}
