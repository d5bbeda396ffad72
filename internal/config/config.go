package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/patrickspencer/backfill/internal/runlog"
	"github.com/patrickspencer/backfill/internal/window"
)

// CommandsConfig names the two external stages run for every window.
type CommandsConfig struct {
	Discover   []string `yaml:"discover"`
	Parse      []string `yaml:"parse"`
	WorkingDir string   `yaml:"working_dir"`
	Timeout    string   `yaml:"timeout"`
}

// HistoryConfig controls the SQLite attempt history.
type HistoryConfig struct {
	Enabled *bool  `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// IsEnabled returns whether attempt history is recorded. Defaults to true.
func (c HistoryConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// RunLogConfig controls persistent per-attempt stdout/stderr log files.
type RunLogConfig struct {
	Enabled           *bool  `yaml:"enabled"`
	Dir               string `yaml:"dir"`
	MaxBytesPerStream int64  `yaml:"max_bytes_per_stream"`
	RetentionDays     int    `yaml:"retention_days"`
	MaxTotalMB        int64  `yaml:"max_total_mb"`
}

// IsEnabled returns whether attempt log files are written. Defaults to true.
func (c RunLogConfig) IsEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// Limits converts the configured caps for the attempt log manager.
func (c RunLogConfig) Limits() runlog.Limits {
	return runlog.Limits{
		MaxBytesPerStream: c.MaxBytesPerStream,
		Retention:         time.Duration(c.RetentionDays) * 24 * time.Hour,
		MaxTotalBytes:     c.MaxTotalMB * 1024 * 1024,
	}
}

// Config is the full invocation, parsed from backfill.yaml and overlaid with
// command-line flags.
type Config struct {
	StartDate     string         `yaml:"start_date"`
	EndDate       string         `yaml:"end_date"`
	WindowDays    int            `yaml:"window_days"`
	PDFDir        string         `yaml:"pdf_dir"`
	Index         string         `yaml:"index"`
	DownloadDelay string         `yaml:"download_delay"`
	Retries       *int           `yaml:"retries"`
	RetryDelay    string         `yaml:"retry_delay"`
	State         string         `yaml:"state"`
	Force         bool           `yaml:"force"`
	StopOnError   bool           `yaml:"stop_on_error"`
	LogLevel      string         `yaml:"log_level"`
	DedupKeys     []string       `yaml:"dedup_keys"`
	Commands      CommandsConfig `yaml:"commands"`
	History       HistoryConfig  `yaml:"history"`
	RunLogs       RunLogConfig   `yaml:"run_logs"`
}

// Today returns the current UTC date; tests replace it.
var Today = func() time.Time { return time.Now().UTC() }

const (
	defaultStartDate     = "2013-01-01"
	defaultRetries       = 2
	defaultRetryDelay    = "5s"
	defaultDownloadDelay = "1"
)

func applyDefaults(c *Config) {
	if c.StartDate == "" {
		c.StartDate = defaultStartDate
	}
	if c.EndDate == "" {
		c.EndDate = Today().Format(window.DateLayout)
	}
	if c.PDFDir == "" {
		c.PDFDir = "data/pdfs"
	}
	c.PDFDir = expandPath(c.PDFDir)
	if c.Index == "" {
		c.Index = "data/index.jsonl"
	}
	c.Index = expandPath(c.Index)
	if c.DownloadDelay == "" {
		c.DownloadDelay = defaultDownloadDelay
	}
	if c.Retries == nil {
		n := defaultRetries
		c.Retries = &n
	}
	if c.RetryDelay == "" {
		c.RetryDelay = defaultRetryDelay
	}
	if c.State == "" {
		c.State = "data/run_state.json"
	}
	c.State = expandPath(c.State)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if len(c.DedupKeys) == 0 {
		c.DedupKeys = []string{"url", "pdf_url", "reference"}
	}
	if c.Commands.WorkingDir != "" {
		c.Commands.WorkingDir = expandPath(c.Commands.WorkingDir)
	}
	if c.History.Path == "" {
		c.History.Path = filepath.Join(filepath.Dir(c.State), "history.db")
	} else {
		c.History.Path = expandPath(c.History.Path)
	}
	if c.History.Enabled == nil {
		t := true
		c.History.Enabled = &t
	}
	if c.RunLogs.Dir == "" {
		c.RunLogs.Dir = filepath.Join(filepath.Dir(c.State), "logs")
	} else {
		c.RunLogs.Dir = expandPath(c.RunLogs.Dir)
	}
	if c.RunLogs.MaxBytesPerStream <= 0 {
		c.RunLogs.MaxBytesPerStream = 256 * 1024 // 256KB
	}
	if c.RunLogs.RetentionDays <= 0 {
		c.RunLogs.RetentionDays = 30
	}
	if c.RunLogs.MaxTotalMB <= 0 {
		c.RunLogs.MaxTotalMB = 256
	}
	if c.RunLogs.Enabled == nil {
		t := true
		c.RunLogs.Enabled = &t
	}
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}

	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// LoadConfig reads a YAML configuration file from path and returns a Config
// with defaults applied for any unset fields. When optional is true a
// missing file yields the defaults instead of an error.
func LoadConfig(path string, optional bool) (*Config, error) {
	return LoadConfigWith(path, optional, nil)
}

// LoadConfigWith is LoadConfig with override applied to the parsed file
// before defaults, so derived paths such as the history database follow an
// overridden state path.
func LoadConfigWith(path string, optional bool, override func(*Config)) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	switch {
	case optional && errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}

	if override != nil {
		override(&cfg)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// RetryCount returns the configured retry budget.
func (c *Config) RetryCount() int {
	if c.Retries == nil {
		return defaultRetries
	}
	return *c.Retries
}

// ParseRetryDelay parses RetryDelay. A bare number is taken as seconds.
func (c *Config) ParseRetryDelay() (time.Duration, error) {
	return parseDuration(c.RetryDelay)
}

// ParseTimeout parses the per-command timeout. Returns 0 if unset.
func (c *Config) ParseTimeout() (time.Duration, error) {
	if c.Commands.Timeout == "" {
		return 0, nil
	}
	return parseDuration(c.Commands.Timeout)
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// ValidateRange checks the date range and windowing parameters only.
func (c *Config) ValidateRange() error {
	start, err := window.ParseDate(c.StartDate)
	if err != nil {
		return fmt.Errorf("start-date: %w", err)
	}
	end, err := window.ParseDate(c.EndDate)
	if err != nil {
		return fmt.Errorf("end-date: %w", err)
	}
	if start.After(end) {
		return fmt.Errorf("start-date %s is after end-date %s", c.StartDate, c.EndDate)
	}
	if c.WindowDays < 0 {
		return errors.New("window-days must be a positive integer")
	}
	return nil
}

// Validate checks everything needed to run a batch.
func (c *Config) Validate() error {
	if err := c.ValidateRange(); err != nil {
		return err
	}
	if c.RetryCount() < 0 {
		return errors.New("retries must not be negative")
	}
	d, err := c.ParseRetryDelay()
	if err != nil {
		return fmt.Errorf("invalid retry-delay: %w", err)
	}
	if d < 0 {
		return errors.New("retry-delay must not be negative")
	}
	if _, err := c.ParseTimeout(); err != nil {
		return fmt.Errorf("invalid commands.timeout: %w", err)
	}
	if len(c.Commands.Discover) == 0 {
		return errors.New("discover command is required")
	}
	if len(c.Commands.Parse) == 0 {
		return errors.New("parse command is required")
	}
	if strings.TrimSpace(c.State) == "" {
		return errors.New("state path is required")
	}
	if strings.TrimSpace(c.Index) == "" {
		return errors.New("index path is required")
	}
	return nil
}
