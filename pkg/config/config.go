// Package config loads job files for the run command.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Engines lists the engine names a job may use.
var Engines = []string{"sqlite3", "modernc"}

// Config is a job file.
type Config struct {
	AuditDB   string        `yaml:"audit_db"`
	StartedBy string        `yaml:"started_by"`
	Logging   LoggingConfig `yaml:"logging"`
	Defaults  JobDefaults   `yaml:"defaults"`
	Jobs      []Job         `yaml:"jobs"`
}

// LoggingConfig configures logging behavior.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json, text
}

// JobDefaults apply to every job that does not set the field itself.
type JobDefaults struct {
	Engine            string   `yaml:"engine"`
	BatchSize         int      `yaml:"batch_size"`
	RetryDelay        string   `yaml:"retry_delay"`
	MaxRetries        int      `yaml:"max_retries"`
	Verify            bool     `yaml:"verify"`
	Upload            []string `yaml:"upload"`
	UploadConcurrency int      `yaml:"upload_concurrency"`
}

// Job is one copy. Pointer fields distinguish "unset" from zero.
type Job struct {
	Name        string   `yaml:"name"`
	RunID       string   `yaml:"run_id"`
	Source      string   `yaml:"source"`
	Destination string   `yaml:"destination"`
	Engine      string   `yaml:"engine"`
	BatchSize   *int     `yaml:"batch_size"`
	RetryDelay  string   `yaml:"retry_delay"`
	MaxRetries  *int     `yaml:"max_retries"`
	Verify      *bool    `yaml:"verify"`
	Upload      []string `yaml:"upload"`
}

// Resolved is a Job with the defaults applied and durations parsed.
type Resolved struct {
	Name              string
	RunID             string
	Source            string
	Destination       string
	Engine            string
	BatchSize         int
	RetryDelay        time.Duration
	MaxRetries        int
	Verify            bool
	Upload            []string
	UploadConcurrency int
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Defaults: JobDefaults{
			Engine:            "sqlite3",
			BatchSize:         -1,
			RetryDelay:        "250ms",
			MaxRetries:        20,
			UploadConcurrency: 4,
		},
	}
}

// Load reads the job file at path on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks every job after applying the defaults.
func (c *Config) Validate() error {
	if len(c.Jobs) == 0 {
		return errors.New("no jobs")
	}
	if !slices.Contains([]string{"text", "json"}, c.Logging.Format) {
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}
	names := make(map[string]bool, len(c.Jobs))
	var errs []error
	for i, job := range c.Jobs {
		label := job.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		} else if names[label] {
			errs = append(errs, fmt.Errorf("job %s: duplicate name", label))
		}
		names[label] = true
		if _, err := c.Resolve(job); err != nil {
			errs = append(errs, fmt.Errorf("job %s: %w", label, err))
		}
	}

	return errors.Join(errs...)
}

// Resolve applies the defaults to job and validates the result.
func (c *Config) Resolve(job Job) (*Resolved, error) {
	r := &Resolved{
		Name:              job.Name,
		RunID:             job.RunID,
		Source:            job.Source,
		Destination:       job.Destination,
		Engine:            job.Engine,
		BatchSize:         c.Defaults.BatchSize,
		MaxRetries:        c.Defaults.MaxRetries,
		Verify:            c.Defaults.Verify,
		Upload:            job.Upload,
		UploadConcurrency: c.Defaults.UploadConcurrency,
	}
	if r.Engine == "" {
		r.Engine = c.Defaults.Engine
	}
	if job.BatchSize != nil {
		r.BatchSize = *job.BatchSize
	}
	if job.MaxRetries != nil {
		r.MaxRetries = *job.MaxRetries
	}
	if job.Verify != nil {
		r.Verify = *job.Verify
	}
	if r.Upload == nil {
		r.Upload = c.Defaults.Upload
	}
	delay := job.RetryDelay
	if delay == "" {
		delay = c.Defaults.RetryDelay
	}

	switch {
	case r.Source == "":
		return nil, errors.New("source is required")
	case r.Destination == "":
		return nil, errors.New("destination is required")
	case !slices.Contains(Engines, r.Engine):
		return nil, fmt.Errorf("unknown engine %q", r.Engine)
	case r.BatchSize < -1:
		return nil, fmt.Errorf("batch_size %d: must be at least 1, or -1 for all pages", r.BatchSize)
	case r.MaxRetries < -1:
		return nil, fmt.Errorf("max_retries %d: must be at least 0, or -1 for no limit", r.MaxRetries)
	}
	d, err := time.ParseDuration(delay)
	if err != nil {
		return nil, fmt.Errorf("retry_delay: %w", err)
	}
	if d < 0 {
		return nil, fmt.Errorf("retry_delay %s: must not be negative", d)
	}
	r.RetryDelay = d

	return r, nil
}
