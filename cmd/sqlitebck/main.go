package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/block/sqlitebck/pkg/config"
	"github.com/block/sqlitebck/pkg/runner"
	"github.com/sirupsen/logrus"
)

var cli struct {
	Copy CopyCmd `cmd:"copy" help:"Copy a live SQLite database into another one"`
	Run  RunCmd  `cmd:"run"  help:"Run every copy job in a job file"`
}

// CopyCmd holds the arguments required for a single copy.
type CopyCmd struct {
	RunID       string        `name:"run-id" help:"RunID for the copy job" optional:""`
	AuditDB     string        `name:"audit-db" help:"SQLite file to store auditing information in; runs are not journaled if empty" optional:""`
	StartedBy   string        `name:"started-by" help:"Name of the system/user who started the copy job."`
	Source      string        `name:"source" help:"Path or DSN of the database to copy" required:""`
	Destination string        `name:"destination" help:"Path or DSN of the database to overwrite" required:""`
	Engine      string        `name:"engine" help:"SQLite binding to copy with" enum:"sqlite3,modernc" default:"sqlite3"`
	BatchSize   int           `name:"batch-size" help:"Pages copied per step, -1 copies everything in one step" optional:"" default:"-1"`
	RetryDelay  time.Duration `name:"retry-delay" help:"Time to wait before retrying a step that hit a lock" optional:"" default:"250ms"`
	MaxRetries  int           `name:"max-retries" help:"Consecutive retries of a locked step before giving up, -1 retries forever" optional:"" default:"20"`
	Verify      bool          `name:"verify" help:"Run an integrity check on the destination after the copy"`
	Upload      []string      `name:"upload" help:"Directory or s3://bucket/prefix to upload the destination file to once copied" optional:""`
	LogConfig
}

// LogConfig .
type LogConfig struct {
	LogLevel  string `name:"log-level" help:"Log level" optional:"" default:"info"`
	LogFormat string `name:"log-format" help:"Log format" enum:"text,json" default:"text"`
}

// RunCmd holds the arguments required for running a job file.
type RunCmd struct {
	Config string `name:"config" help:"Path to the YAML job file" type:"existingfile" required:""`
}

func newLogger(level, format string) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetOutput(os.Stdout)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger.SetLevel(lvl)
	if format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	return logger, nil
}

// Run invokes the copy. Blocks until completion.
func (c *CopyCmd) Run() error {
	logger, err := newLogger(c.LogLevel, c.LogFormat)
	if err != nil {
		return err
	}
	copyRunner, err := runner.NewCopyRunner(&runner.CopyRunnerConfig{
		RunID:       c.RunID,
		StartedBy:   c.StartedBy,
		AuditDB:     c.AuditDB,
		Engine:      c.Engine,
		Source:      c.Source,
		Destination: c.Destination,
		BatchSize:   c.BatchSize,
		RetryDelay:  c.RetryDelay,
		MaxRetries:  c.MaxRetries,
		Verify:      c.Verify,
		Uploads:     c.Upload,
	}, logger)
	if err != nil {
		return fmt.Errorf("error creating copy runner: %w", err)
	}
	defer copyRunner.Close()

	return copyRunner.Run(context.Background())
}

// Run invokes every job of the file in order. A failed job does not stop the
// ones after it.
func (r *RunCmd) Run() error {
	cfg, err := config.Load(r.Config)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}

	var errs []error
	for _, job := range cfg.Jobs {
		if err := runJob(context.Background(), cfg, job, logger); err != nil {
			logger.Errorf("job %s failed: %v", job.Name, err)
			errs = append(errs, fmt.Errorf("job %s: %w", job.Name, err))
		}
	}

	return errors.Join(errs...)
}

func runJob(ctx context.Context, cfg *config.Config, job config.Job, logger *logrus.Logger) error {
	j, err := cfg.Resolve(job)
	if err != nil {
		return err
	}
	copyRunner, err := runner.NewCopyRunner(&runner.CopyRunnerConfig{
		RunID:             j.RunID,
		StartedBy:         cfg.StartedBy,
		AuditDB:           cfg.AuditDB,
		Engine:            j.Engine,
		Source:            j.Source,
		Destination:       j.Destination,
		BatchSize:         j.BatchSize,
		RetryDelay:        j.RetryDelay,
		MaxRetries:        j.MaxRetries,
		Verify:            j.Verify,
		Uploads:           j.Upload,
		UploadConcurrency: j.UploadConcurrency,
	}, logger.WithField("job", j.Name))
	if err != nil {
		return fmt.Errorf("error creating copy runner: %w", err)
	}
	defer copyRunner.Close()

	return copyRunner.Run(ctx)
}

func main() {
	parsedCmd := kong.Parse(&cli)
	parsedCmd.FatalIfErrorf(parsedCmd.Run())
}
