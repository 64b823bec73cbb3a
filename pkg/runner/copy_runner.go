package runner

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/block/sqlitebck/pkg/audit"
	"github.com/block/sqlitebck/pkg/backup"
	"github.com/block/sqlitebck/pkg/dbfile"
	"github.com/block/sqlitebck/pkg/destinations"
	"github.com/block/sqlitebck/pkg/errclass"
	"github.com/block/sqlitebck/pkg/handle"
	"github.com/block/sqlitebck/pkg/random"
	"github.com/block/sqlitebck/pkg/sqlite"
	"github.com/block/sqlitebck/pkg/upload"
	"github.com/siddontang/loggers"
)

var (
	defaultEngine            = sqlite.Engine
	defaultUploadConcurrency = 4
)

type CopyRunner struct {
	journal  *audit.Journal
	src      conn
	dst      conn
	progress atomic.Pointer[backup.Progress]

	// Attached logger
	logger loggers.Advanced

	runID             string
	tryNum            int
	startedBy         string
	auditDB           string
	engine            string
	source            string
	destination       string
	destinationPath   string
	batchSize         int
	retryDelay        time.Duration
	maxRetries        int
	verify            bool
	uploads           []string
	uploadConcurrency int
	configLoader      upload.ConfigLoader
	startTime         time.Time
}

type CopyRunnerConfig struct {
	RunID       string
	StartedBy   string
	AuditDB     string
	Engine      string
	Source      string
	Destination string
	BatchSize   int
	RetryDelay  time.Duration
	// MaxRetries bounds consecutive retries of a lock-contended step. Zero
	// fails the copy on the first lock, backup.Unbounded retries forever.
	MaxRetries        int
	Verify            bool
	Uploads           []string
	UploadConcurrency int
}

func NewCopyRunner(c *CopyRunnerConfig, logger loggers.Advanced) (*CopyRunner, error) {
	if c.Source == "" || c.Destination == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("source and destination are required")
	}
	if c.Engine == "" {
		logger.Warnf("engine not set, using default value of %s", defaultEngine)
		c.Engine = defaultEngine
	}
	if !handle.Registered(c.Engine) {
		return nil, errclass.ErrInvalidArgument.WithMessagef("unknown engine %q, known engines are %v", c.Engine, handle.Engines())
	}
	if c.RetryDelay < 0 {
		return nil, errclass.ErrInvalidArgument.WithMessagef("retry-delay %s: must not be negative", c.RetryDelay)
	}
	if c.MaxRetries < backup.Unbounded {
		return nil, errclass.ErrInvalidArgument.WithMessagef("max-retries %d: must be %d or more", c.MaxRetries, backup.Unbounded)
	}
	if c.BatchSize == 0 {
		logger.Warnf("batch-size not set, copying all pages in a single step")
		c.BatchSize = backup.AllPages
	}
	if c.UploadConcurrency <= 0 {
		c.UploadConcurrency = defaultUploadConcurrency
	}
	if len(c.Uploads) > 0 && dbfile.PathFromDSN(c.Destination) == "" {
		return nil, errclass.ErrInvalidArgument.WithMessage("an in-memory destination cannot be uploaded")
	}

	return &CopyRunner{
		runID:             c.RunID,
		startedBy:         c.StartedBy,
		auditDB:           c.AuditDB,
		engine:            c.Engine,
		source:            c.Source,
		destination:       c.Destination,
		batchSize:         c.BatchSize,
		retryDelay:        c.RetryDelay,
		maxRetries:        c.MaxRetries,
		verify:            c.Verify,
		uploads:           c.Uploads,
		uploadConcurrency: c.UploadConcurrency,
		configLoader:      config.LoadDefaultConfig,
		logger:            logger,
	}, nil
}

// Prepare generates a new runID for the copy if not present already.
func (cr *CopyRunner) Prepare() string {
	if cr.runID == "" {
		cr.runID = random.ID()
	}

	return cr.runID
}

func (cr *CopyRunner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	cr.Prepare()

	// Return early if the copy has already been successful
	successful, err := cr.setupJournalAndCheckIfRunSucceeded(ctx)
	if err != nil {
		return fmt.Errorf("error setting up audit db: %w", err)
	}
	if successful {
		cr.logger.Infof("Copy with run-id:%s already successful, skipping", cr.runID)

		return nil
	}
	if err = cr.setRun(ctx); err != nil {
		return err
	}

	cr.startTime = time.Now()
	cr.logger.Infof("Starting copy: run-id=%s try=%d engine=%s batch-size=%d retry-delay=%s max-retries=%d source=%s destination=%s",
		cr.runID, cr.tryNum, cr.engine, cr.batchSize, cr.retryDelay, cr.maxRetries, cr.source, cr.destination,
	)

	go cr.writeStatus(ctx)

	if err = cr.setStatus(ctx, Running); err != nil {
		return err
	}

	// This is where the real work happens: the backup session copies the
	// source into the destination, which is then verified and uploaded.
	res, runErr := cr.copy(ctx)
	if runErr == nil {
		runErr = cr.upload(ctx)
	}

	if err = cr.finishRun(ctx, res, runErr); err != nil {
		return errors.Join(runErr, err)
	}

	if runErr == nil {
		cr.logger.Infof("Copy with run-id: %s completed successfully: pages=%d steps=%d retries=%d total-time=%s",
			cr.runID, res.PageCount, res.Steps, res.Retries, time.Since(cr.startTime).Round(time.Millisecond))
	} else {
		cr.logger.Errorf("Copy with run-id: %s failed: %v", cr.runID, runErr)
	}

	return runErr
}

func (cr *CopyRunner) Close() error {
	var errs []error
	if cr.src != nil {
		if err := cr.src.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing the source: %w", err))
		}
		cr.src = nil
	}
	if cr.dst != nil {
		if err := cr.dst.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing the destination: %w", err))
		}
		cr.dst = nil
	}
	if cr.journal != nil {
		if err := cr.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing the audit db: %w", err))
		}
		cr.journal = nil
	}

	return errors.Join(errs...)
}

// copy runs the backup session and, if asked to, checks the integrity of the
// result. The destination is closed on success so that its file is complete
// on disk before it is verified and uploaded.
func (cr *CopyRunner) copy(ctx context.Context) (*backup.Result, error) {
	var err error
	if cr.src, err = openConn(ctx, cr.engine, cr.source); err != nil {
		return nil, fmt.Errorf("error opening source: %w", err)
	}
	if cr.dst, err = openConn(ctx, cr.engine, cr.destination); err != nil {
		return nil, fmt.Errorf("error opening destination: %w", err)
	}
	cr.destinationPath = cr.dst.Path()

	copier, err := backup.NewCopier(&backup.Config{
		BatchSize: cr.batchSize,
		Retry:     backup.ConstantBackoff(cr.retryDelay, cr.maxRetries),
		Logger:    cr.logger,
		OnProgress: func(p backup.Progress) {
			cr.progress.Store(&p)
		},
	})
	if err != nil {
		return nil, err
	}
	res, err := copier.Copy(ctx, cr.src, cr.dst)
	if err != nil {
		return res, err
	}

	if res.PageCount < 0 {
		// The engine does not report page counts, the destination does.
		if res.PageCount, err = dbfile.PageCount(ctx, cr.dst.SQL()); err != nil {
			return res, err
		}
	}
	// An in-memory destination is gone once closed.
	if cr.verify && cr.destinationPath == "" {
		if err = dbfile.IntegrityCheck(ctx, cr.dst.SQL()); err != nil {
			return res, err
		}
		cr.logger.Infof("integrity check of %s passed", cr.destination)
	}

	err = cr.dst.Close()
	cr.dst = nil
	if err != nil {
		return res, fmt.Errorf("error closing destination: %w", err)
	}

	if cr.verify && cr.destinationPath != "" {
		if err = dbfile.VerifyFile(ctx, driverName(cr.engine), cr.destinationPath); err != nil {
			return res, err
		}
		cr.logger.Infof("integrity check of %s passed", cr.destinationPath)
	}

	return res, nil
}

// upload ships the destination file to every configured target and journals
// each attempt.
func (cr *CopyRunner) upload(ctx context.Context) error {
	if len(cr.uploads) == 0 {
		return nil
	}
	path := cr.destinationPath
	targets := make([]upload.Target, 0, len(cr.uploads))
	for _, t := range cr.uploads {
		tp, location := destinations.Parse(t)
		u, err := upload.NewUploader(ctx, tp, location, cr.configLoader)
		if err != nil {
			return fmt.Errorf("error setting up upload to %s: %w", t, err)
		}
		targets = append(targets, upload.Target{Name: t, Uploader: u})
	}

	results, uploadErr := upload.UploadAll(ctx, targets, upload.ObjectName(path, cr.runID), path, cr.uploadConcurrency)
	for _, r := range results {
		entry := &audit.Upload{RunID: cr.runID, TryNum: cr.tryNum, Target: r.Target, Location: r.Location}
		if r.Err != nil {
			entry.Error = r.Err.Error()
			cr.logger.Errorf("upload of run-id=%s to %s failed: %v", cr.runID, r.Target, r.Err)
		} else {
			cr.logger.Infof("uploaded run-id=%s to %s", cr.runID, r.Location)
		}
		if cr.journal == nil {
			continue
		}
		if err := cr.journal.RecordUpload(ctx, entry); err != nil {
			cr.logger.Errorf("error journaling upload: %v", err)
		}
	}

	return uploadErr
}

func (cr *CopyRunner) setupJournalAndCheckIfRunSucceeded(ctx context.Context) (bool, error) {
	if cr.auditDB == "" {
		cr.logger.Warnf("audit-db not set, run-id=%s will not be journaled", cr.runID)

		return false, nil
	}
	var err error
	if cr.journal, err = audit.Open(ctx, cr.auditDB); err != nil {
		return false, err
	}
	status, err := cr.journal.RunStatus(ctx, cr.runID)
	if err != nil {
		return false, fmt.Errorf("failed to check if successfully ran: %w", err)
	}

	return status == Succeeded.String(), nil
}

// setRun creates the journal entry of a new run, or resumes a previous try of
// the same run id.
func (cr *CopyRunner) setRun(ctx context.Context) error {
	cr.tryNum = 1
	if cr.journal == nil {
		return nil
	}
	prev, err := cr.journal.GetRun(ctx, cr.runID)
	if err != nil {
		return err
	}
	if prev == nil {
		return cr.journal.CreateRun(ctx, &audit.Run{
			ID:          cr.runID,
			Engine:      cr.engine,
			Source:      cr.source,
			Destination: cr.destination,
			BatchSize:   cr.batchSize,
			StartedBy:   cr.startedBy,
		})
	}

	switch prev.Status {
	// It could be in running state if the previous try died before marking
	// the run as failed, for example when the process was killed.
	case Failed.String(), Running.String(), Started.String():
		if prev.Source != cr.source || prev.Destination != cr.destination || prev.Engine != cr.engine {
			return fmt.Errorf("run-id: %s was started as %s copy of %s to %s, can't resume it with different parameters",
				cr.runID, prev.Engine, prev.Source, prev.Destination)
		}
		if cr.tryNum, err = cr.journal.RestartRun(ctx, cr.runID); err != nil {
			return err
		}
		cr.logger.Warnf("Resuming the %s copy with run-id: %s with try_num: %d", prev.Status, cr.runID, cr.tryNum)
	case Errored.String():
		return fmt.Errorf("copy with given run-id: %s already errored (%s), can't resume. Kick off a new copy job with new runid", cr.runID, prev.Error)
	default:
		return fmt.Errorf("unknown status: %s", prev.Status)
	}

	return nil
}

func (cr *CopyRunner) setStatus(ctx context.Context, s Status) error {
	if cr.journal == nil {
		return nil
	}

	return cr.journal.SetStatus(ctx, cr.runID, s.String())
}

func (cr *CopyRunner) finishRun(ctx context.Context, res *backup.Result, runErr error) error {
	if cr.journal == nil {
		return nil
	}
	run := &audit.Run{ID: cr.runID, Status: statusFor(runErr).String()}
	if res != nil {
		run.Pages = res.PageCount
		run.Steps = res.Steps
		run.Retries = res.Retries
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}

	return cr.journal.FinishRun(ctx, run)
}

func (cr *CopyRunner) writeStatus(ctx context.Context) {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p := cr.progress.Load()
			// Nothing moves once the session has ended.
			if p == nil || p.State.Terminal() {
				continue
			}
			cr.logger.Infof("copy status: state=%s remaining=%d pages=%d steps=%d retries=%d total-time=%s",
				p.State, p.Remaining, p.PageCount, p.Steps, p.Retries,
				time.Since(cr.startTime).Round(time.Second),
			)
		}
	}
}
