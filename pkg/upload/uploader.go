// Package upload ships finished backup files to their long-term locations.
package upload

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/block/sqlitebck/pkg/destinations"
	"golang.org/x/sync/errgroup"
)

type Uploader interface {
	// Upload stores the file at path under name and returns where it went.
	Upload(ctx context.Context, name string, path string) (string, error)
}
type ConfigLoader func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error)

func NewUploader(ctx context.Context, tp destinations.DstType, dstPath string, loader ConfigLoader) (Uploader, error) {
	switch tp {
	case destinations.LocalDir:
		return NewFileUploader(dstPath), nil
	case destinations.S3:
		cfg, err := loader(ctx)
		if err != nil {
			return nil, fmt.Errorf("unable to load AWS SDK config, %w", err)
		}
		s3up, err := NewS3Uploader(dstPath, cfg)
		if err != nil {
			return nil, err
		}

		return s3up, nil
	}

	return nil, fmt.Errorf("unsupported destination type: %s", tp)
}

// ObjectName names the uploaded copy of the backup at path for runID, for
// example "app.db" becomes "app-<runID>.db".
func ObjectName(path, runID string) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)

	return strings.TrimSuffix(base, ext) + "-" + runID + ext
}

// Target is a configured upload destination.
type Target struct {
	Name     string
	Uploader Uploader
}

// Result is the outcome of uploading to one Target.
type Result struct {
	Target   string
	Location string
	Err      error
}

// UploadAll uploads the file at path to every target, at most concurrency at
// a time. Every target is attempted; the returned error joins the failures.
func UploadAll(ctx context.Context, targets []Target, name, path string, concurrency int) ([]Result, error) {
	results := make([]Result, len(targets))
	g, gCtx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for i, target := range targets {
		g.Go(func() error {
			location, err := target.Uploader.Upload(gCtx, name, path)
			if err != nil {
				err = fmt.Errorf("error uploading to %s: %w", target.Name, err)
			}
			results[i] = Result{Target: target.Name, Location: location, Err: err}

			return nil
		})
	}
	_ = g.Wait()

	errs := make([]error, 0, len(results))
	for _, r := range results {
		errs = append(errs, r.Err)
	}

	return results, errors.Join(errs...)
}
