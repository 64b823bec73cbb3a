package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/block/sqlitebck/pkg/destinations"
	"github.com/stretchr/testify/require"
)

func mockConfigLoader(_ context.Context, _ ...func(*config.LoadOptions) error) (aws.Config, error) {
	return aws.Config{}, nil
}

func TestNewUploader(t *testing.T) {
	uploader, err := NewUploader(context.TODO(), destinations.S3, "s3://testBucket/testDir/testSubDir", mockConfigLoader)
	require.NoError(t, err)
	s3uploader, ok := uploader.(*S3Uploader)
	require.True(t, ok)
	require.NotNil(t, s3uploader)
	require.Equal(t, "testBucket", s3uploader.bucketName)
	require.Equal(t, "testDir/testSubDir", s3uploader.key)

	uploader, err = NewUploader(context.TODO(), destinations.LocalDir, "backups", mockConfigLoader)
	require.NoError(t, err)

	fileUploader, ok := uploader.(*FileUploader)
	require.True(t, ok)
	require.NotNil(t, fileUploader)

	_, err = NewUploader(context.TODO(), destinations.DstType(42), "x", mockConfigLoader)
	require.Error(t, err)

	failing := func(context.Context, ...func(*config.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no credentials")
	}
	_, err = NewUploader(context.TODO(), destinations.S3, "s3://b/k", failing)
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	require.Equal(t, "app-abc.db", ObjectName("/data/app.db", "abc"))
	require.Equal(t, "app-abc", ObjectName("app", "abc"))
	require.Equal(t, "a.b-abc.sqlite", ObjectName("dir/a.b.sqlite", "abc"))
}

func TestFileUploader(t *testing.T) {
	path := writeTempFile(t, "pages")
	dir := filepath.Join(t.TempDir(), "nested", "out")

	location, err := NewFileUploader(dir).Upload(context.Background(), "app-r1.db", path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "app-r1.db"), location)
	data, err := os.ReadFile(location)
	require.NoError(t, err)
	require.Equal(t, "pages", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temporary files are left behind")
}

func TestFileUploaderCancelled(t *testing.T) {
	path := writeTempFile(t, "pages")
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewFileUploader(dir).Upload(ctx, "app.db", path)
	require.ErrorIs(t, err, context.Canceled)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

type funcUploader func(ctx context.Context, name, path string) (string, error)

func (f funcUploader) Upload(ctx context.Context, name, path string) (string, error) {
	return f(ctx, name, path)
}

func TestUploadAll(t *testing.T) {
	var calls atomic.Int32
	ok := funcUploader(func(_ context.Context, name, _ string) (string, error) {
		calls.Add(1)

		return "somewhere/" + name, nil
	})
	broken := funcUploader(func(context.Context, string, string) (string, error) {
		calls.Add(1)

		return "", errors.New("boom")
	})

	results, err := UploadAll(context.Background(), []Target{
		{Name: "first", Uploader: ok},
		{Name: "broken", Uploader: broken},
		{Name: "second", Uploader: ok},
	}, "app-r1.db", "/unused", 2)
	require.ErrorContains(t, err, "error uploading to broken: boom")
	require.Equal(t, int32(3), calls.Load(), "a failure does not stop other uploads")
	require.Len(t, results, 3)
	require.Equal(t, "somewhere/app-r1.db", results[0].Location)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err)
	require.Equal(t, "second", results[2].Target)

	results, err = UploadAll(context.Background(), nil, "x", "y", 0)
	require.NoError(t, err)
	require.Empty(t, results)
}
