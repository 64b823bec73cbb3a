package upload

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

type mockS3Client struct {
	PutObjectCallBack func(ctx context.Context, params *s3.PutObjectInput, fns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

func (m *mockS3Client) PutObject(ctx context.Context, params *s3.PutObjectInput, fns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return m.PutObjectCallBack(ctx, params, fns...)
}

func writeTempFile(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	return path
}

func TestS3Uploader_Upload(t *testing.T) {
	path := writeTempFile(t, "testData")
	s3testClient := &mockS3Client{
		PutObjectCallBack: func(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
			require.Equal(t, "testBucket", *params.Bucket)
			require.Equal(t, "testKey/app-run1.db", *params.Key)
			require.Equal(t, int64(8), *params.ContentLength)
			body, err := io.ReadAll(params.Body)
			require.NoError(t, err)
			require.Equal(t, "testData", string(body))

			return &s3.PutObjectOutput{}, nil
		},
	}
	s3uploader := &S3Uploader{
		bucketName: "testBucket",
		key:        "testKey",
		client:     s3testClient,
	}
	location, err := s3uploader.Upload(context.Background(), "app-run1.db", path)
	require.NoError(t, err)
	require.Equal(t, "s3://testBucket/testKey/app-run1.db", location)
}

func TestS3Uploader_UploadToBucketRoot(t *testing.T) {
	path := writeTempFile(t, "x")
	s3uploader := &S3Uploader{
		bucketName: "testBucket",
		client: &mockS3Client{
			PutObjectCallBack: func(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
				require.Equal(t, "app.db", aws.ToString(params.Key))

				return &s3.PutObjectOutput{}, nil
			},
		},
	}
	_, err := s3uploader.Upload(context.Background(), "app.db", path)
	require.NoError(t, err)
}

func TestS3Uploader_UploadError(t *testing.T) {
	path := writeTempFile(t, "x")
	denied := errors.New("access denied")
	s3uploader := &S3Uploader{
		bucketName: "testBucket",
		client: &mockS3Client{
			PutObjectCallBack: func(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
				return nil, denied
			},
		},
	}
	_, err := s3uploader.Upload(context.Background(), "app.db", path)
	require.ErrorIs(t, err, denied)

	_, err = s3uploader.Upload(context.Background(), "app.db", filepath.Join(t.TempDir(), "missing.db"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestNewS3UploaderInvalidPath(t *testing.T) {
	_, err := NewS3Uploader("s3:///no-bucket", aws.Config{})
	require.Error(t, err)
}
