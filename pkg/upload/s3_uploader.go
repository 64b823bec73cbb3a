package upload

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type S3Uploader struct {
	bucketName string
	key        string
	client     S3Client
}

func NewS3Uploader(dstPath string, cfg aws.Config) (*S3Uploader, error) {
	// Remove the "s3://" prefix if it exists.
	dstPath = strings.TrimPrefix(dstPath, "s3://")

	bucketName, key, _ := strings.Cut(dstPath, "/")
	if bucketName == "" {
		return nil, fmt.Errorf("invalid S3 path: %s", dstPath)
	}

	return &S3Uploader{
		client:     s3.NewFromConfig(cfg),
		bucketName: bucketName,
		key:        strings.Trim(key, "/"),
	}, nil
}

func (u *S3Uploader) Upload(ctx context.Context, name string, path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return "", err
	}

	key := name
	if u.key != "" {
		key = u.key + "/" + name
	}
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucketName),
		Key:           aws.String(key),
		Body:          file,
		ContentLength: aws.Int64(info.Size()),
		ContentType:   aws.String("application/vnd.sqlite3"),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload file to S3, %w", err)
	}

	return "s3://" + u.bucketName + "/" + key, nil
}
