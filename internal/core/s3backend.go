package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gabriel-vasile/mimetype"
	"github.com/opencontainers/go-digest"
)

// S3API is the subset of the S3 client used by S3Backend.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// deleteBatchSize is the DeleteObjects per-request limit.
const deleteBatchSize = 1000

// S3Backend stores payloads as objects under {Prefix}/{run-id}/{artifact-name}.
//
// Writes are conditional (If-None-Match: *) so that an existing object is
// never replaced; the service rejects the second writer with 412.
type S3Backend struct {
	Client S3API
	Bucket string
	Prefix string
}

// NewS3Backend creates an S3-backed artifact backend.
func NewS3Backend(client S3API, bucket, prefix string) *S3Backend {
	return &S3Backend{Client: client, Bucket: bucket, Prefix: strings.Trim(prefix, "/")}
}

func (b *S3Backend) runPrefix(runID string) string {
	if b.Prefix == "" {
		return runID + "/"
	}
	return path.Join(b.Prefix, runID) + "/"
}

func (b *S3Backend) objectKey(key ArtifactKey) string {
	return b.runPrefix(key.RunID) + key.Name
}

func (b *S3Backend) Write(ctx context.Context, key ArtifactKey, payload []byte) error {
	_, err := b.Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.Bucket),
		Key:           aws.String(b.objectKey(key)),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(mimetype.Detect(payload).String()),
		IfNoneMatch:   aws.String("*"),
		Metadata: map[string]string{
			"digest": digest.FromBytes(payload).String(),
		},
	})
	if err != nil {
		if httpStatus(err) == http.StatusPreconditionFailed {
			return artifactErr(ErrDuplicateArtifact, key, nil)
		}
		return fmt.Errorf("putting s3://%s/%s: %w", b.Bucket, b.objectKey(key), err)
	}
	return nil
}

func (b *S3Backend) Read(ctx context.Context, key ArtifactKey) ([]byte, error) {
	out, err := b.Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.Bucket),
		Key:    aws.String(b.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) || httpStatus(err) == http.StatusNotFound {
			return nil, artifactErr(ErrNotFound, key, nil)
		}
		return nil, fmt.Errorf("getting s3://%s/%s: %w", b.Bucket, b.objectKey(key), err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading s3://%s/%s: %w", b.Bucket, b.objectKey(key), err)
	}
	return data, nil
}

func (b *S3Backend) Delete(ctx context.Context, key ArtifactKey) error {
	_, err := b.Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
		Bucket: aws.String(b.Bucket),
		Delete: &types.Delete{
			Objects: []types.ObjectIdentifier{{Key: aws.String(b.objectKey(key))}},
			Quiet:   aws.Bool(true),
		},
	})
	if err != nil {
		return fmt.Errorf("deleting s3://%s/%s: %w", b.Bucket, b.objectKey(key), err)
	}
	return nil
}

func (b *S3Backend) DeleteRun(ctx context.Context, runID string) error {
	prefix := b.runPrefix(runID)
	var token *string
	for {
		page, err := b.Client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(b.Bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return fmt.Errorf("listing s3://%s/%s: %w", b.Bucket, prefix, err)
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		for start := 0; start < len(ids); start += deleteBatchSize {
			end := min(start+deleteBatchSize, len(ids))
			_, err := b.Client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(b.Bucket),
				Delete: &types.Delete{Objects: ids[start:end], Quiet: aws.Bool(true)},
			})
			if err != nil {
				return fmt.Errorf("deleting objects under s3://%s/%s: %w", b.Bucket, prefix, err)
			}
		}

		if !aws.ToBool(page.IsTruncated) || page.NextContinuationToken == nil {
			return nil
		}
		token = page.NextContinuationToken
	}
}

// httpStatus extracts the status code carried by SDK response errors.
func httpStatus(err error) int {
	var re interface{ HTTPStatusCode() int }
	if errors.As(err, &re) {
		return re.HTTPStatusCode()
	}
	return 0
}
