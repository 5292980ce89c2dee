package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileBackend_WriteRead_LaysOutBlobsPerRun(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b := NewFileBackend(root)

	require.NoError(t, b.Write(ctx, Key("run-1", "a"), []byte("payload")))

	data, err := os.ReadFile(filepath.Join(root, "run-1", "a.blob"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	got, err := b.Read(ctx, Key("run-1", "a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)

	entries, err := os.ReadDir(filepath.Join(root, "run-1"))
	require.NoError(t, err)
	require.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileBackend_Write_NeverOverwrites(t *testing.T) {
	ctx := context.Background()
	b := NewFileBackend(t.TempDir())

	require.NoError(t, b.Write(ctx, Key("run-1", "a"), []byte("first")))
	err := b.Write(ctx, Key("run-1", "a"), []byte("second"))
	assert.True(t, errors.Is(err, ErrDuplicateArtifact))

	got, err := b.Read(ctx, Key("run-1", "a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), got)
}

func TestFileBackend_ReadMissingAndDeleteRun(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	b := NewFileBackend(root)

	_, err := b.Read(ctx, Key("run-1", "a"))
	assert.True(t, errors.Is(err, ErrNotFound))

	require.NoError(t, b.Write(ctx, Key("run-1", "a"), []byte("x")))
	require.NoError(t, b.DeleteRun(ctx, "run-1"))
	_, err = os.Stat(filepath.Join(root, "run-1"))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, b.DeleteRun(ctx, "../outside"))
}

func TestBackends_DeleteSingleBlob(t *testing.T) {
	ctx := context.Background()
	backends := map[string]Backend{
		"memory": NewMemoryBackend(),
		"file":   NewFileBackend(t.TempDir()),
		"s3":     NewS3Backend(newFakeS3(), "artifacts", "p"),
	}
	for name, b := range backends {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(ctx, Key("run-1", "a"), []byte("a")))
			require.NoError(t, b.Write(ctx, Key("run-1", "b"), []byte("b")))

			require.NoError(t, b.Delete(ctx, Key("run-1", "a")))
			require.NoError(t, b.Delete(ctx, Key("run-1", "a")), "deleting an absent blob is a no-op")

			_, err := b.Read(ctx, Key("run-1", "a"))
			assert.True(t, errors.Is(err, ErrNotFound))
			got, err := b.Read(ctx, Key("run-1", "b"))
			require.NoError(t, err)
			assert.Equal(t, []byte("b"), got)
			require.NoError(t, b.Write(ctx, Key("run-1", "a"), []byte("again")))
		})
	}
}

func TestMemoryBackend_CopiesPayloads(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBackend()
	buf := []byte("abc")
	require.NoError(t, b.Write(ctx, Key("r", "a"), buf))
	buf[0] = 'X'

	got, err := b.Read(ctx, Key("r", "a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	got[1] = 'Y'

	again, err := b.Read(ctx, Key("r", "a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}

type statusError struct{ code int }

func (e *statusError) Error() string       { return "http status" }
func (e *statusError) HTTPStatusCode() int { return e.code }

// fakeS3 is an in-memory S3API honouring If-None-Match: *.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	meta    map[string]map[string]string
	pageLen int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		meta:    make(map[string]map[string]string),
	}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	if _, exists := f.objects[key]; exists && aws.ToString(in.IfNoneMatch) == "*" {
		return nil, &statusError{code: 412}
	}
	f.objects[key] = data
	f.types[key] = aws.ToString(in.ContentType)
	f.meta[key] = in.Metadata
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucket := aws.ToString(in.Bucket) + "/"
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, bucket+aws.ToString(in.Prefix)) {
			keys = append(keys, strings.TrimPrefix(k, bucket))
		}
	}
	sort.Strings(keys)
	start := 0
	if in.ContinuationToken != nil {
		for i, k := range keys {
			if k == *in.ContinuationToken {
				start = i
			}
		}
	}
	end := len(keys)
	if f.pageLen > 0 && start+f.pageLen < end {
		end = start + f.pageLen
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *fakeS3) DeleteObjects(_ context.Context, in *s3.DeleteObjectsInput, _ ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range in.Delete.Objects {
		delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(id.Key))
	}
	return &s3.DeleteObjectsOutput{}, nil
}

func TestS3Backend_WriteRead_UsesPrefixedKeysAndMetadata(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	b := NewS3Backend(fake, "artifacts", "/pipelines/")

	require.NoError(t, b.Write(ctx, Key("run-1", "template.json"), []byte(`{"Resources":{}}`)))

	obj := "artifacts/pipelines/run-1/template.json"
	require.Contains(t, fake.objects, obj)
	assert.Equal(t, "application/json", fake.types[obj])
	assert.True(t, strings.HasPrefix(fake.meta[obj]["digest"], "sha256:"))

	got, err := b.Read(ctx, Key("run-1", "template.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"Resources":{}}`, string(got))
}

func TestS3Backend_ConditionalWriteMapsToDuplicate(t *testing.T) {
	ctx := context.Background()
	b := NewS3Backend(newFakeS3(), "artifacts", "")

	require.NoError(t, b.Write(ctx, Key("run-1", "a"), []byte("1")))
	err := b.Write(ctx, Key("run-1", "a"), []byte("2"))
	assert.True(t, errors.Is(err, ErrDuplicateArtifact))

	_, err = b.Read(ctx, Key("run-1", "missing"))
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestS3Backend_DeleteRun_FollowsPagination(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.pageLen = 2
	b := NewS3Backend(fake, "artifacts", "p")

	for _, n := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, b.Write(ctx, Key("run-1", n), []byte(n)))
	}
	require.NoError(t, b.Write(ctx, Key("run-2", "a"), []byte("keep")))

	require.NoError(t, b.DeleteRun(ctx, "run-1"))
	assert.Len(t, fake.objects, 1)
	assert.Contains(t, fake.objects, "artifacts/p/run-2/a")
}

func TestStore_OverS3Backend(t *testing.T) {
	ctx := context.Background()
	s := NewStore(NewS3Backend(newFakeS3(), "artifacts", ""))

	_, err := s.Put(ctx, Key("run-1", "a"), "S/A", []byte("x"))
	require.NoError(t, err)
	got, err := s.Get(ctx, Key("run-1", "a"))
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), got.Payload)
}
