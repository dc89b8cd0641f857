// Package testutil holds in-memory test doubles shared across internal
// package tests. FakeS3 is grounded on the teacher's integration/mock
// S3Client: an in-memory bucket keyed by object key, generalized from the
// teacher's read-only DynamoDB-export fixture double to a full read/write
// double covering everything the uploader, manifest loader, and restore
// engine drive (PutObject, the multipart lifecycle, HeadObject with a
// settable x-amz-restore state, and RestoreObject).
package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ValXp/btrfs-to-s3/internal/awsiface"
)

var _ awsiface.S3Client = (*FakeS3)(nil)

// FakeS3 is an in-memory awsiface.S3Client double. Safe for concurrent use.
type FakeS3 struct {
	mu sync.Mutex

	objects      map[string][]byte
	storageClass map[string]types.StorageClass
	restoreState map[string]string // key -> x-amz-restore header value
	restoreCalls []string
	parts        map[string]map[int32][]byte
	nextUploadID int
}

// NewFakeS3 returns an empty FakeS3.
func NewFakeS3() *FakeS3 {
	return &FakeS3{
		objects:      map[string][]byte{},
		storageClass: map[string]types.StorageClass{},
		restoreState: map[string]string{},
		parts:        map[string]map[int32][]byte{},
	}
}

// Put seeds an object directly, bypassing PutObject, for test setup.
func (f *FakeS3) Put(key string, data []byte, sc types.StorageClass) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
	f.storageClass[key] = sc
}

// Object returns a seeded/uploaded object's bytes, for assertions.
func (f *FakeS3) Object(key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	return data, ok
}

// Len reports how many objects the bucket currently holds.
func (f *FakeS3) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

// SetRestoreState marks key as having the given x-amz-restore header value,
// simulating an in-progress or completed archive-tier restore.
func (f *FakeS3) SetRestoreState(key, value string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restoreState[key] = value
}

// RestoreCalls returns the keys RestoreObject has been called with, in order.
func (f *FakeS3) RestoreCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.restoreCalls))
	copy(out, f.restoreCalls)
	return out
}

func (f *FakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key: " + aws.ToString(in.Key))}
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(cp))}, nil
}

func (f *FakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.objects[key] = data
	f.storageClass[key] = in.StorageClass
	return &s3.PutObjectOutput{ETag: aws.String("\"etag-" + key + "\"")}, nil
}

func (f *FakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	sc, ok := f.storageClass[key]
	if !ok {
		return nil, &types.NoSuchKey{Message: aws.String("no such key: " + key)}
	}
	out := &s3.HeadObjectOutput{StorageClass: sc}
	if v, ok := f.restoreState[key]; ok {
		out.Restore = aws.String(v)
	}
	return out, nil
}

func (f *FakeS3) RestoreObject(ctx context.Context, in *s3.RestoreObjectInput, optFns ...func(*s3.Options)) (*s3.RestoreObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := aws.ToString(in.Key)
	f.restoreCalls = append(f.restoreCalls, key)
	f.restoreState[key] = `ongoing-request="true"`
	return &s3.RestoreObjectOutput{}, nil
}

func (f *FakeS3) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextUploadID++
	id := aws.String(strconv.Itoa(f.nextUploadID))
	f.parts[*id] = map[int32][]byte{}
	f.storageClass[aws.ToString(in.Key)] = in.StorageClass
	return &s3.CreateMultipartUploadOutput{UploadId: id, Key: in.Key}, nil
}

func (f *FakeS3) UploadPart(ctx context.Context, in *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.parts[aws.ToString(in.UploadId)]
	if !ok {
		return nil, errors.New("unknown upload id")
	}
	parts[in.PartNumber] = data
	return &s3.UploadPartOutput{ETag: aws.String("\"part-etag\"")}, nil
}

func (f *FakeS3) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts, ok := f.parts[aws.ToString(in.UploadId)]
	if !ok {
		return nil, errors.New("unknown upload id")
	}
	var full []byte
	for i := int32(1); i <= int32(len(parts)); i++ {
		full = append(full, parts[i]...)
	}
	key := aws.ToString(in.Key)
	f.objects[key] = full
	delete(f.parts, aws.ToString(in.UploadId))
	return &s3.CompleteMultipartUploadOutput{Key: in.Key, ETag: aws.String("\"full-etag\"")}, nil
}

func (f *FakeS3) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.parts, aws.ToString(in.UploadId))
	return &s3.AbortMultipartUploadOutput{}, nil
}
