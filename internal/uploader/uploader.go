// Package uploader implements the central multipart upload component from
// section 4.7: bounded-concurrency part upload with retry/backoff, an
// in-memory or spooled buffering mode, and a small-object PUT path for
// manifests and pointers. Its retry/backoff shape is grounded in the
// ancestor project's DynamoDB writer (isThrottlingError/backoffWait), here
// re-aimed at S3 transient failures.
package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/ValXp/btrfs-to-s3/internal/awsiface"
	"github.com/ValXp/btrfs-to-s3/internal/errs"
)

const (
	maxPartSize  = 5 * 1024 * 1024 * 1024 // 5 GiB, the S3 per-part ceiling.
	maxPartCount = 10000
)

// Config parameterizes an Uploader from the s3/global config sections.
type Config struct {
	Bucket         string
	Concurrency    int
	PartSizeBytes  int64
	ChunkSizeBytes int64 // configured logical chunk size, used to cap part count at maxPartCount
	SpoolEnabled   bool
	SpoolDir       string
	SpoolSizeBytes int64
}

// Uploader is the central multipart/small-object upload component.
type Uploader struct {
	client awsiface.S3Client
	cfg    Config
}

// New constructs an Uploader against client using cfg.
func New(client awsiface.S3Client, cfg Config) *Uploader {
	return &Uploader{client: client, cfg: cfg}
}

// Put uploads a small object (manifest, pointer) with a single PUT,
// retrying transient failures. The body is always materialized into
// memory first, so non-seekable streams are handled uniformly.
func (u *Uploader) Put(ctx context.Context, key string, body io.Reader, storageClass types.StorageClass) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", errs.Upload(fmt.Sprintf("failed to read body for PUT %s", key), err)
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		out, err := u.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:               aws.String(u.cfg.Bucket),
			Key:                  aws.String(key),
			Body:                 bytes.NewReader(data),
			ContentLength:        aws.Int64(int64(len(data))),
			StorageClass:         storageClass,
			ServerSideEncryption: types.ServerSideEncryptionAes256,
		})
		if err == nil {
			return aws.ToString(out.ETag), nil
		}
		lastErr = err
		if !isTransientError(err) || attempt == maxAttempts {
			break
		}
		if !backoffWait(ctx, attempt) {
			lastErr = ctx.Err()
			break
		}
	}
	return "", errs.Upload(fmt.Sprintf("PUT failed for %s", key), lastErr)
}

// PutLarge uploads body as a multipart object: it reads body sequentially,
// buffers each part (in-memory or spooled per Config), and uploads parts
// concurrently across a fixed worker pool. Parts complete in arbitrary
// order but are recorded in part-number order before CompleteMultipartUpload.
func (u *Uploader) PutLarge(ctx context.Context, key string, body io.Reader, storageClass types.StorageClass) (string, error) {
	createOut, err := u.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:               aws.String(u.cfg.Bucket),
		Key:                  aws.String(key),
		StorageClass:         storageClass,
		ServerSideEncryption: types.ServerSideEncryptionAes256,
	})
	if err != nil {
		return "", errs.Upload(fmt.Sprintf("failed to create multipart upload for %s", key), err)
	}
	uploadID := aws.ToString(createOut.UploadId)

	partSize := u.effectivePartSize()
	concurrency := u.effectiveConcurrency(partSize)

	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var completed []types.CompletedPart
	var firstErr error

	recordErr := func(err error) {
		mu.Lock()
		defer mu.Unlock()
		if firstErr == nil {
			firstErr = err
		}
	}

	var partNum int32 = 1
	for {
		sem <- struct{}{}
		buf, n, readErr := u.readPart(body, partSize)
		if n == 0 {
			<-sem
			if readErr != nil && readErr != io.EOF {
				recordErr(readErr)
			}
			break
		}

		wg.Add(1)
		pn := partNum
		go func(buf partBuffer, pn int32) {
			defer wg.Done()
			defer func() { <-sem }()
			defer buf.Close()

			etag, err := u.uploadPartWithRetry(ctx, uploadID, key, pn, buf)
			if err != nil {
				recordErr(err)
				return
			}
			mu.Lock()
			completed = append(completed, types.CompletedPart{
				ETag:       aws.String(etag),
				PartNumber: aws.Int32(pn),
			})
			mu.Unlock()
		}(buf, pn)
		partNum++

		if readErr == io.EOF {
			break
		}
	}

	wg.Wait()

	if firstErr != nil {
		u.abort(ctx, key, uploadID)
		return "", errs.Upload(fmt.Sprintf("multipart upload failed for %s", key), firstErr)
	}

	sort.Slice(completed, func(i, j int) bool {
		return aws.ToInt32(completed[i].PartNumber) < aws.ToInt32(completed[j].PartNumber)
	})

	completeOut, err := u.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(u.cfg.Bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		u.abort(ctx, key, uploadID)
		return "", errs.Upload(fmt.Sprintf("failed to complete multipart upload for %s", key), err)
	}
	return aws.ToString(completeOut.ETag), nil
}

func (u *Uploader) abort(ctx context.Context, key, uploadID string) {
	_, _ = u.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(u.cfg.Bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	})
}

// uploadPartWithRetry uploads one part, retrying transient failures with
// exponential-with-full-jitter backoff, replaying from buf rather than the
// body stream.
func (u *Uploader) uploadPartWithRetry(ctx context.Context, uploadID, key string, partNum int32, buf partBuffer) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if _, err := buf.Seek(0, io.SeekStart); err != nil {
			return "", err
		}
		out, err := u.client.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(u.cfg.Bucket),
			Key:           aws.String(key),
			UploadId:      aws.String(uploadID),
			PartNumber:    aws.Int32(partNum),
			Body:          buf,
			ContentLength: aws.Int64(buf.Len()),
		})
		if err == nil {
			return aws.ToString(out.ETag), nil
		}
		lastErr = err
		if !isTransientError(err) || attempt == maxAttempts {
			break
		}
		if !backoffWait(ctx, attempt) {
			return "", ctx.Err()
		}
	}
	return "", lastErr
}

// effectivePartSize caps the configured part size at 5 GiB, and raises it
// if a logical chunk of the configured size would otherwise need more than
// 10,000 parts.
func (u *Uploader) effectivePartSize() int64 {
	p := u.cfg.PartSizeBytes
	if p <= 0 || p > maxPartSize {
		p = maxPartSize
	}
	if u.cfg.ChunkSizeBytes > 0 && (u.cfg.ChunkSizeBytes+p-1)/p > maxPartCount {
		p = (u.cfg.ChunkSizeBytes + maxPartCount - 1) / maxPartCount
		if p > maxPartSize {
			p = maxPartSize
		}
	}
	return p
}

// effectiveConcurrency applies the spool-mode cap from section 4.7:
// min(concurrency, spool_size_bytes/part_size).
func (u *Uploader) effectiveConcurrency(partSize int64) int {
	c := u.cfg.Concurrency
	if c < 1 {
		c = 1
	}
	if !u.cfg.SpoolEnabled || partSize <= 0 {
		return c
	}
	spoolCap := int(u.cfg.SpoolSizeBytes / partSize)
	if spoolCap < 1 {
		spoolCap = 1
	}
	if spoolCap < c {
		return spoolCap
	}
	return c
}

// readPart reads up to partSize bytes from body into a partBuffer, using
// memory or spool storage per Config. It returns (buf, n, nil) for a full
// part, (buf, n, io.EOF) for a final short part at end of stream, and
// (nil, 0, io.EOF) once body is fully exhausted, which is also how the end
// shows after a final part of exactly partSize bytes.
func (u *Uploader) readPart(body io.Reader, partSize int64) (partBuffer, int64, error) {
	if u.cfg.SpoolEnabled {
		return u.readPartSpooled(body, partSize)
	}
	return u.readPartMemory(body, partSize)
}

func (u *Uploader) readPartMemory(body io.Reader, partSize int64) (partBuffer, int64, error) {
	buf := make([]byte, partSize)
	n, err := io.ReadFull(body, buf)
	switch err {
	case nil:
		return &memBuffer{Reader: bytes.NewReader(buf[:n]), size: int64(n)}, int64(n), nil
	case io.EOF:
		return nil, 0, io.EOF
	case io.ErrUnexpectedEOF:
		return &memBuffer{Reader: bytes.NewReader(buf[:n]), size: int64(n)}, int64(n), io.EOF
	default:
		return nil, 0, err
	}
}

func (u *Uploader) readPartSpooled(body io.Reader, partSize int64) (partBuffer, int64, error) {
	f, err := os.CreateTemp(u.cfg.SpoolDir, "part-*.tmp")
	if err != nil {
		return nil, 0, err
	}
	path := f.Name()

	n, err := io.CopyN(f, body, partSize)
	if err != nil && err != io.EOF {
		f.Close()
		os.Remove(path)
		return nil, 0, err
	}
	if n == 0 {
		f.Close()
		os.Remove(path)
		return nil, 0, io.EOF
	}
	if _, serr := f.Seek(0, io.SeekStart); serr != nil {
		f.Close()
		os.Remove(path)
		return nil, 0, serr
	}

	sb := &spoolBuffer{f: f, path: path, size: n}
	if err == io.EOF {
		return sb, n, io.EOF
	}
	return sb, n, nil
}
