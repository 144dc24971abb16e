package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
)

// S3Client is the subset of the S3 API that S3Store calls. *s3.Client
// satisfies it.
type S3Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Store keeps registry objects in an S3 (or S3-compatible) bucket under an
// optional key prefix.
type S3Store struct {
	client S3Client
	bucket string
	prefix string
}

var _ FileStore = (*S3Store)(nil)

func NewS3(client S3Client, bucket, prefix string) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix}
}

func (s *S3Store) key(p string) string {
	if s.prefix == "" {
		return p
	}
	return path.Join(s.prefix, p)
}

// URI returns the s3:// location of p.
func (s *S3Store) URI(p string) string {
	return "s3://" + s.bucket + "/" + s.key(p)
}

func (s *S3Store) Read(ctx context.Context, p string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("artifact: read %s: %w", s.URI(p), os.ErrNotExist)
		}
		return nil, err
	}
	return out.Body, nil
}

// Write spools the object into a local temp file and uploads it on Close.
// The spool gives PutObject a seekable body with a known length, which the
// SDK needs to sign the payload on any transport.
func (s *S3Store) Write(ctx context.Context, p string) (io.WriteCloser, error) {
	f, err := os.CreateTemp("", "artifact-upload-*")
	if err != nil {
		return nil, err
	}
	return &s3Upload{ctx: ctx, store: s, key: s.key(p), spool: f}, nil
}

func (s *S3Store) Delete(ctx context.Context, p string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	return err
}

func (s *S3Store) Exists(ctx context.Context, p string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(p)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

type s3Upload struct {
	ctx   context.Context
	store *S3Store
	key   string
	spool *os.File
}

func (u *s3Upload) Write(b []byte) (int, error) {
	return u.spool.Write(b)
}

func (u *s3Upload) Close() error {
	defer os.Remove(u.spool.Name())
	defer u.spool.Close()

	size, err := u.spool.Seek(0, io.SeekCurrent)
	if err != nil {
		return err
	}
	if _, err := u.spool.Seek(0, io.SeekStart); err != nil {
		return err
	}
	_, err = u.store.client.PutObject(u.ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.store.bucket),
		Key:           aws.String(u.key),
		Body:          u.spool,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/gzip"),
	})
	if err != nil {
		return fmt.Errorf("artifact: upload s3://%s/%s: %w", u.store.bucket, u.key, err)
	}
	return nil
}

func (u *s3Upload) abort() {
	u.spool.Close()
	os.Remove(u.spool.Name())
}

func isS3NotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
