package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"

	"github.com/wayneeseguin/omnipipe/internal/buffer"
	"github.com/wayneeseguin/omnipipe/internal/retry"
)

// S3API is the subset of the S3 client the archive transport uses.
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Transport archives each batch as one gzipped JSON-lines object.
type S3Transport struct {
	client S3API
	cfg    S3Config
}

// NewS3Transport creates a transport over an existing client.
func NewS3Transport(client S3API, cfg S3Config) *S3Transport {
	return &S3Transport{client: client, cfg: cfg}
}

// OpenS3Transport loads the default AWS configuration and builds a client.
// SDK-level retries are disabled; the batch sink owns retrying.
func OpenS3Transport(ctx context.Context, cfg S3Config) (*S3Transport, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.RetryMaxAttempts = 1
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})
	return NewS3Transport(client, cfg), nil
}

func (t *S3Transport) Name() string { return "s3" }

// ObjectKey returns prefix/yyyy/mm/dd/HH/<id>.jsonl.gz for a batch started at ts.
func (t *S3Transport) ObjectKey(ts time.Time, id string) string {
	return path.Join(t.cfg.Prefix, ts.UTC().Format("2006/01/02/15"), id+".jsonl.gz")
}

// Encode writes the lines as gzipped JSONL and fixes the object key, so a
// retried upload overwrites rather than duplicates.
func (t *S3Transport) Encode(b *buffer.Batch) (*Payload, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	for _, e := range b.Entries() {
		if _, err := zw.Write(e.Line); err != nil {
			return nil, fmt.Errorf("compressing batch: %w", err)
		}
		if _, err := zw.Write([]byte{'\n'}); err != nil {
			return nil, fmt.Errorf("compressing batch: %w", err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compressing batch: %w", err)
	}

	ts := time.Now()
	if entries := b.Entries(); len(entries) > 0 {
		ts = entries[0].Timestamp
	}
	id := uuid.NewString()
	return &Payload{ID: id, Key: t.ObjectKey(ts, id), Body: buf.Bytes(), Lines: b.Len()}, nil
}

// Send uploads the object once. Client errors other than throttling are permanent.
func (t *S3Transport) Send(ctx context.Context, p *Payload) error {
	_, err := t.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(t.cfg.Bucket),
		Key:             aws.String(p.Key),
		Body:            bytes.NewReader(p.Body),
		ContentLength:   aws.Int64(int64(len(p.Body))),
		ContentType:     aws.String("application/x-ndjson"),
		ContentEncoding: aws.String("gzip"),
	})
	if err == nil {
		return nil
	}
	if isPermanentS3Error(err) {
		return retry.Permanent(err)
	}
	return err
}

func isPermanentS3Error(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	switch apiErr.ErrorCode() {
	case "NoSuchBucket", "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "InvalidBucketName":
		return true
	}
	return false
}

func (t *S3Transport) Close() error { return nil }
