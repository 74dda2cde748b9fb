package backends_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/wayneeseguin/omnipipe/internal/buffer"
	"github.com/wayneeseguin/omnipipe/internal/retry"
	"github.com/wayneeseguin/omnipipe/pkg/backends"
	"github.com/wayneeseguin/omnipipe/pkg/features"
)

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	inputs  []*s3.PutObjectInput
	err     error
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[aws.ToString(in.Key)] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3Transport_UploadsGzippedJSONL(t *testing.T) {
	client := &fakeS3{}
	transport := backends.NewS3Transport(client, backends.S3Config{Bucket: "archive", Prefix: "logs/app"})

	ts := time.Date(2024, 3, 9, 7, 45, 0, 0, time.UTC)
	b := buffer.NewBatch(nil, 2)
	b.Add(ts, []byte(`{"a":1}`), nil)
	b.Add(ts.Add(time.Second), []byte(`{"a":2}`), nil)

	payload, err := transport.Encode(b)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(payload.Key, "logs/app/2024/03/09/07/") || !strings.HasSuffix(payload.Key, ".jsonl.gz") {
		t.Errorf("Key = %s", payload.Key)
	}

	// A retried upload reuses the key and body.
	for i := 0; i < 2; i++ {
		if err := transport.Send(context.Background(), payload); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.objects) != 1 {
		t.Fatalf("objects = %d, want 1", len(client.objects))
	}
	plain, err := features.GunzipBytes(client.objects[payload.Key])
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "{\"a\":1}\n{\"a\":2}\n" {
		t.Errorf("object = %q", plain)
	}
	in := client.inputs[0]
	if aws.ToString(in.Bucket) != "archive" || aws.ToString(in.ContentEncoding) != "gzip" {
		t.Errorf("input bucket=%s encoding=%s", aws.ToString(in.Bucket), aws.ToString(in.ContentEncoding))
	}
}

func TestS3Transport_ErrorClassification(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantPermanent bool
	}{
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, true},
		{"missing bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, true},
		{"throttled", &smithy.GenericAPIError{Code: "SlowDown"}, false},
		{"network", errors.New("connection reset"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			transport := backends.NewS3Transport(&fakeS3{err: tt.err}, backends.S3Config{Bucket: "b"})
			err := transport.Send(context.Background(), &backends.Payload{Key: "k", Body: []byte("x"), Lines: 1})
			if err == nil {
				t.Fatal("expected error")
			}
			if retry.IsPermanent(err) != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v", !tt.wantPermanent, tt.wantPermanent)
			}
		})
	}
}

func TestS3Sink_ThroughRegistry(t *testing.T) {
	client := &fakeS3{}
	d, err := backends.Parse("s3://archive/app?batch_size=2")
	if err != nil {
		t.Fatal(err)
	}
	sink, err := backends.Open(context.Background(), d, backends.Env{S3Client: client})
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 4; i++ {
		_ = sink.Accept(context.Background(), lineRecord(i))
	}
	if err := sink.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	client.mu.Lock()
	defer client.mu.Unlock()
	if len(client.objects) != 2 {
		t.Errorf("objects = %d, want 2", len(client.objects))
	}
}
