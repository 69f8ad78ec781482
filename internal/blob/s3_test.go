package blob_test

import (
	"PerpClearing/internal/blob"
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type memS3 struct {
	objects map[string][]byte
	types   map[string]string
	headErr error
}

func (m *memS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	m.objects[key] = data
	m.types[key] = aws.ToString(in.ContentType)
	return &s3.PutObjectOutput{}, nil
}

func (m *memS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := m.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	return &s3.HeadBucketOutput{}, m.headErr
}

func TestSnapshotArchive_RoundTrip(t *testing.T) {
	api := &memS3{objects: map[string][]byte{}, types: map[string]string{}}
	a := blob.NewSnapshotArchive(api, "snaps")
	ctx := context.Background()

	body := []byte(`{"markets":[]}`)
	if err := a.PutSnapshot(ctx, "2024/01/01/1-x.json", body); err != nil {
		t.Fatalf("put: %v", err)
	}
	if api.types["snaps/2024/01/01/1-x.json"] != "application/json" {
		t.Errorf("content type = %q", api.types["snaps/2024/01/01/1-x.json"])
	}

	got, err := a.GetSnapshot(ctx, "2024/01/01/1-x.json")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("got %s", got)
	}

	if _, err := a.GetSnapshot(ctx, "missing"); err == nil {
		t.Error("expected an error for a missing key")
	}
}

func TestSnapshotArchive_Health(t *testing.T) {
	api := &memS3{headErr: errors.New("403")}
	if err := blob.NewSnapshotArchive(api, "snaps").Health(context.Background()); err == nil {
		t.Error("expected health failure")
	}
}

func TestNew_RequiresBucketAndRegion(t *testing.T) {
	if _, err := blob.New(context.Background(), blob.ClientConfig{Region: "us-east-1"}); err == nil {
		t.Error("no bucket accepted")
	}
	if _, err := blob.New(context.Background(), blob.ClientConfig{Bucket: "b"}); err == nil {
		t.Error("no region accepted")
	}
}
