package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// fakeS3 is an in-memory s3API.
type fakeS3 struct {
	objects map[string][]byte
	putErr  error
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	ctx := context.Background()

	t.Run("round_trip", func(t *testing.T) {
		fake := newFakeS3()
		store := newS3Store(fake, Config{Bucket: "bucket", Region: "eu-west-1"})
		key := "receipts/u/1.webp"

		if err := store.Put(ctx, key, strings.NewReader("webp"), 4, "image/webp"); err != nil {
			t.Fatalf("put failed: %v", err)
		}
		ok, err := store.Exists(ctx, key)
		if err != nil || !ok {
			t.Fatalf("expected object to exist, got %v, %v", ok, err)
		}
		data, err := store.Get(ctx, key)
		if err != nil || string(data) != "webp" {
			t.Fatalf("unexpected get result %q, %v", data, err)
		}
		if err := store.Delete(ctx, key); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if ok, _ := store.Exists(ctx, key); ok {
			t.Error("expected object to be gone")
		}
	})

	t.Run("missing_object", func(t *testing.T) {
		store := newS3Store(newFakeS3(), Config{Bucket: "bucket"})
		if _, err := store.Get(ctx, "receipts/u/none.jpg"); !errors.Is(err, ErrNotExist) {
			t.Errorf("expected ErrNotExist, got %v", err)
		}
		ok, err := store.Exists(ctx, "receipts/u/none.jpg")
		if err != nil || ok {
			t.Errorf("expected false, nil; got %v, %v", ok, err)
		}
	})

	t.Run("put_error_is_wrapped", func(t *testing.T) {
		fake := newFakeS3()
		fake.putErr = errors.New("access denied")
		store := newS3Store(fake, Config{Bucket: "bucket"})
		err := store.Put(ctx, "receipts/u/1.jpg", strings.NewReader("x"), 1, "image/jpeg")
		if err == nil || !strings.Contains(err.Error(), "access denied") {
			t.Errorf("expected wrapped error, got %v", err)
		}
	})

	t.Run("url", func(t *testing.T) {
		store := newS3Store(newFakeS3(), Config{Bucket: "bucket", Region: "eu-west-1"})
		if got := store.URL("receipts/u/1.jpg"); got != "https://bucket.s3.eu-west-1.amazonaws.com/receipts/u/1.jpg" {
			t.Errorf("unexpected url %s", got)
		}
		cdn := newS3Store(newFakeS3(), Config{Bucket: "bucket", PublicURL: "https://cdn.example.com"})
		if got := cdn.URL("receipts/u/1.jpg"); got != "https://cdn.example.com/receipts/u/1.jpg" {
			t.Errorf("unexpected url %s", got)
		}
	})
}
