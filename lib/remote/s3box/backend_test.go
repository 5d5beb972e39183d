// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package s3box

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
)

// fakeS3 is an in-memory bucket implementing API. fail, when set, is
// consulted before every operation.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	pageSize int
	fail     func(operation string) error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string][]byte), pageSize: 1000}
}

func operationError(operation string, err error) error {
	return &smithy.OperationError{ServiceID: "S3", OperationName: operation, Err: err}
}

func (f *fakeS3) check(operation string) error {
	f.mu.Lock()
	fail := f.fail
	f.mu.Unlock()
	if fail == nil {
		return nil
	}
	if err := fail(operation); err != nil {
		return operationError(operation, err)
	}
	return nil
}

func (f *fakeS3) PutObject(ctx context.Context, input *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if err := f.check("PutObject"); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	if aws.ToInt64(input.ContentLength) != int64(len(data)) {
		return nil, operationError("PutObject", &smithy.GenericAPIError{Code: "IncompleteBody"})
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(input.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, input *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if err := f.check("GetObject"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(input.Key)]
	if !ok {
		return nil, operationError("GetObject", &types.NoSuchKey{Message: aws.String("The specified key does not exist.")})
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(append([]byte(nil), data...)))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, input *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if err := f.check("HeadObject"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(input.Key)]
	if !ok {
		return nil, operationError("HeadObject", &types.NotFound{})
	}
	return &s3.HeadObjectOutput{ContentLength: aws.Int64(int64(len(data)))}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	if err := f.check("DeleteObject"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(input.Key))
	return &s3.DeleteObjectOutput{}, nil
}

// ListObjectsV2 pages through keys in lexical order; the continuation
// token is the offset of the next key.
func (f *fakeS3) ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if err := f.check("ListObjectsV2"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	var keys []string
	for key := range f.objects {
		if strings.HasPrefix(key, aws.ToString(input.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	offset, _ := strconv.Atoi(aws.ToString(input.ContinuationToken))
	end := min(offset+f.pageSize, len(keys))
	output := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(end < len(keys))}
	for _, key := range keys[offset:end] {
		output.Contents = append(output.Contents, types.Object{Key: aws.String(key)})
	}
	if end < len(keys) {
		output.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return output, nil
}

func newTestBackend(t *testing.T, fake *fakeS3, prefix string) *Backend {
	t.Helper()
	backend, err := NewWithClient(fake, Config{Bucket: "boxes", Prefix: prefix})
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	return backend
}

func TestRoundTrip(t *testing.T) {
	fake := newFakeS3()
	backend := newTestBackend(t, fake, "box-1")
	ctx := context.Background()

	id, err := backend.Put(ctx, []byte("sealed chunk"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, ok := fake.objects["box-1/"+id]; !ok {
		t.Fatalf("object not stored under box prefix; have %v", fake.objects)
	}

	blob, err := backend.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(blob) != "sealed chunk" {
		t.Errorf("Get = %q", blob)
	}

	if err := backend.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := backend.Delete(ctx, id); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("second Delete = %v, want not found", err)
	}
	if _, err := backend.Get(ctx, id); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want not found", err)
	}
}

func TestListIsScopedToPrefixAndPaginates(t *testing.T) {
	fake := newFakeS3()
	fake.pageSize = 2
	first := newTestBackend(t, fake, "box-1")
	second := newTestBackend(t, fake, "/box-2/")
	ctx := context.Background()

	want := make(map[string]bool)
	for index := range 5 {
		id, err := first.Put(ctx, []byte{byte(index)})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		want[id] = true
	}
	if _, err := second.Put(ctx, []byte("other box")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	// A nested key is not a blob of this box.
	fake.objects["box-1/nested/thing"] = []byte("x")

	ids, err := first.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(ids) != len(want) {
		t.Fatalf("List returned %d ids, want %d: %v", len(ids), len(want), ids)
	}
	for _, id := range ids {
		if !want[id] {
			t.Errorf("unexpected id %q", id)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	serverError := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusServiceUnavailable}},
		Err:      errors.New("unexpected EOF"),
	}
	forbidden := &smithyhttp.ResponseError{
		Response: &smithyhttp.Response{Response: &http.Response{StatusCode: http.StatusForbidden}},
		Err:      errors.New("forbidden"),
	}

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"slow down", &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}, boxerr.ErrTransient},
		{"internal error", &smithy.GenericAPIError{Code: "InternalError"}, boxerr.ErrTransient},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDenied"}, boxerr.ErrPermanent},
		{"no such bucket", &smithy.GenericAPIError{Code: "NoSuchBucket"}, boxerr.ErrPermanent},
		{"status 503", serverError, boxerr.ErrTransient},
		{"status 403", forbidden, boxerr.ErrPermanent},
		{"deadline", context.DeadlineExceeded, boxerr.ErrTransient},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake := newFakeS3()
			fake.fail = func(string) error { return test.err }
			backend := newTestBackend(t, fake, "box")

			_, err := backend.Put(context.Background(), []byte("x"))
			if !errors.Is(err, test.want) {
				t.Fatalf("Put = %v, want class %v", err, test.want)
			}
		})
	}
}

func TestNotFoundKeepsCause(t *testing.T) {
	backend := newTestBackend(t, newFakeS3(), "box")
	_, err := backend.Get(context.Background(), "missing")
	if !errors.Is(err, boxerr.ErrNotFound) {
		t.Fatalf("Get = %v, want not found", err)
	}
	var noSuchKey *types.NoSuchKey
	if !errors.As(err, &noSuchKey) {
		t.Errorf("SDK error should stay reachable, got %v", err)
	}
}

func TestRejectsIDsEscapingPrefix(t *testing.T) {
	backend := newTestBackend(t, newFakeS3(), "box")
	for _, id := range []string{"", "../other/key", "a/b"} {
		if _, err := backend.Get(context.Background(), id); !errors.Is(err, boxerr.ErrPermanent) {
			t.Errorf("Get(%q) = %v, want permanent", id, err)
		}
	}
}

func TestOversizedObject(t *testing.T) {
	fake := newFakeS3()
	backend, err := NewWithClient(fake, Config{Bucket: "boxes", Prefix: "box", MaxBlobSize: 3})
	if err != nil {
		t.Fatalf("NewWithClient: %v", err)
	}
	id, err := backend.Put(context.Background(), []byte("four"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := backend.Get(context.Background(), id); !errors.Is(err, boxerr.ErrPermanent) {
		t.Errorf("Get = %v, want permanent", err)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := NewWithClient(newFakeS3(), Config{Prefix: "box"}); err == nil {
		t.Error("missing bucket should fail")
	}
	if _, err := NewWithClient(newFakeS3(), Config{Bucket: "b", Prefix: "/"}); err == nil {
		t.Error("empty prefix should fail")
	}
	if _, err := New(context.Background(), Config{Bucket: "b", Prefix: "p", AccessKeyID: "AKIA"}); err == nil {
		t.Error("access key without secret should fail")
	}
}
