// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package s3box

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/bureau-foundation/boxsync/lib/netutil"
	"github.com/bureau-foundation/boxsync/lib/remote"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

const defaultMaxBlobSize = 80 << 20

// API is the subset of *s3.Client the backend calls.
type API interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, input *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, input *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

var _ API = (*s3.Client)(nil)

// Config holds the parameters for an S3-backed box.
type Config struct {
	// Bucket is the bucket holding every box. Required.
	Bucket string

	// Prefix namespaces this box within the bucket, normally the box
	// id. Objects are stored as "<Prefix>/<uuid>". Required.
	Prefix string

	// Region is the bucket's region. Falls back to the SDK's default
	// resolution (AWS_REGION, shared config) when empty.
	Region string

	// Endpoint overrides the service endpoint for S3-compatible stores
	// such as MinIO. Empty uses AWS.
	Endpoint string

	// UsePathStyle selects path-style addressing, which most
	// S3-compatible stores require.
	UsePathStyle bool

	// AccessKeyID and SecretAccessKey select static credentials. When
	// AccessKeyID is empty the SDK's default chain is used. The backend
	// reads SecretAccessKey once at construction and never closes it.
	AccessKeyID     string
	SecretAccessKey *secret.Buffer

	// HTTPClient is used for all requests. If nil, the SDK default is
	// used.
	HTTPClient *http.Client

	// MaxBlobSize bounds object downloads. Defaults to 80 MiB.
	MaxBlobSize int64

	// Logger receives debug messages. If nil, logging is discarded.
	Logger *slog.Logger
}

// Backend stores each blob as one object under the box prefix. The
// remote id is the object name without the prefix.
type Backend struct {
	client      API
	bucket      string
	prefix      string
	maxBlobSize int64
	logger      *slog.Logger
}

var _ remote.Backend = (*Backend)(nil)

// New loads AWS configuration and returns a Backend using a real S3
// client. SDK-level retries are disabled: the sync engine owns retry
// policy and backoff.
func New(ctx context.Context, config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3box: Bucket is required")
	}

	var options []func(*awsconfig.LoadOptions) error
	if config.Region != "" {
		options = append(options, awsconfig.WithRegion(config.Region))
	}
	if config.AccessKeyID != "" {
		if config.SecretAccessKey == nil {
			return nil, fmt.Errorf("s3box: SecretAccessKey is required with AccessKeyID")
		}
		options = append(options, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey.String(), "")))
	}
	if config.HTTPClient != nil {
		options = append(options, awsconfig.WithHTTPClient(config.HTTPClient))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, options...)
	if err != nil {
		return nil, fmt.Errorf("s3box: loading AWS configuration: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
		o.RetryMaxAttempts = 1
	})
	return NewWithClient(client, config)
}

// NewWithClient returns a Backend over an existing client. Only Bucket,
// Prefix, MaxBlobSize, and Logger are read from config.
func NewWithClient(client API, config Config) (*Backend, error) {
	if config.Bucket == "" {
		return nil, fmt.Errorf("s3box: Bucket is required")
	}
	prefix := strings.Trim(config.Prefix, "/")
	if prefix == "" {
		return nil, fmt.Errorf("s3box: Prefix is required")
	}
	maxBlobSize := config.MaxBlobSize
	if maxBlobSize <= 0 {
		maxBlobSize = defaultMaxBlobSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Backend{
		client:      client,
		bucket:      config.Bucket,
		prefix:      prefix + "/",
		maxBlobSize: maxBlobSize,
		logger:      logger,
	}, nil
}

func (b *Backend) Put(ctx context.Context, blob []byte) (string, error) {
	id := uuid.NewString()
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(b.prefix + id),
		Body:          bytes.NewReader(blob),
		ContentLength: aws.Int64(int64(len(blob))),
		ContentType:   aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", classify("put", "", err)
	}
	b.logger.Debug("blob stored", "bucket", b.bucket, "key", b.prefix+id, "size", len(blob))
	return id, nil
}

func (b *Backend) Get(ctx context.Context, id string) ([]byte, error) {
	if err := validID(id); err != nil {
		return nil, remote.Permanent("get", id, err)
	}
	output, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.prefix + id),
	})
	if err != nil {
		return nil, classify("get", id, err)
	}
	defer output.Body.Close()

	blob, err := netutil.ReadBlob(output.Body, b.maxBlobSize)
	if err != nil {
		return nil, remote.Classify("get", id, err)
	}
	return blob, nil
}

func (b *Backend) List(ctx context.Context) ([]string, error) {
	var ids []string
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(b.prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classify("list", "", err)
		}
		for _, object := range page.Contents {
			id := strings.TrimPrefix(aws.ToString(object.Key), b.prefix)
			if id == "" || strings.Contains(id, "/") {
				continue
			}
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// Delete removes the object. S3 deletes are idempotent and report
// success for missing keys, so existence is checked first to keep the
// not-found contract.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if err := validID(id); err != nil {
		return remote.Permanent("delete", id, err)
	}
	key := aws.String(b.prefix + id)
	if _, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(b.bucket), Key: key}); err != nil {
		return classify("delete", id, err)
	}
	if _, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: key}); err != nil {
		return classify("delete", id, err)
	}
	b.logger.Debug("blob deleted", "bucket", b.bucket, "key", *key)
	return nil
}

func validID(id string) error {
	if id == "" || strings.Contains(id, "/") {
		return fmt.Errorf("s3box: invalid object id %q", id)
	}
	return nil
}

// Error codes S3 and compatible stores use for conditions that clear
// on their own.
var transientCodes = map[string]bool{
	"SlowDown":            true,
	"Throttling":          true,
	"ThrottlingException": true,
	"RequestTimeout":      true,
	"InternalError":       true,
	"ServiceUnavailable":  true,
	"OperationAborted":    true,
}

// classify maps SDK errors to the remote error taxonomy: modeled
// not-found errors first, then API error codes, then the HTTP status,
// then generic network and deadline handling.
func classify(op, id string, err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return &notFoundError{remote.NotFound(op, id), err}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "NoSuchKey" || code == "NotFound":
			return &notFoundError{remote.NotFound(op, id), err}
		case transientCodes[code]:
			return remote.Transient(op, id, err)
		}
	}

	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		status := statusErr.HTTPStatusCode()
		switch {
		case status == http.StatusTooManyRequests || status >= 500:
			return remote.Transient(op, id, err)
		case status == http.StatusNotFound:
			return &notFoundError{remote.NotFound(op, id), err}
		case status >= 400:
			return remote.Permanent(op, id, err)
		}
	}

	if apiErr != nil {
		return remote.Permanent(op, id, err)
	}
	return remote.Classify(op, id, err)
}

type notFoundError struct {
	class error
	cause error
}

func (e *notFoundError) Error() string   { return e.class.Error() + ": " + e.cause.Error() }
func (e *notFoundError) Unwrap() []error { return []error{e.class, e.cause} }
