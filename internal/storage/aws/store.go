// Package aws stores lock records in Amazon S3 through aws-sdk-go-v2, using
// If-Match / If-None-Match conditional writes for CAS.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/storage"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint      string
	Region        string
	Bucket        string
	Prefix        string
	Insecure      bool
	ServerSideEnc string
	KMSKeyID      string
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

const (
	awsOpTimeout   = 30 * time.Second
	maxRecordBytes = 64 << 10
)

// New loads the default AWS configuration chain for cfg.Region and builds
// the S3 client.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying S3 client for diagnostics.
func (s *Store) Client() *s3.Client { return s.client }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	return logger, logger
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// BucketExists reports whether the configured bucket is reachable.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) recordObject(name string) (string, error) {
	if err := storage.ValidateName(name); err != nil {
		return "", err
	}
	obj := name + ".json"
	if s.cfg.Prefix == "" {
		return obj, nil
	}
	return path.Join(s.cfg.Prefix, obj), nil
}

// LoadRecord downloads the record object and returns its ETag.
func (s *Store) LoadRecord(ctx context.Context, name string) (storage.LoadResult, error) {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	object, err := s.recordObject(name)
	if err != nil {
		return storage.LoadResult{}, err
	}
	verbose.Trace("aws.load_record.begin", "lock", name, "object", object)

	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		if isNotFound(err) {
			verbose.Debug("aws.load_record.not_found", "lock", name, "object", object, "elapsed", time.Since(start))
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.load_record.get_error", "lock", name, "object", object, "error", err)
		return storage.LoadResult{}, s.wrapError(err, "aws: get record")
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBytes))
	if err != nil {
		logger.Debug("aws.load_record.read_error", "lock", name, "object", object, "error", err)
		return storage.LoadResult{}, s.wrapError(err, "aws: read record")
	}
	rec, err := storage.UnmarshalRecord(payload)
	if err != nil {
		logger.Debug("aws.load_record.decode_error", "lock", name, "object", object, "error", err)
		return storage.LoadResult{}, err
	}
	etag := stripETag(aws.ToString(resp.ETag))
	verbose.Debug("aws.load_record.success", "lock", name, "object", object, "etag", etag, "elapsed", time.Since(start))
	return storage.LoadResult{Record: rec, ETag: etag}, nil
}

// StoreRecord uploads rec with If-Match, or If-None-Match: * when creating.
func (s *Store) StoreRecord(ctx context.Context, name string, rec *storage.Record, expectedETag string) (string, error) {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	object, err := s.recordObject(name)
	if err != nil {
		return "", err
	}
	verbose.Trace("aws.store_record.begin", "lock", name, "object", object, "expected_etag", expectedETag)
	payload, err := storage.MarshalRecord(rec)
	if err != nil {
		return "", err
	}
	input := &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentType:   aws.String(storage.ContentTypeJSON),
		ContentLength: aws.Int64(int64(len(payload))),
	}
	if expectedETag != "" {
		input.IfMatch = aws.String(expectedETag)
	} else {
		input.IfNoneMatch = aws.String("*")
	}
	applySSEToPut(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("aws.store_record.cas_mismatch", "lock", name, "object", object, "expected_etag", expectedETag)
			return "", storage.ErrCASMismatch
		}
		if expectedETag != "" && isNotFound(err) {
			logger.Debug("aws.store_record.not_found", "lock", name, "object", object, "expected_etag", expectedETag)
			return "", storage.ErrNotFound
		}
		logger.Debug("aws.store_record.put_error", "lock", name, "object", object, "error", err)
		return "", s.wrapError(err, "aws: put record")
	}
	newETag := stripETag(aws.ToString(out.ETag))
	if newETag == "" {
		stat, statErr := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
		if statErr == nil {
			newETag = stripETag(aws.ToString(stat.ETag))
		}
	}
	verbose.Debug("aws.store_record.success", "lock", name, "object", object, "new_etag", newETag, "elapsed", time.Since(start))
	return newETag, nil
}

// DeleteRecord removes the record object after checking its ETag with HEAD.
func (s *Store) DeleteRecord(ctx context.Context, name string, expectedETag string) error {
	logger, verbose := s.loggers(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	start := time.Now()
	object, err := s.recordObject(name)
	if err != nil {
		return err
	}
	verbose.Trace("aws.delete_record.begin", "lock", name, "object", object, "expected_etag", expectedETag)

	stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		logger.Debug("aws.delete_record.stat_error", "lock", name, "object", object, "error", err)
		return s.wrapError(err, "aws: stat record")
	}
	if current := stripETag(aws.ToString(stat.ETag)); expectedETag != "" && current != expectedETag {
		logger.Debug("aws.delete_record.cas_mismatch", "lock", name, "object", object, "expected_etag", expectedETag, "current_etag", current)
		return storage.ErrCASMismatch
	}
	_, err = s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		logger.Debug("aws.delete_record.remove_error", "lock", name, "object", object, "error", err)
		return s.wrapError(err, "aws: remove record")
	}
	verbose.Debug("aws.delete_record.success", "lock", name, "object", object, "elapsed", time.Since(start))
	return nil
}

func applySSEToPut(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
		if isNetworkConnectionError(err) {
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusServiceUnavailable, http.StatusRequestTimeout:
			return true
		}
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		if isNetworkConnectionError(opErr.Err) {
			return true
		}
	}
	return false
}

func httpStatusCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		if status == http.StatusPreconditionFailed {
			return true
		}
		if status == http.StatusConflict {
			return true
		}
	}
	return false
}
