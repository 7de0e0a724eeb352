// Package s3 stores lock records as JSON objects in S3-compatible object
// storage (MinIO, Ceph RGW, AWS S3) using conditional PUTs for CAS.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/pslog"
	"pkt.systems/wlock/internal/storage"
)

const maxRecordBytes = 64 << 10

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New builds a store from cfg. Credentials default to the AWS/MinIO
// environment, the shared credentials file and instance metadata, in that
// order.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
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
	return clone
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Client exposes the underlying MinIO client for diagnostics.
func (s *Store) Client() *minio.Client { return s.client }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) loggers(ctx context.Context) (pslog.Logger, pslog.Logger) {
	logger := pslog.LoggerFromContext(ctx)
	return logger, logger
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
	start := time.Now()
	object, err := s.recordObject(name)
	if err != nil {
		return storage.LoadResult{}, err
	}
	verbose.Trace("s3.load_record.begin", "lock", name, "object", object)

	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_record.get_error", "lock", name, "object", object, "error", err)
		return storage.LoadResult{}, s.wrapError(err, "s3: get record")
	}
	defer obj.Close()

	payload, err := io.ReadAll(io.LimitReader(obj, maxRecordBytes))
	if err != nil {
		if isNotFound(err) {
			verbose.Debug("s3.load_record.not_found", "lock", name, "object", object, "elapsed", time.Since(start))
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_record.read_error", "lock", name, "object", object, "error", err)
		return storage.LoadResult{}, s.wrapError(err, "s3: read record")
	}
	info, err := obj.Stat()
	if err != nil {
		if isNotFound(err) {
			return storage.LoadResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.load_record.stat_error", "lock", name, "object", object, "error", err)
		return storage.LoadResult{}, s.wrapError(err, "s3: stat record")
	}
	rec, err := storage.UnmarshalRecord(payload)
	if err != nil {
		logger.Debug("s3.load_record.decode_error", "lock", name, "object", object, "error", err)
		return storage.LoadResult{}, err
	}
	etag := stripETag(info.ETag)
	verbose.Debug("s3.load_record.success", "lock", name, "object", object, "etag", etag, "elapsed", time.Since(start))
	return storage.LoadResult{Record: rec, ETag: etag}, nil
}

// StoreRecord uploads rec with If-Match (or If-None-Match: * when creating).
func (s *Store) StoreRecord(ctx context.Context, name string, rec *storage.Record, expectedETag string) (string, error) {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	object, err := s.recordObject(name)
	if err != nil {
		return "", err
	}
	verbose.Trace("s3.store_record.begin", "lock", name, "object", object, "expected_etag", expectedETag)
	payload, err := storage.MarshalRecord(rec)
	if err != nil {
		return "", err
	}
	options := minio.PutObjectOptions{ContentType: storage.ContentTypeJSON}
	s.applySSE(&options)
	if expectedETag != "" {
		options.SetMatchETag(expectedETag)
	} else {
		options.SetMatchETagExcept("*")
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), options)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("s3.store_record.cas_mismatch", "lock", name, "object", object, "expected_etag", expectedETag)
			return "", storage.ErrCASMismatch
		}
		if expectedETag != "" && isNotFound(err) {
			logger.Debug("s3.store_record.not_found", "lock", name, "object", object, "expected_etag", expectedETag)
			return "", storage.ErrNotFound
		}
		logger.Debug("s3.store_record.put_error", "lock", name, "object", object, "error", err)
		return "", s.wrapError(err, "s3: put record")
	}
	newETag := stripETag(info.ETag)
	verbose.Debug("s3.store_record.success", "lock", name, "object", object, "new_etag", newETag, "elapsed", time.Since(start))
	return newETag, nil
}

// DeleteRecord removes the record object. S3 has no conditional DELETE, so
// CAS is checked with a HEAD first; the window between the two calls is
// narrow and a racing writer only ever loses its own record.
func (s *Store) DeleteRecord(ctx context.Context, name string, expectedETag string) error {
	logger, verbose := s.loggers(ctx)
	start := time.Now()
	object, err := s.recordObject(name)
	if err != nil {
		return err
	}
	verbose.Trace("s3.delete_record.begin", "lock", name, "object", object, "expected_etag", expectedETag)
	info, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return storage.ErrNotFound
		}
		logger.Debug("s3.delete_record.stat_error", "lock", name, "object", object, "error", err)
		return s.wrapError(err, "s3: stat record")
	}
	if expectedETag != "" && stripETag(info.ETag) != expectedETag {
		logger.Debug("s3.delete_record.cas_mismatch", "lock", name, "object", object, "expected_etag", expectedETag, "current_etag", stripETag(info.ETag))
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		logger.Debug("s3.delete_record.remove_error", "lock", name, "object", object, "error", err)
		return s.wrapError(err, "s3: remove record")
	}
	verbose.Debug("s3.delete_record.success", "lock", name, "object", object, "elapsed", time.Since(start))
	return nil
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func isPreconditionFailed(err error) bool {
	errResp := minio.ErrorResponse{}
	if !errors.As(err, &errResp) {
		return false
	}
	if errResp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	if errResp.StatusCode == http.StatusConflict {
		switch errResp.Code {
		case "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	return false
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
	if errors.Is(err, context.DeadlineExceeded) || isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
		return true
	}
	resp := minio.ToErrorResponse(err)
	if resp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch resp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
