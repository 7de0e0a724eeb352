// Package logging decorates a storage.Backend with tracing spans and
// debug/trace logging around every call.
package logging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/wlock/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

// Wrap decorates inner with trace/debug logging. sys names the backend kind
// (disk, s3, postgres, ...) on spans and log lines.
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/wlock/storage"),
		sys:    sys,
	}
}

// Unwrap returns the decorated backend.
func (b *backend) Unwrap() storage.Backend { return b.inner }

func resultOf(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrCASMismatch):
		return "cas_mismatch"
	default:
		return "error"
	}
}

func (b *backend) start(ctx context.Context, op, name string) (context.Context, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "wlock.storage."+op, trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(
		attribute.String("wlock.storage.operation", op),
		attribute.String("wlock.storage.backend", b.sys),
		attribute.String("wlock.lock_name", name),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	logger = logger.With("storage", b.sys, "lock", name)
	ctx = pslog.ContextWithLogger(ctx, logger)
	logger.Trace("storage." + op + ".begin")

	return ctx, logger, func(err error) {
		result := resultOf(err)
		switch result {
		case "error":
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", time.Since(begin))
		default:
			span.SetStatus(codes.Ok, "")
			logger.Debug("storage."+op+"."+result, "elapsed", time.Since(begin))
		}
		span.SetAttributes(
			attribute.String("wlock.storage.result", result),
			attribute.Int64("wlock.storage.duration_ms", time.Since(begin).Milliseconds()),
		)
		span.End()
	}
}

func (b *backend) LoadRecord(ctx context.Context, name string) (storage.LoadResult, error) {
	ctx, logger, finish := b.start(ctx, "load_record", name)
	result, err := b.inner.LoadRecord(ctx, name)
	if err == nil && result.Record != nil {
		logger.Trace("storage.load_record.record",
			"owner", result.Record.Owner().String(),
			"last_heartbeat", result.Record.LastHeartbeat,
			"etag", result.ETag,
		)
	}
	finish(err)
	return result, err
}

func (b *backend) StoreRecord(ctx context.Context, name string, rec *storage.Record, expectedETag string) (string, error) {
	ctx, logger, finish := b.start(ctx, "store_record", name)
	if rec != nil {
		logger.Trace("storage.store_record.record",
			"owner", rec.Owner().String(),
			"expected_etag", expectedETag,
			"create", expectedETag == "",
		)
	}
	newETag, err := b.inner.StoreRecord(ctx, name, rec, expectedETag)
	finish(err)
	return newETag, err
}

func (b *backend) DeleteRecord(ctx context.Context, name string, expectedETag string) error {
	ctx, logger, finish := b.start(ctx, "delete_record", name)
	logger.Trace("storage.delete_record.condition", "expected_etag", expectedETag)
	err := b.inner.DeleteRecord(ctx, name, expectedETag)
	finish(err)
	return err
}

// WatchRecord forwards to the wrapped backend when it supports watching.
func (b *backend) WatchRecord(ctx context.Context, name string) (<-chan struct{}, func(), error) {
	w, ok := b.inner.(storage.Watcher)
	if !ok {
		return nil, nil, fmt.Errorf("logging: backend %T does not support watching", b.inner)
	}
	return w.WatchRecord(ctx, name)
}

func (b *backend) Close() error {
	_, _, finish := b.start(context.Background(), "close", "")
	err := b.inner.Close()
	finish(err)
	return err
}
