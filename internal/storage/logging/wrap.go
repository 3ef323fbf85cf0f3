// Package logging decorates a storage backend with trace spans and debug logs.
package logging

import (
	"context"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"pkt.systems/pslog"

	"pkt.systems/gardenpub/internal/correlation"
	"pkt.systems/gardenpub/internal/storage"
)

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	tracer trace.Tracer
	sys    string
}

type copyingBackend struct {
	*backend
	copier storage.ObjectCopier
}

// Wrap decorates inner with spans named gardenpub.storage.<op> and debug
// logging. sys identifies the backend kind (s3, azure, disk, ...).
func Wrap(inner storage.Backend, logger pslog.Logger, sys string) storage.Backend {
	if inner == nil {
		return nil
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	b := &backend{
		inner:  inner,
		logger: logger,
		tracer: otel.Tracer("pkt.systems/gardenpub/storage"),
		sys:    sys,
	}
	if copier, ok := inner.(storage.ObjectCopier); ok {
		return &copyingBackend{backend: b, copier: copier}
	}
	return b
}

func (b *backend) start(ctx context.Context, op, key string) (context.Context, trace.Span, pslog.Logger, func(error)) {
	begin := time.Now()
	ctx, span := b.tracer.Start(ctx, "gardenpub.storage."+op, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("gardenpub.storage.operation", op),
		attribute.String("gardenpub.storage.sys", b.sys),
		attribute.String("gardenpub.storage.key", key),
	)

	logger := b.logger
	if ctxLogger := pslog.LoggerFromContext(ctx); ctxLogger != nil {
		logger = ctxLogger
	}
	if run := correlation.ID(ctx); run != "" {
		span.SetAttributes(attribute.String("gardenpub.run_id", run))
		logger = logger.With("run_id", run)
	}
	logger = logger.With("sys", b.sys, "key", key)
	logger.Trace("storage." + op + ".begin")

	return ctx, span, logger, func(err error) {
		elapsed := time.Since(begin)
		span.SetAttributes(attribute.Int64("gardenpub.storage.duration_ms", elapsed.Milliseconds()))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "storage_error")
			logger.Debug("storage."+op+".error", "error", err, "elapsed", elapsed)
			return
		}
		span.SetStatus(codes.Ok, "")
		logger.Debug("storage."+op+".success", "elapsed", elapsed)
	}
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	ctx, span, logger, finish := b.start(ctx, "list_objects", opts.Prefix)
	defer span.End()

	span.SetAttributes(
		attribute.String("gardenpub.storage.start_after", opts.StartAfter),
		attribute.Int("gardenpub.storage.limit", opts.Limit),
	)
	result, err := b.inner.ListObjects(ctx, opts)
	if err == nil && result != nil {
		span.SetAttributes(
			attribute.Int("gardenpub.storage.object_count", len(result.Objects)),
			attribute.Bool("gardenpub.storage.truncated", result.Truncated),
		)
		logger.Trace("storage.list_objects.page", "count", len(result.Objects), "truncated", result.Truncated)
	}
	finish(err)
	return result, err
}

func (b *backend) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	ctx, span, logger, finish := b.start(ctx, "get_object", key)
	defer span.End()

	result, err := b.inner.GetObject(ctx, key)
	if err == nil && result.Info != nil {
		span.SetAttributes(attribute.Int64("gardenpub.storage.object_size", result.Info.Size))
		logger.Trace("storage.get_object.info", "etag", result.Info.ETag, "size", result.Info.Size)
	}
	finish(err)
	return result, err
}

func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, logger, finish := b.start(ctx, "put_object", key)
	defer span.End()

	span.SetAttributes(
		attribute.Bool("gardenpub.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("gardenpub.storage.if_not_exists", opts.IfNotExists),
	)
	logger.Trace("storage.put_object.options",
		"expected_etag", opts.ExpectedETag,
		"if_not_exists", opts.IfNotExists,
		"content_type", opts.ContentType,
	)
	info, err := b.inner.PutObject(ctx, key, body, opts)
	if err == nil && info != nil {
		logger.Trace("storage.put_object.info", "etag", info.ETag, "size", info.Size)
	}
	finish(err)
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	ctx, span, _, finish := b.start(ctx, "delete_object", key)
	defer span.End()

	span.SetAttributes(
		attribute.Bool("gardenpub.storage.expected_etag", opts.ExpectedETag != ""),
		attribute.Bool("gardenpub.storage.ignore_not_found", opts.IgnoreNotFound),
	)
	err := b.inner.DeleteObject(ctx, key, opts)
	finish(err)
	return err
}

func (b *backend) Close() error {
	_, span, _, finish := b.start(context.Background(), "close", "")
	defer span.End()

	err := b.inner.Close()
	finish(err)
	return err
}

func (c *copyingBackend) CopyObject(ctx context.Context, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	ctx, span, logger, finish := c.start(ctx, "copy_object", dstKey)
	defer span.End()

	span.SetAttributes(attribute.String("gardenpub.storage.source_key", srcKey))
	logger.Trace("storage.copy_object.source", "source", srcKey)
	info, err := c.copier.CopyObject(ctx, srcKey, dstKey, opts)
	finish(err)
	return info, err
}
