package s3

import (
	"context"
	"time"

	"github.com/minio/minio-go/v7"

	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/pslog"
)

// CopyObject performs a server-side copy within the bucket.
func (s *Store) CopyObject(ctx context.Context, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	logger := pslog.LoggerFromContext(ctx)
	srcObject := s.withPrefix(srcKey)
	dstObject := s.withPrefix(dstKey)

	if opts.ExpectedETag != "" || opts.IfNotExists {
		info, err := s.client.StatObject(ctx, s.cfg.Bucket, dstObject, minio.StatObjectOptions{})
		switch {
		case err == nil:
			if opts.IfNotExists {
				return nil, storage.ErrCASMismatch
			}
			if stripETag(info.ETag) != opts.ExpectedETag {
				return nil, storage.ErrCASMismatch
			}
		case !isNotFound(err):
			return nil, s.wrapError(err, "s3: copy object stat dest")
		case opts.ExpectedETag != "":
			return nil, storage.ErrNotFound
		}
	}

	logger.Trace("s3.copy_object.begin",
		"src_key", srcKey,
		"dst_key", dstKey,
		"src_object", srcObject,
		"dst_object", dstObject,
	)
	srcOpts := minio.CopySrcOptions{Bucket: s.cfg.Bucket, Object: srcObject}
	dstOpts := minio.CopyDestOptions{Bucket: s.cfg.Bucket, Object: dstObject}
	info, err := s.client.CopyObject(ctx, dstOpts, srcOpts)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		logger.Debug("s3.copy_object.copy_error", "src_key", srcKey, "dst_key", dstKey, "error", err)
		return nil, s.wrapError(err, "s3: copy object")
	}
	meta, err := s.client.StatObject(ctx, s.cfg.Bucket, dstObject, minio.StatObjectOptions{})
	if err != nil {
		return &storage.ObjectInfo{
			Key:          dstKey,
			ETag:         stripETag(info.ETag),
			LastModified: time.Now().UTC(),
		}, nil
	}
	logger.Debug("s3.copy_object.success", "src_key", srcKey, "dst_key", dstKey, "etag", stripETag(meta.ETag))
	return &storage.ObjectInfo{
		Key:          dstKey,
		ETag:         stripETag(meta.ETag),
		Size:         meta.Size,
		LastModified: meta.LastModified,
		ContentType:  meta.ContentType,
	}, nil
}
