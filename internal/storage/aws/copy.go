package aws

import (
	"context"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/pslog"
)

// CopyObject performs a server-side copy within the bucket.
func (s *Store) CopyObject(ctx context.Context, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	logger := pslog.LoggerFromContext(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	srcObject := s.withPrefix(srcKey)
	dstObject := s.withPrefix(dstKey)

	if opts.ExpectedETag != "" || opts.IfNotExists {
		stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(dstObject)})
		switch {
		case err == nil:
			if opts.IfNotExists {
				return nil, storage.ErrCASMismatch
			}
			if stripETag(aws.ToString(stat.ETag)) != opts.ExpectedETag {
				return nil, storage.ErrCASMismatch
			}
		case !isNotFound(err):
			return nil, s.wrapError(err, "aws: copy object stat dest")
		case opts.ExpectedETag != "":
			return nil, storage.ErrNotFound
		}
	}

	logger.Trace("aws.copy_object.begin",
		"src_key", srcKey,
		"dst_key", dstKey,
		"src_object", srcObject,
		"dst_object", dstObject,
	)
	input := &s3.CopyObjectInput{
		Bucket:     aws.String(s.cfg.Bucket),
		Key:        aws.String(dstObject),
		CopySource: aws.String(url.PathEscape(s.cfg.Bucket + "/" + srcObject)),
	}
	applySSEToCopy(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)

	out, err := s.client.CopyObject(ctx, input)
	if err != nil {
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		logger.Debug("aws.copy_object.copy_error", "src_key", srcKey, "dst_key", dstKey, "error", err)
		return nil, s.wrapError(err, "aws: copy object")
	}
	etag := ""
	if out.CopyObjectResult != nil {
		etag = stripETag(aws.ToString(out.CopyObjectResult.ETag))
	}
	stat, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(dstObject)})
	if err != nil {
		return &storage.ObjectInfo{
			Key:          dstKey,
			ETag:         etag,
			LastModified: time.Now().UTC(),
		}, nil
	}
	logger.Debug("aws.copy_object.success", "src_key", srcKey, "dst_key", dstKey, "etag", stripETag(aws.ToString(stat.ETag)))
	return &storage.ObjectInfo{
		Key:          dstKey,
		ETag:         stripETag(aws.ToString(stat.ETag)),
		Size:         aws.ToInt64(stat.ContentLength),
		LastModified: aws.ToTime(stat.LastModified),
		ContentType:  aws.ToString(stat.ContentType),
	}, nil
}
