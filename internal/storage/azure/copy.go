package azure

import (
	"context"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/gardenpub/internal/storage"
)

// CopyObject performs a server-side copy within the container.
func (s *Store) CopyObject(ctx context.Context, srcKey, dstKey string, opts storage.CopyObjectOptions) (*storage.ObjectInfo, error) {
	srcBlob, err := s.blobName(srcKey)
	if err != nil {
		return nil, err
	}
	dstBlob, err := s.blobName(dstKey)
	if err != nil {
		return nil, err
	}
	container := s.client.ServiceClient().NewContainerClient(s.container)
	srcURL := container.NewBlobClient(srcBlob).URL()
	dstClient := container.NewBlobClient(dstBlob)

	copyOpts := &blob.CopyFromURLOptions{}
	if cond := accessConditions(opts.ExpectedETag, opts.IfNotExists); cond != nil {
		copyOpts.BlobAccessConditions = &blob.AccessConditions{ModifiedAccessConditions: cond}
	}

	resp, err := dstClient.CopyFromURL(ctx, srcURL, copyOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, storage.ErrCASMismatch
		}
		if isNotFound(err) {
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "azure: copy object")
	}
	if resp.ETag == nil {
		return nil, fmt.Errorf("azure: copy object missing etag")
	}
	out := &storage.ObjectInfo{
		Key:          dstKey,
		ETag:         string(*resp.ETag),
		LastModified: time.Now().UTC(),
	}
	if resp.LastModified != nil {
		out.LastModified = resp.LastModified.UTC()
	}
	return out, nil
}
