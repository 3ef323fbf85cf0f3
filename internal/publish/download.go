package publish

import (
	"context"
	"errors"

	"pkt.systems/gardenpub/internal/catalog"
	"pkt.systems/gardenpub/internal/storage"
	"pkt.systems/gardenpub/internal/svcfields"
)

// Download is the published catalog as fetched, without locking.
type Download struct {
	Key      string
	Data     []byte
	Checksum string
	// Absent is set when nothing is published yet; Data is then an empty
	// catalog.
	Absent bool
}

// Download fetches the published catalog bytes verbatim.
func (p *Publisher) Download(ctx context.Context, stage, family string) (*Download, error) {
	if err := checkTarget(stage, family); err != nil {
		return nil, newError(KindInvalid, StateIdle, err)
	}
	doc, err := p.remote.Read(ctx, stage, family)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, newError(KindStoreIO, StateIdle, err)
		}
		key := p.remote.Layout().CatalogKey(stage, family)
		svcfields.WithTarget(p.logger, stage, family).Warn("publish.download.absent", "key", key)
		data, _ := catalog.Encode(nil)
		return &Download{Key: key, Data: data, Checksum: catalog.Checksum(data), Absent: true}, nil
	}
	return &Download{Key: doc.Key, Data: doc.Data, Checksum: doc.Checksum}, nil
}

// Published downloads and decodes the published catalog.
func (p *Publisher) Published(ctx context.Context, stage, family string) (catalog.Catalog, *Download, error) {
	dl, err := p.Download(ctx, stage, family)
	if err != nil {
		return nil, nil, err
	}
	c, err := catalog.Decode(dl.Data)
	if err != nil {
		return nil, dl, newError(KindInvalid, StateIdle, err)
	}
	return c, dl, nil
}
