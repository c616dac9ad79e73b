package transport

import (
	"context"
	"io"
	"path"
	"strings"

	"zfs-rotate/internal/logging"
)

// Uploader stores one object read from a stream
type Uploader interface {
	Name() string
	// Location renders key as a URL for logs, e.g. s3://bucket/key
	Location(key string) string
	Upload(ctx context.Context, key string, body io.Reader) error
}

// ArchiveTransport writes send streams as objects instead of receiving them
// into a live pool
type ArchiveTransport struct {
	source      Source
	uploader    Uploader
	prefix      string
	compression Compression
	logger      *logging.Logger
}

// NewArchiveTransport creates a transport that archives streams with uploader
func NewArchiveTransport(source Source, uploader Uploader, prefix string, compression Compression, logger *logging.Logger) *ArchiveTransport {
	return &ArchiveTransport{
		source:      source,
		uploader:    uploader,
		prefix:      prefix,
		compression: compression,
		logger:      logger,
	}
}

// Name implements Transport
func (t *ArchiveTransport) Name() string {
	return t.uploader.Name()
}

// Transfer implements Transport
func (t *ArchiveTransport) Transfer(ctx context.Context, req TransferRequest) error {
	key := ObjectKey(t.prefix, req, t.compression.Extension())
	consume := func(ctx context.Context, body io.Reader) error {
		return t.uploader.Upload(ctx, key, body)
	}
	return stream(ctx, t.source, t.compression, req, consume, t.logger, t.uploader.Location(key))
}

// ObjectKey names the archived stream for req:
// <prefix>/<destination>/<label>.zfs<ext> for full streams and
// <prefix>/<destination>/<base>_<label>.zfs<ext> for incrementals.
func ObjectKey(prefix string, req TransferRequest, ext string) string {
	name := req.Label + ".zfs" + ext
	if req.Incremental() {
		name = req.BaseLabel + "_" + name
	}
	return strings.TrimPrefix(path.Join(prefix, req.DestinationDataset, name), "/")
}
