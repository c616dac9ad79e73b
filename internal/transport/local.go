package transport

import (
	"context"
	"io"

	"zfs-rotate/internal/config"
	"zfs-rotate/internal/logging"
)

// LocalTransport pipes the send stream into zfs receive on the same host
type LocalTransport struct {
	source   Source
	receiver Receiver
	logger   *logging.Logger
}

// NewLocalTransport creates a transport that receives into a local pool
func NewLocalTransport(source Source, receiver Receiver, logger *logging.Logger) *LocalTransport {
	return &LocalTransport{
		source:   source,
		receiver: receiver,
		logger:   logger,
	}
}

// Name implements Transport
func (t *LocalTransport) Name() string {
	return config.TransportLocal
}

// Transfer implements Transport. Destination host and user are ignored.
func (t *LocalTransport) Transfer(ctx context.Context, req TransferRequest) error {
	consume := func(ctx context.Context, body io.Reader) error {
		return t.receiver.Receive(ctx, body, req.DestinationDataset, req.Recursive)
	}
	return stream(ctx, t.source, Compression{}, req, consume, t.logger, req.DestinationDataset)
}
