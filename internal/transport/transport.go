// Package transport moves snapshot send streams to their destination: a
// remote host over SSH, the local pool, or an object store archive.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"zfs-rotate/internal/config"
	appErrors "zfs-rotate/internal/errors"
	"zfs-rotate/internal/logging"
	"zfs-rotate/internal/snapshot"
	"zfs-rotate/internal/zfs"
)

// TransferRequest asks a transport to copy Dataset@Label to the destination
type TransferRequest struct {
	Dataset            string
	Label              string
	DestinationDataset string
	DestinationHost    string
	DestinationUser    string
	// BaseLabel selects an incremental delta from Dataset@BaseLabel; empty sends a full stream
	BaseLabel string
	Recursive bool
}

// Incremental reports whether the request carries a base
func (r TransferRequest) Incremental() bool {
	return r.BaseLabel != ""
}

// SnapshotName returns the full name of the snapshot being sent
func (r TransferRequest) SnapshotName() string {
	return snapshot.Name(r.Dataset, r.Label)
}

// BaseName returns the full name of the base snapshot, empty for full streams
func (r TransferRequest) BaseName() string {
	if r.BaseLabel == "" {
		return ""
	}
	return snapshot.Name(r.Dataset, r.BaseLabel)
}

func (r TransferRequest) sendRequest() zfs.SendRequest {
	return zfs.SendRequest{
		Dataset:   r.Dataset,
		Label:     r.Label,
		BaseLabel: r.BaseLabel,
		Recursive: r.Recursive,
	}
}

// Transport copies a snapshot to a destination
type Transport interface {
	Name() string
	Transfer(ctx context.Context, req TransferRequest) error
}

// Source produces send streams. Closing a stream reports the sender's failure.
type Source interface {
	Send(ctx context.Context, req zfs.SendRequest) (io.ReadCloser, error)
}

// Receiver applies a send stream to a local dataset
type Receiver interface {
	Receive(ctx context.Context, stream io.Reader, dataset string, recursive bool) error
}

// sink consumes a (possibly compressed) stream
type sink func(ctx context.Context, body io.Reader) error

// stream runs source → compression → consume and reports the first failure.
// A consumer failure is reported before a sender failure since the sender
// usually fails as a consequence of the closed pipe.
func stream(ctx context.Context, source Source, compression Compression, req TransferRequest, consume sink, logger *logging.Logger, destination string) error {
	start := time.Now()

	send, err := source.Send(ctx, req.sendRequest())
	if err != nil {
		logger.LogTransfer(ctx, req.SnapshotName(), req.BaseName(), destination, time.Since(start), err)
		return transferError("failed to start send stream", req, destination, err)
	}

	body := compression.Wrap(&checkedStream{ReadCloser: send})
	consumeErr := consume(ctx, body)
	body.Close()
	sendErr := send.Close()

	err = consumeErr
	if err == nil && sendErr != nil {
		err = sendErr
	}
	logger.LogTransfer(ctx, req.SnapshotName(), req.BaseName(), destination, time.Since(start), err)

	switch {
	case consumeErr != nil:
		return transferError("transfer failed", req, destination, consumeErr)
	case sendErr != nil:
		return transferError("send stream failed", req, destination, sendErr)
	}
	return nil
}

// checkedStream surfaces the sender's exit status at end of stream, so a
// sender that dies early fails the consumer instead of looking like a short
// but complete stream.
type checkedStream struct {
	io.ReadCloser
}

func (c *checkedStream) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if err == io.EOF {
		if cerr := c.ReadCloser.Close(); cerr != nil {
			return n, cerr
		}
	}
	return n, err
}

// transferError wraps err as a transport failure unless it is an interruption
// or already typed.
func transferError(message string, req TransferRequest, destination string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var appErr *appErrors.AppError
	if errors.As(err, &appErr) && appErr.Type == appErrors.ErrorTypeTransport {
		return appErr.WithContext("snapshot", req.SnapshotName()).WithContext("destination", destination)
	}

	wrapped := appErrors.NewTransportError(message, err).
		WithContext("snapshot", req.SnapshotName()).
		WithContext("destination", destination)
	if req.Incremental() {
		wrapped.WithContext("base", req.BaseName())
	}
	if stderr := zfs.StderrOf(err); stderr != "" {
		wrapped.WithContext("stderr", stderr)
	}
	return wrapped
}

// New builds the transport selected by cfg. The returned closer releases
// client resources and is never nil.
func New(ctx context.Context, cfg *config.Config, store *zfs.Store, logger *logging.Logger) (Transport, io.Closer, error) {
	compression, err := NewCompression(cfg.Transport.Compression)
	if err != nil {
		return nil, nopCloser{}, appErrors.NewConfigurationError("invalid compression settings", err)
	}

	switch cfg.Transport.Type {
	case "", config.TransportSSH:
		return NewSSHTransport(store, cfg.Transport.SSH, compression, logger), nopCloser{}, nil
	case config.TransportLocal:
		return NewLocalTransport(store, store, logger), nopCloser{}, nil
	case config.TransportS3:
		uploader, err := NewS3Uploader(cfg.Transport.S3)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return NewArchiveTransport(store, uploader, cfg.Transport.S3.Prefix, compression, logger), nopCloser{}, nil
	case config.TransportGCS:
		uploader, err := NewGCSUploader(ctx, cfg.Transport.GCS)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return NewArchiveTransport(store, uploader, cfg.Transport.GCS.Prefix, compression, logger), uploader, nil
	case config.TransportAzure:
		uploader, err := NewAzureUploader(cfg.Transport.Azure)
		if err != nil {
			return nil, nopCloser{}, err
		}
		return NewArchiveTransport(store, uploader, cfg.Transport.Azure.Prefix, compression, logger), nopCloser{}, nil
	default:
		return nil, nopCloser{}, appErrors.NewConfigurationError(
			fmt.Sprintf("unsupported transport type: %s", cfg.Transport.Type), nil)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
