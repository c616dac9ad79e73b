package transport

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"github.com/Azure/azure-storage-blob-go/azblob"

	"zfs-rotate/internal/config"
	appErrors "zfs-rotate/internal/errors"
)

const (
	azureBlockSize  = 4 * 1024 * 1024
	azureMaxBuffers = 4
)

// AzureUploader archives streams to an Azure Blob Storage container
type AzureUploader struct {
	containerURL  azblob.ContainerURL
	containerName string
}

// NewAzureUploader creates an uploader for cfg using shared key credentials
func NewAzureUploader(cfg config.AzureConfig) (*AzureUploader, error) {
	if cfg.AccountName == "" || cfg.AccountKey == "" || cfg.ContainerName == "" {
		return nil, appErrors.NewConfigurationError("Azure account name, account key and container name are required", nil)
	}

	credential, err := azblob.NewSharedKeyCredential(cfg.AccountName, cfg.AccountKey)
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to create Azure credentials", err)
	}

	pipeline := azblob.NewPipeline(credential, azblob.PipelineOptions{})

	serviceURL, err := url.Parse(fmt.Sprintf("https://%s.blob.core.windows.net", cfg.AccountName))
	if err != nil {
		return nil, appErrors.NewConfigurationError("failed to parse Azure service URL", err)
	}

	return &AzureUploader{
		containerURL:  azblob.NewServiceURL(*serviceURL, pipeline).NewContainerURL(cfg.ContainerName),
		containerName: cfg.ContainerName,
	}, nil
}

// Name implements Uploader
func (u *AzureUploader) Name() string {
	return config.TransportAzure
}

// Location implements Uploader
func (u *AzureUploader) Location(key string) string {
	return fmt.Sprintf("azure://%s/%s", u.containerName, key)
}

// Upload implements Uploader
func (u *AzureUploader) Upload(ctx context.Context, key string, body io.Reader) error {
	blobURL := u.containerURL.NewBlockBlobURL(key)
	_, err := azblob.UploadStreamToBlockBlob(ctx, body, blobURL, azblob.UploadStreamToBlockBlobOptions{
		BufferSize: azureBlockSize,
		MaxBuffers: azureMaxBuffers,
		BlobHTTPHeaders: azblob.BlobHTTPHeaders{
			ContentType: "application/octet-stream",
		},
	})
	if err != nil {
		return appErrors.NewTransportError("failed to upload snapshot stream to Azure", err).
			WithContext("container", u.containerName).
			WithContext("key", key)
	}
	return nil
}
