package publish

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
)

// Environment variables holding Azure credentials. A SAS token is used when
// set, otherwise the shared account key.
const (
	EnvAzureSASToken   = "AZURE_STORAGE_SAS_TOKEN"
	EnvAzureAccountKey = "AZURE_STORAGE_KEY"
)

// AzureCredentials authenticate against one storage account.
type AzureCredentials struct {
	SASToken   string
	AccountKey string
}

// AzureUploader uploads blobs into one container.
type AzureUploader struct {
	client    *azblob.Client
	container string
}

// NewAzureUploader creates a client for account and container.
func NewAzureUploader(account, container string, creds AzureCredentials, httpClient *nethttp.Client) (*AzureUploader, error) {
	opts := &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Transport: httpClient,
			// retries happen in the transport
			Retry: policy.RetryOptions{MaxRetries: -1},
		},
	}
	serviceURL := fmt.Sprintf("https://%s.blob.core.windows.net/", account)

	var client *azblob.Client
	var err error
	switch {
	case creds.SASToken != "":
		client, err = azblob.NewClientWithNoCredential(serviceURL+"?"+strings.TrimPrefix(creds.SASToken, "?"), opts)
	case creds.AccountKey != "":
		var cred *azblob.SharedKeyCredential
		cred, err = azblob.NewSharedKeyCredential(account, creds.AccountKey)
		if err != nil {
			return nil, fmt.Errorf("invalid Azure account key: %w", err)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(serviceURL, cred, opts)
	default:
		return nil, fmt.Errorf("azure publish needs %s or %s", EnvAzureSASToken, EnvAzureAccountKey)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create Azure client: %w", err)
	}
	return &AzureUploader{client: client, container: container}, nil
}

// Upload writes body to the blob named key.
func (u *AzureUploader) Upload(ctx context.Context, key string, body io.ReadSeeker, _ int64) error {
	if _, err := u.client.UploadStream(ctx, u.container, key, body, nil); err != nil {
		return fmt.Errorf("failed to upload %s/%s: %w", u.container, key, err)
	}
	return nil
}
