package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"

	"3tcapital/auditharvest/internal/infrastructure/config"
)

// sdkClient adapts azblob.Client to BlobAPI.
type sdkClient struct {
	client *azblob.Client
}

func newSDKClient(cfg config.AzureSettings, httpClient *http.Client) (*sdkClient, error) {
	opts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: httpClient}}

	if cfg.ConnectionString != "" {
		client, err := azblob.NewClientFromConnectionString(cfg.ConnectionString, opts)
		if err != nil {
			return nil, fmt.Errorf("blob client from connection string: %w", err)
		}
		return &sdkClient{client: client}, nil
	}
	if cfg.AccountURL == "" {
		return nil, errors.New("connection string or account URL is required")
	}

	cred, err := azidentity.NewDefaultAzureCredential(&azidentity.DefaultAzureCredentialOptions{
		ClientOptions: azcore.ClientOptions{Transport: httpClient},
	})
	if err != nil {
		return nil, fmt.Errorf("default azure credential: %w", err)
	}
	client, err := azblob.NewClient(cfg.AccountURL, cred, opts)
	if err != nil {
		return nil, fmt.Errorf("blob client for %s: %w", cfg.AccountURL, err)
	}
	return &sdkClient{client: client}, nil
}

func (c *sdkClient) ListContainers(ctx context.Context) ([]string, error) {
	var names []string
	pager := c.client.NewListContainersPager(nil)
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, item := range resp.ContainerItems {
			if item != nil && item.Name != nil {
				names = append(names, *item.Name)
			}
		}
	}
	return names, nil
}

// ListBlobs fetches the single listing segment that starts at marker.
func (c *sdkClient) ListBlobs(ctx context.Context, container string, marker *string, maxResults int) (BlobPage, error) {
	size := int32(maxResults)
	pager := c.client.NewListBlobsFlatPager(container, &azblob.ListBlobsFlatOptions{
		Marker:     marker,
		MaxResults: &size,
	})
	resp, err := pager.NextPage(ctx)
	if err != nil {
		return BlobPage{}, err
	}

	var page BlobPage
	if resp.Segment != nil {
		for _, item := range resp.Segment.BlobItems {
			if item == nil || item.Name == nil {
				continue
			}
			blob := Blob{Name: *item.Name}
			if item.Properties != nil && item.Properties.LastModified != nil {
				blob.LastModified = *item.Properties.LastModified
			}
			page.Blobs = append(page.Blobs, blob)
		}
	}
	if resp.NextMarker != nil && *resp.NextMarker != "" {
		page.NextMarker = resp.NextMarker
	}
	return page, nil
}

func (c *sdkClient) Download(ctx context.Context, container, blob string) ([]byte, error) {
	resp, err := c.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}
