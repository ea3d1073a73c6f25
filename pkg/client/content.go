package client

import (
	"context"
	"io"
	"net/url"
)

// UploadContent streams an archive of requested file content
func (c *Client) UploadContent(ctx context.Context, meta ContentUpload, archive io.Reader) (*ContentReceipt, error) {
	headers := map[string]string{
		HeaderResourceID: meta.ResourceID,
		HeaderAlgorithm:  meta.Algorithm,
	}
	if meta.RequestID != "" {
		headers[HeaderRequestID] = meta.RequestID
	}
	if meta.Compression != "" {
		headers[HeaderCompression] = meta.Compression
	}

	var receipt ContentReceipt
	path := "/api/v1/resources/" + url.PathEscape(meta.ResourceID) + "/content"
	if err := c.doUpload(ctx, path, archive, headers, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}
