package client

import (
	"context"
	"io"
	"strconv"
)

// UploadChangeSet streams a change-set archive to the collector
func (c *Client) UploadChangeSet(ctx context.Context, meta ChangeSetUpload, archive io.Reader) (*UploadReceipt, error) {
	headers := map[string]string{
		HeaderResourceID: meta.ResourceID,
		HeaderDefinition: meta.Definition,
		HeaderVersion:    strconv.Itoa(meta.Version),
		HeaderCategory:   meta.Category,
		HeaderMode:       meta.Mode,
		HeaderPinned:     strconv.FormatBool(meta.Pinned),
		HeaderAlgorithm:  meta.Algorithm,
	}
	if meta.RequestID != "" {
		headers[HeaderRequestID] = meta.RequestID
	}
	if meta.Compression != "" {
		headers[HeaderCompression] = meta.Compression
	}

	var receipt UploadReceipt
	if err := c.doUpload(ctx, "/api/v1/changesets", archive, headers, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}
