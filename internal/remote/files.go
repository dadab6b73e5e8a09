package remote

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// listPageSize is the page size requested from the listing endpoint.
const listPageSize = 1000

// GetFileInfo fetches current metadata for the file at uri.
// Returns an error wrapping ErrNotFound when the path does not exist.
func (c *Client) GetFileInfo(ctx context.Context, uri string) (*FileInfo, error) {
	c.logger.Debug("getting file info", slog.String("uri", uri))

	path := "/api/v4/file/info?uri=" + url.QueryEscape(uri)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var fir fileInfoResponse
	if err := decode(resp, &fir, &fir.envelope); err != nil {
		return nil, err
	}

	return &fir.Data, nil
}

// List returns one page of the directory at uri. Pass an empty token for
// the first page; the returned Listing.NextToken drives pagination.
func (c *Client) List(ctx context.Context, uri, token string) (*Listing, error) {
	c.logger.Debug("listing directory",
		slog.String("uri", uri),
		slog.Bool("continuation", token != ""),
	)

	path := "/api/v4/file/list?uri=" + url.QueryEscape(uri) +
		"&page_size=" + strconv.Itoa(listPageSize)
	if token != "" {
		path += "&next_token=" + url.QueryEscape(token)
	}

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}

	var lr listResponse
	if err := decode(resp, &lr, &lr.envelope); err != nil {
		return nil, err
	}

	return &lr.Data, nil
}

// ListAll walks every page of the directory at uri and returns the
// concatenated entries.
func (c *Client) ListAll(ctx context.Context, uri string) ([]FileInfo, error) {
	var (
		files []FileInfo
		token string
	)

	for {
		page, err := c.List(ctx, uri, token)
		if err != nil {
			return nil, err
		}

		files = append(files, page.Files...)

		if page.NextToken == "" {
			return files, nil
		}

		token = page.NextToken
	}
}

// GetCapacity fetches the drive's storage usage.
func (c *Client) GetCapacity(ctx context.Context) (*Capacity, error) {
	c.logger.Debug("getting capacity")

	resp, err := c.do(ctx, http.MethodGet, "/api/v4/user/capacity", nil)
	if err != nil {
		return nil, err
	}

	var cr capacityResponse
	if err := decode(resp, &cr, &cr.envelope); err != nil {
		return nil, err
	}

	return &cr.Data, nil
}

// GetStoragePolicy fetches the drive's active storage policy.
func (c *Client) GetStoragePolicy(ctx context.Context) (*StoragePolicy, error) {
	c.logger.Debug("getting storage policy")

	resp, err := c.do(ctx, http.MethodGet, "/api/v4/user/policy", nil)
	if err != nil {
		return nil, err
	}

	var pr policyResponse
	if err := decode(resp, &pr, &pr.envelope); err != nil {
		return nil, err
	}

	return &pr.Data, nil
}

// DeleteFile removes the remote file at uri.
func (c *Client) DeleteFile(ctx context.Context, uri string) error {
	c.logger.Info("deleting remote file", slog.String("uri", uri))

	path := "/api/v4/file?uri=" + url.QueryEscape(uri)

	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}

	var env struct{ envelope }
	return decode(resp, &env, &env.envelope)
}
