package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// CreateSession asks the server for a resumable transfer session for the
// file at uri. The returned TransferSession carries the chunk size and the
// opaque credential the executor must present with every chunk.
func (c *Client) CreateSession(
	ctx context.Context, uri string, size int64, mtime time.Time,
) (*TransferSession, error) {
	c.logger.Info("creating transfer session",
		slog.String("uri", uri),
		slog.Int64("size", size),
	)

	reqBody, err := json.Marshal(createSessionRequest{
		URI:       uri,
		Size:      size,
		LastMod:   mtime.Unix(),
		Overwrite: true,
	})
	if err != nil {
		return nil, fmt.Errorf("remote: marshaling session request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPut, "/api/v4/file/upload", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	var csr createSessionResponse
	if err := decode(resp, &csr, &csr.envelope); err != nil {
		return nil, err
	}

	session := &TransferSession{
		Credential: UploadCredential{
			SessionID:  csr.Data.SessionID,
			UploadURL:  csr.Data.UploadURL,
			Credential: csr.Data.Credential,
		},
		ChunkSize:  csr.Data.ChunkSize,
		PolicyType: csr.Data.PolicyType,
		Encrypt:    csr.Data.Encrypt,
		ExpiresAt:  time.Unix(csr.Data.Expires, 0),
	}

	c.logger.Debug("transfer session created",
		slog.String("session_id", session.Credential.SessionID),
		slog.Int64("chunk_size", session.ChunkSize),
		slog.Time("expires", session.ExpiresAt),
	)

	return session, nil
}

// UploadChunk sends one chunk to the session's upload URL and returns the
// etag the backing store acknowledged it with (may be empty for providers
// that do not etag chunks). index is zero-based; length is the chunk's
// byte count.
func (c *Client) UploadChunk(
	ctx context.Context, cred *UploadCredential, index int, chunk io.Reader, length int64,
) (string, error) {
	c.logger.Debug("uploading chunk",
		slog.String("session_id", cred.SessionID),
		slog.Int("index", index),
		slog.Int64("length", length),
	)

	u := cred.UploadURL + "?chunk=" + strconv.Itoa(index)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, chunk)
	if err != nil {
		return "", fmt.Errorf("remote: creating chunk request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+cred.Credential)
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", userAgent)
	req.ContentLength = length

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("remote: chunk upload request failed: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message
		resp.Body.Close()

		return "", httpError(resp.StatusCode, body)
	}

	var cr chunkResponse
	if err := decode(resp, &cr, &cr.envelope); err != nil {
		return "", err
	}

	return cr.Data.ETag, nil
}

// Finalize completes the session: the server assembles acknowledged chunks
// into the remote file and returns its metadata. baseETag is the remote
// fingerprint observed when the transfer was planned; the server answers
// with a stale-version code when the remote changed in the meantime.
func (c *Client) Finalize(ctx context.Context, cred *UploadCredential, baseETag string) (*FileInfo, error) {
	c.logger.Info("finalizing transfer session",
		slog.String("session_id", cred.SessionID),
	)

	reqBody, err := json.Marshal(finalizeRequest{
		SessionID: cred.SessionID,
		ETag:      baseETag,
	})
	if err != nil {
		return nil, fmt.Errorf("remote: marshaling finalize request: %w", err)
	}

	resp, err := c.do(ctx, http.MethodPost, "/api/v4/file/upload/finish", bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}

	var fr finalizeResponse
	if err := decode(resp, &fr, &fr.envelope); err != nil {
		return nil, err
	}

	return &fr.Data, nil
}

// DeleteSession cancels an in-progress session, releasing the server-side
// reservation. Safe to call on an already-expired session.
func (c *Client) DeleteSession(ctx context.Context, cred *UploadCredential) error {
	c.logger.Info("deleting transfer session",
		slog.String("session_id", cred.SessionID),
	)

	resp, err := c.do(ctx, http.MethodDelete,
		"/api/v4/file/upload/"+url.PathEscape(cred.SessionID), http.NoBody)
	if err != nil {
		return err
	}

	var env struct{ envelope }
	return decode(resp, &env, &env.envelope)
}

// DownloadRange fetches the byte range [offset, offset+length) of the file
// at uri and writes it to w. Returns the number of bytes copied.
func (c *Client) DownloadRange(
	ctx context.Context, uri string, offset, length int64, w io.Writer,
) (int64, error) {
	c.logger.Debug("downloading range",
		slog.String("uri", uri),
		slog.Int64("offset", offset),
		slog.Int64("length", length),
	)

	path := "/api/v4/file/content?uri=" + url.QueryEscape(uri)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return 0, fmt.Errorf("remote: creating download request: %w", err)
	}

	tok, err := c.creds.Token()
	if err != nil {
		return 0, fmt.Errorf("remote: obtaining credential: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("remote: download request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		body, _ := io.ReadAll(resp.Body) //nolint:errcheck // best-effort read for error message
		return 0, httpError(resp.StatusCode, body)
	}

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("remote: reading download body: %w", err)
	}

	return n, nil
}
