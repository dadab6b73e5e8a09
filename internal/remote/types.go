package remote

import "time"

// envelope is the JSON wrapper around every API response.
type envelope struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// FileInfo describes one remote file or folder as returned by the listing
// and file info endpoints.
type FileInfo struct {
	URI       string            `json:"uri"`
	Name      string            `json:"name"`
	IsFolder  bool              `json:"is_folder"`
	Size      int64             `json:"size"`
	ETag      string            `json:"etag"`
	UpdatedAt time.Time         `json:"updated_at"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Listing is one page of directory contents.
type Listing struct {
	Files []FileInfo `json:"files"`
	// NextToken is non-empty when more pages remain.
	NextToken string `json:"next_token"`
}

// EncryptMetadata carries the per-file encryption parameters issued by the
// server when the storage policy requires client-side encryption. Both
// fields are base64-encoded.
type EncryptMetadata struct {
	Key string `json:"key"`
	IV  string `json:"iv"`
}

// UploadCredential is the opaque per-session credential returned by the
// create-session endpoint. It is persisted verbatim with the transfer
// session so a resumed upload can keep talking to the same backing store.
type UploadCredential struct {
	SessionID  string `json:"session_id"`
	UploadURL  string `json:"upload_url"`
	Credential string `json:"credential"`
}

// TransferSession is the server's answer to a create-session request:
// everything the executor needs to chunk and send one file.
type TransferSession struct {
	Credential UploadCredential
	ChunkSize  int64
	PolicyType string
	Encrypt    *EncryptMetadata
	ExpiresAt  time.Time
}

// Capacity is the drive's storage usage snapshot.
type Capacity struct {
	Used  int64 `json:"used"`
	Total int64 `json:"total"`
}

// StoragePolicy describes the drive's active storage policy.
type StoragePolicy struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	MaxFileSize int64  `json:"max_size"`
	ChunkSize   int64  `json:"chunk_size"`
	Encrypted   bool   `json:"encrypted"`
}

// --- wire shapes ---

type createSessionRequest struct {
	URI       string `json:"uri"`
	Size      int64  `json:"size"`
	LastMod   int64  `json:"last_modified"`
	Overwrite bool   `json:"overwrite"`
}

type createSessionResponse struct {
	envelope
	Data struct {
		SessionID  string           `json:"session_id"`
		UploadURL  string           `json:"upload_url"`
		Credential string           `json:"credential"`
		ChunkSize  int64            `json:"chunk_size"`
		PolicyType string           `json:"policy_type"`
		Encrypt    *EncryptMetadata `json:"encrypt,omitempty"`
		Expires    int64            `json:"expires"`
	} `json:"data"`
}

type chunkResponse struct {
	envelope
	Data struct {
		ETag string `json:"etag"`
	} `json:"data"`
}

type finalizeRequest struct {
	SessionID string `json:"session_id"`
	// ETag is the fingerprint the client believes the remote file had when
	// the transfer started. The server rejects the finalize with a
	// stale-version code when the remote changed underneath.
	ETag string `json:"etag,omitempty"`
}

type finalizeResponse struct {
	envelope
	Data FileInfo `json:"data"`
}

type fileInfoResponse struct {
	envelope
	Data FileInfo `json:"data"`
}

type listResponse struct {
	envelope
	Data Listing `json:"data"`
}

type capacityResponse struct {
	envelope
	Data Capacity `json:"data"`
}

type policyResponse struct {
	envelope
	Data StoragePolicy `json:"data"`
}
