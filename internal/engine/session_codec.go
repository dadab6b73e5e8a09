package engine

import (
	"encoding/json"
	"fmt"

	"github.com/gablilli/drivesync/internal/remote"
)

// marshalCredential serializes the server-issued session credential for
// storage alongside the session record.
func marshalCredential(cred *remote.UploadCredential) (string, error) {
	data, err := json.Marshal(cred)
	if err != nil {
		return "", fmt.Errorf("encoding session credential: %w", err)
	}

	return string(data), nil
}

func unmarshalCredential(data string) (*remote.UploadCredential, error) {
	var cred remote.UploadCredential
	if err := json.Unmarshal([]byte(data), &cred); err != nil {
		return nil, fmt.Errorf("decoding session credential: %w", err)
	}

	return &cred, nil
}

// marshalEncryptMetadata serializes per-file encryption parameters, or
// returns empty for unencrypted policies.
func marshalEncryptMetadata(meta *remote.EncryptMetadata) (string, error) {
	if meta == nil {
		return "", nil
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding encryption metadata: %w", err)
	}

	return string(data), nil
}

// cipherFor builds the chunk cipher for a persisted session, or nil when
// the session is unencrypted.
func cipherFor(encryptMeta string) (*ChunkCipher, error) {
	if encryptMeta == "" {
		return nil, nil
	}

	var meta remote.EncryptMetadata
	if err := json.Unmarshal([]byte(encryptMeta), &meta); err != nil {
		return nil, fmt.Errorf("decoding encryption metadata: %w", err)
	}

	return NewChunkCipher(&meta)
}
