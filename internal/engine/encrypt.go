package engine

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"fmt"

	"github.com/gablilli/drivesync/internal/remote"
)

// ChunkCipher encrypts file content with AES-256-CTR when the drive's
// storage policy requires client-side encryption. CTR mode lets each
// chunk be encrypted independently of the others: the counter is seeked
// to the chunk's byte offset, so resumed uploads re-encrypt only the
// chunks they send.
type ChunkCipher struct {
	block cipher.Block
	iv    []byte
}

// NewChunkCipher builds a cipher from the server-issued per-file
// encryption metadata.
func NewChunkCipher(meta *remote.EncryptMetadata) (*ChunkCipher, error) {
	key, err := base64.StdEncoding.DecodeString(meta.Key)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption key: %w", err)
	}

	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key is %d bytes, want 32", len(key))
	}

	iv, err := base64.StdEncoding.DecodeString(meta.IV)
	if err != nil {
		return nil, fmt.Errorf("decoding encryption iv: %w", err)
	}

	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("encryption iv is %d bytes, want %d", len(iv), aes.BlockSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	return &ChunkCipher{block: block, iv: iv}, nil
}

// XORAt encrypts (or decrypts; CTR is symmetric) data in place as if it
// started at the given byte offset within the file. The offset must be a
// multiple of the AES block size, which holds whenever chunk sizes are
// block-aligned.
func (c *ChunkCipher) XORAt(data []byte, offset int64) error {
	if offset%aes.BlockSize != 0 {
		return fmt.Errorf("offset %d is not block-aligned", offset)
	}

	stream := cipher.NewCTR(c.block, counterAt(c.iv, offset/aes.BlockSize))
	stream.XORKeyStream(data, data)

	return nil
}

// counterAt returns the CTR counter advanced by n blocks from iv. The
// counter is the big-endian low 64 bits of the IV; overflow carries into
// the high half.
func counterAt(iv []byte, n int64) []byte {
	ctr := make([]byte, len(iv))
	copy(ctr, iv)

	low := binary.BigEndian.Uint64(ctr[8:])
	sum := low + uint64(n)

	binary.BigEndian.PutUint64(ctr[8:], sum)

	if sum < low {
		high := binary.BigEndian.Uint64(ctr[:8])
		binary.BigEndian.PutUint64(ctr[:8], high+1)
	}

	return ctr
}
