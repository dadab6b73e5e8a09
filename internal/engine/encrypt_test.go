package engine

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/gablilli/drivesync/internal/remote"
)

func testEncryptMetadata(t *testing.T) *remote.EncryptMetadata {
	t.Helper()

	key := make([]byte, 32)
	iv := make([]byte, 16)

	if _, err := rand.Read(key); err != nil {
		t.Fatalf("rand: %v", err)
	}

	if _, err := rand.Read(iv); err != nil {
		t.Fatalf("rand: %v", err)
	}

	return &remote.EncryptMetadata{
		Key: base64.StdEncoding.EncodeToString(key),
		IV:  base64.StdEncoding.EncodeToString(iv),
	}
}

// Chunks encrypted independently at their offsets must equal the whole
// file encrypted in one pass, or resumed uploads would corrupt content.
func TestChunkedEncryptionMatchesWholeFile(t *testing.T) {
	t.Parallel()

	meta := testEncryptMetadata(t)

	plain := make([]byte, 1<<20+37) // deliberately not chunk-aligned at the end
	if _, err := rand.Read(plain); err != nil {
		t.Fatalf("rand: %v", err)
	}

	whole := append([]byte(nil), plain...)

	c1, err := NewChunkCipher(meta)
	if err != nil {
		t.Fatalf("NewChunkCipher: %v", err)
	}

	if err := c1.XORAt(whole, 0); err != nil {
		t.Fatalf("XORAt whole: %v", err)
	}

	const chunkSize = 256 << 10

	chunked := append([]byte(nil), plain...)

	for offset := int64(0); offset < int64(len(chunked)); offset += chunkSize {
		end := offset + chunkSize
		if end > int64(len(chunked)) {
			end = int64(len(chunked))
		}

		// A fresh cipher per chunk mirrors a resumed upload.
		c2, err := NewChunkCipher(meta)
		if err != nil {
			t.Fatalf("NewChunkCipher: %v", err)
		}

		if err := c2.XORAt(chunked[offset:end], offset); err != nil {
			t.Fatalf("XORAt chunk at %d: %v", offset, err)
		}
	}

	if !bytes.Equal(whole, chunked) {
		t.Error("chunked encryption diverges from whole-file encryption")
	}
}

func TestEncryptionRoundTrip(t *testing.T) {
	t.Parallel()

	meta := testEncryptMetadata(t)

	plain := []byte("the quick brown fox jumps over the lazy dog")
	data := append([]byte(nil), plain...)

	enc, err := NewChunkCipher(meta)
	if err != nil {
		t.Fatalf("NewChunkCipher: %v", err)
	}

	if err := enc.XORAt(data, 0); err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if bytes.Equal(data, plain) {
		t.Fatal("ciphertext equals plaintext")
	}

	dec, err := NewChunkCipher(meta)
	if err != nil {
		t.Fatalf("NewChunkCipher: %v", err)
	}

	if err := dec.XORAt(data, 0); err != nil {
		t.Fatalf("decrypt: %v", err)
	}

	if !bytes.Equal(data, plain) {
		t.Error("round trip does not restore plaintext")
	}
}

func TestXORAtRejectsUnalignedOffset(t *testing.T) {
	t.Parallel()

	c, err := NewChunkCipher(testEncryptMetadata(t))
	if err != nil {
		t.Fatalf("NewChunkCipher: %v", err)
	}

	if err := c.XORAt(make([]byte, 8), 7); err == nil {
		t.Error("expected error for unaligned offset")
	}
}

func TestNewChunkCipherRejectsBadKeys(t *testing.T) {
	t.Parallel()

	short := &remote.EncryptMetadata{
		Key: base64.StdEncoding.EncodeToString(make([]byte, 16)),
		IV:  base64.StdEncoding.EncodeToString(make([]byte, 16)),
	}

	if _, err := NewChunkCipher(short); err == nil {
		t.Error("expected error for 16-byte key")
	}

	badIV := &remote.EncryptMetadata{
		Key: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		IV:  base64.StdEncoding.EncodeToString(make([]byte, 8)),
	}

	if _, err := NewChunkCipher(badIV); err == nil {
		t.Error("expected error for 8-byte iv")
	}

	garbage := &remote.EncryptMetadata{Key: "!!!", IV: "!!!"}
	if _, err := NewChunkCipher(garbage); err == nil {
		t.Error("expected error for invalid base64")
	}
}
