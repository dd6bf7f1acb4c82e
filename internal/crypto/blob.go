package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// EncryptedBlob is an AES-CBC payload carried on the wire as
// base64(iv || ciphertext).
type EncryptedBlob struct {
	IV         []byte
	Ciphertext []byte
}

// ParseBlob decodes a base64 blob and splits off its leading IV.
func ParseBlob(s string) (*EncryptedBlob, error) {
	raw, err := decodeBase64(s)
	if err != nil {
		return nil, err
	}
	if len(raw) <= IVSize {
		return nil, fmt.Errorf("%w: blob of %d bytes has no ciphertext after the iv", ErrInvalidCiphertext, len(raw))
	}
	return &EncryptedBlob{
		IV:         raw[:IVSize],
		Ciphertext: raw[IVSize:],
	}, nil
}

// String encodes the blob back to its wire form.
func (b *EncryptedBlob) String() string {
	raw := make([]byte, 0, len(b.IV)+len(b.Ciphertext))
	raw = append(raw, b.IV...)
	raw = append(raw, b.Ciphertext...)
	return encodeBase64(raw)
}

// Open decrypts the blob with key.
func (b *EncryptedBlob) Open(key []byte) ([]byte, error) {
	return DecryptCBC(b.Ciphertext, key, b.IV)
}

// SealBlob encrypts plaintext under key with a fresh IV read from rnd
// (crypto/rand when nil) and returns the wire form.
func SealBlob(plaintext, key []byte, rnd io.Reader) (string, error) {
	iv, err := NewIV(rnd)
	if err != nil {
		return "", err
	}
	ct, err := EncryptCBC(plaintext, key, iv)
	if err != nil {
		return "", err
	}
	return (&EncryptedBlob{IV: iv, Ciphertext: ct}).String(), nil
}

// OpenBlob parses and decrypts a wire blob.
func OpenBlob(s string, key []byte) ([]byte, error) {
	blob, err := ParseBlob(s)
	if err != nil {
		return nil, err
	}
	return blob.Open(key)
}

// NewIV reads a random IV.
func NewIV(rnd io.Reader) ([]byte, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rnd, iv); err != nil {
		return nil, fmt.Errorf("failed to generate iv: %w", err)
	}
	return iv, nil
}
