package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

const (
	// KeySize is the AES-128 key length used by every exchange in this gateway.
	KeySize = 16
	// IVSize is the CBC initialization vector length.
	IVSize = aes.BlockSize
)

var (
	// ErrInvalidKeySize is returned when a key is not KeySize bytes.
	ErrInvalidKeySize = errors.New("invalid key size")
	// ErrInvalidIV is returned when an IV is not IVSize bytes.
	ErrInvalidIV = errors.New("invalid iv size")
	// ErrInvalidCiphertext is returned for ciphertext that is empty or not block aligned.
	ErrInvalidCiphertext = errors.New("invalid ciphertext length")
	// ErrInvalidPadding is returned when PKCS#7 padding does not verify.
	ErrInvalidPadding = errors.New("invalid padding")
)

// EncryptCBC pads plaintext with PKCS#7 and encrypts it with AES-128-CBC.
func EncryptCBC(plaintext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptCBC decrypts AES-128-CBC ciphertext and strips PKCS#7 padding.
func DecryptCBC(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidCiphertext, len(ciphertext))
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out, aes.BlockSize)
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKeySize, len(key), KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidIV, len(iv), IVSize)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return block, nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(append(make([]byte, 0, len(data)+n), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-n], nil
}
