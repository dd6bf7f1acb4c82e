package keyvault

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kenneth/native-sign-gateway/internal/crypto"
)

// BuildRequestContent builds the register key request payload: the device
// ID and marker as little-endian 64-bit integers, sealed under psk with a
// fresh IV.
func BuildRequestContent(psk []byte, deviceID, marker int64, rnd io.Reader) (string, error) {
	payload := make([]byte, 16)
	binary.LittleEndian.PutUint64(payload[:8], uint64(deviceID))
	binary.LittleEndian.PutUint64(payload[8:], uint64(marker))

	content, err := crypto.SealBlob(payload, psk, rnd)
	if err != nil {
		return "", fmt.Errorf("%w: failed to seal request content: %v", ErrCrypto, err)
	}
	return content, nil
}

// DecodeRegisterKey opens the key blob returned by the server and returns
// the content key, the first 16 bytes of the plaintext.
func DecodeRegisterKey(blob string, psk []byte) ([]byte, error) {
	plaintext, err := crypto.OpenBlob(blob, psk)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open register key: %v", ErrCrypto, err)
	}
	if len(plaintext) < crypto.KeySize {
		return nil, fmt.Errorf("%w: register key too short: %d bytes", ErrCrypto, len(plaintext))
	}
	return append([]byte(nil), plaintext[:crypto.KeySize]...), nil
}
