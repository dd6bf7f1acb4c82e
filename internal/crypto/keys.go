package crypto

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// KeyFromHex decodes a 32 character hex key.
func KeyFromHex(s string) ([]byte, error) {
	if len(s) != KeySize*2 {
		return nil, fmt.Errorf("%w: hex key has %d characters, want %d", ErrInvalidKeySize, len(s), KeySize*2)
	}
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex key: %w", err)
	}
	return key, nil
}

// KeyToHex renders a key as uppercase hex.
func KeyToHex(key []byte) string {
	return strings.ToUpper(hex.EncodeToString(key))
}
