package crypto

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenBlob(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, KeySize)

	sealed, err := SealBlob([]byte("register key payload"), key, nil)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(sealed)
	require.NoError(t, err)
	assert.Len(t, raw, IVSize+32)

	plain, err := OpenBlob(sealed, key)
	require.NoError(t, err)
	assert.Equal(t, "register key payload", string(plain))
}

func TestSealBlob_FreshIV(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)

	a, err := SealBlob([]byte("same"), key, nil)
	require.NoError(t, err)
	b, err := SealBlob([]byte("same"), key, nil)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestSealBlob_DeterministicReader(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, KeySize)
	iv := bytes.Repeat([]byte{0x07}, IVSize)

	sealed, err := SealBlob([]byte("fixed"), key, bytes.NewReader(iv))
	require.NoError(t, err)

	blob, err := ParseBlob(sealed)
	require.NoError(t, err)
	assert.Equal(t, iv, blob.IV)
	assert.Equal(t, sealed, blob.String())
}

func TestSealBlob_ShortRandomSource(t *testing.T) {
	_, err := SealBlob([]byte("x"), bytes.Repeat([]byte{1}, KeySize), bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)
}

func TestParseBlob_Errors(t *testing.T) {
	_, err := ParseBlob("%%%")
	assert.Error(t, err)

	_, err = ParseBlob(base64.StdEncoding.EncodeToString(make([]byte, IVSize)))
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}
