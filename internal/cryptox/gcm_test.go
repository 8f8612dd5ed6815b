package cryptox

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// oneShotSeal is the reference implementation the stream must match.
func oneShotSeal(t *testing.T, key, iv, plaintext []byte) (ciphertext, tag []byte) {
	t.Helper()
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCMWithNonceSize(block, IVSize)
	require.NoError(t, err)
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	n := len(sealed) - TagSize
	return sealed[:n], sealed[n:]
}

func randBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func chunked(data []byte, size int) [][]byte {
	if size <= 0 {
		size = 1
	}
	var chunks [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

func TestStreamSealer_MatchesOneShot(t *testing.T) {
	key := randBytes(t, KeySize)
	iv := randBytes(t, IVSize)

	sizes := []int{0, 1, 15, 16, 17, 31, 33, 256, 1000, 4096 + 5}
	chunkSizes := []int{1, 7, 16, 64, 1000}

	for _, size := range sizes {
		plaintext := randBytes(t, size)
		wantCT, wantTag := oneShotSeal(t, key, iv, plaintext)

		for _, cs := range chunkSizes {
			sealer, err := NewStreamSealer(key, iv)
			require.NoError(t, err)

			var got bytes.Buffer
			for _, chunk := range chunked(plaintext, cs) {
				got.Write(sealer.Encrypt(chunk))
			}
			tag := sealer.Tag()

			assert.Equal(t, wantCT, got.Bytes(), "size=%d chunk=%d", size, cs)
			assert.Equal(t, wantTag, tag, "size=%d chunk=%d", size, cs)
		}
	}
}

func TestStreamOpener_RoundTrip(t *testing.T) {
	key := randBytes(t, KeySize)
	iv := randBytes(t, IVSize)
	plaintext := randBytes(t, 10000)

	ciphertext, tag := oneShotSeal(t, key, iv, plaintext)

	opener, err := NewStreamOpener(key, iv)
	require.NoError(t, err)

	var got bytes.Buffer
	for _, chunk := range chunked(ciphertext, 333) {
		got.Write(opener.Decrypt(chunk))
	}

	require.NoError(t, opener.Verify(tag))
	assert.Equal(t, plaintext, got.Bytes())
}

func TestStreamOpener_TamperedCiphertext(t *testing.T) {
	key := randBytes(t, KeySize)
	iv := randBytes(t, IVSize)
	plaintext := randBytes(t, 500)

	ciphertext, tag := oneShotSeal(t, key, iv, plaintext)
	ciphertext[250] ^= 0x01

	opener, err := NewStreamOpener(key, iv)
	require.NoError(t, err)
	opener.Decrypt(ciphertext)

	assert.Error(t, opener.Verify(tag))
}

func TestStreamOpener_TamperedTag(t *testing.T) {
	key := randBytes(t, KeySize)
	iv := randBytes(t, IVSize)
	plaintext := randBytes(t, 64)

	ciphertext, tag := oneShotSeal(t, key, iv, plaintext)
	tag[0] ^= 0x80

	opener, err := NewStreamOpener(key, iv)
	require.NoError(t, err)
	opener.Decrypt(ciphertext)

	assert.Error(t, opener.Verify(tag))
}

func TestNewStreamSealer_BadParams(t *testing.T) {
	_, err := NewStreamSealer(make([]byte, 16), make([]byte, IVSize))
	assert.Error(t, err, "short key")

	_, err = NewStreamSealer(make([]byte, KeySize), make([]byte, 12))
	assert.Error(t, err, "short iv")
}
