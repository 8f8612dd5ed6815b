package transfer

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/cryptox"
	"github.com/docuvert/docuvert/internal/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/pbkdf2"
)

// buildLegacyFile constructs a legacy single-file payload the way the old
// writer did: PBKDF2-SHA512 key from the global secret, then
// salt || iv || tag || ciphertext in one file, no sidecar.
func buildLegacyFile(t *testing.T, secret, plaintext []byte) []byte {
	t.Helper()

	salt := make([]byte, cryptox.SaltSize)
	_, err := rand.Read(salt)
	require.NoError(t, err)
	iv := make([]byte, cryptox.IVSize)
	_, err = rand.Read(iv)
	require.NoError(t, err)

	key := pbkdf2.Key(secret, salt, 100000, cryptox.KeySize, sha512.New)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	gcm, err := cipher.NewGCMWithNonceSize(block, cryptox.IVSize)
	require.NoError(t, err)

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	n := len(sealed) - cryptox.TagSize

	blob := make([]byte, 0, cryptox.LegacyHeaderSize+n)
	blob = append(blob, salt...)
	blob = append(blob, iv...)
	blob = append(blob, sealed[n:]...)
	blob = append(blob, sealed[:n]...)
	return blob
}

func newTestTransfer(t *testing.T, opts ...Option) *Transfer {
	t.Helper()
	codec, err := cryptox.New([]byte("test-master-secret"))
	require.NoError(t, err)
	log := logging.NewSlogLogger(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	return New(codec, log, opts...)
}

// writePDF writes n bytes starting with the PDF magic number.
func writePDF(t *testing.T, path string, n int) []byte {
	t.Helper()
	data := make([]byte, n)
	_, err := rand.Read(data)
	require.NoError(t, err)
	copy(data, "%PDF")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return data
}

func TestSmartEncryptDecrypt_RoundTripBothPaths(t *testing.T) {
	const threshold = 1024

	tests := []struct {
		name string
		size int
	}{
		{"empty buffered", 4}, // magic number only
		{"buffered", 100},
		{"threshold minus one", threshold - 1},
		{"exactly threshold", threshold},
		{"threshold plus one", threshold + 1},
		{"well above threshold", 10 * threshold},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tr := newTestTransfer(t, WithThreshold(threshold))
			dir := t.TempDir()

			in := filepath.Join(dir, "in.pdf")
			enc := filepath.Join(dir, "in.pdf.enc")
			dec := filepath.Join(dir, "out.pdf")
			plaintext := writePDF(t, in, tc.size)

			ctx := context.Background()
			require.NoError(t, tr.SmartEncrypt(ctx, in, enc))

			// Sidecar tag always written, exactly 16 bytes.
			tag, err := os.ReadFile(TagPath(enc))
			require.NoError(t, err)
			assert.Len(t, tag, cryptox.TagSize)

			// Main file carries the salt/iv header plus ciphertext.
			blob, err := os.ReadFile(enc)
			require.NoError(t, err)
			assert.Equal(t, tc.size+cryptox.HeaderSize, len(blob))
			assert.False(t, bytes.Contains(blob, []byte("%PDF")))

			require.NoError(t, tr.SmartDecrypt(ctx, enc, dec, "user-1"))
			got, err := os.ReadFile(dec)
			require.NoError(t, err)
			assert.Equal(t, plaintext, got)
		})
	}
}

func TestSmartEncrypt_BufferedAndStreamedFormatsInterchangeable(t *testing.T) {
	// A file written by the streaming path must decrypt through the
	// buffered path and vice versa: same on-disk format.
	dir := t.TempDir()
	ctx := context.Background()

	in := filepath.Join(dir, "in.pdf")
	enc := filepath.Join(dir, "enc")
	dec := filepath.Join(dir, "dec")
	plaintext := writePDF(t, in, 4096)

	// Force streaming on encrypt, buffered on decrypt.
	writer := newTestTransfer(t, WithThreshold(1))
	reader := newTestTransfer(t, WithThreshold(1<<30))

	require.NoError(t, writer.SmartEncrypt(ctx, in, enc))
	require.NoError(t, reader.SmartDecrypt(ctx, enc, dec, ""))

	got, err := os.ReadFile(dec)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)

	// And the other way around.
	require.NoError(t, reader.SmartEncrypt(ctx, in, enc))
	require.NoError(t, writer.SmartDecrypt(ctx, enc, dec, ""))

	got, err = os.ReadFile(dec)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestSmartEncrypt_MissingInput(t *testing.T) {
	tr := newTestTransfer(t)
	dir := t.TempDir()

	err := tr.SmartEncrypt(context.Background(), filepath.Join(dir, "absent.pdf"), filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrStorageIO))
}

func TestSmartEncrypt_OversizedInput(t *testing.T) {
	tr := newTestTransfer(t, WithMaxFileSize(64))
	dir := t.TempDir()

	in := filepath.Join(dir, "big.pdf")
	writePDF(t, in, 65)

	err := tr.SmartEncrypt(context.Background(), in, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrValidation))
}

func TestSmartEncrypt_UnknownSignatureRejected(t *testing.T) {
	tr := newTestTransfer(t)
	dir := t.TempDir()

	in := filepath.Join(dir, "note.txt")
	require.NoError(t, os.WriteFile(in, []byte("plain text, not a document"), 0o600))

	err := tr.SmartEncrypt(context.Background(), in, filepath.Join(dir, "out"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrValidation))

	// Sniffing can be disabled for trusted internal outputs.
	relaxed := newTestTransfer(t, WithContentSniff(false))
	assert.NoError(t, relaxed.SmartEncrypt(context.Background(), in, filepath.Join(dir, "out2")))
}

func TestSmartDecrypt_TamperedFileRemovesOutput(t *testing.T) {
	for _, threshold := range []int64{1, 1 << 30} { // streaming and buffered
		tr := newTestTransfer(t, WithThreshold(threshold))
		dir := t.TempDir()
		ctx := context.Background()

		in := filepath.Join(dir, "in.pdf")
		enc := filepath.Join(dir, "enc")
		dec := filepath.Join(dir, "dec")
		writePDF(t, in, 2048)

		require.NoError(t, tr.SmartEncrypt(ctx, in, enc))

		// Flip one ciphertext bit.
		blob, err := os.ReadFile(enc)
		require.NoError(t, err)
		blob[len(blob)-1] ^= 0x01
		require.NoError(t, os.WriteFile(enc, blob, 0o600))

		err = tr.SmartDecrypt(ctx, enc, dec, "")
		require.Error(t, err)
		assert.True(t, errors.Is(err, common.ErrIntegrity), "threshold=%d: %v", threshold, err)

		_, err = os.Stat(dec)
		assert.True(t, errors.Is(err, os.ErrNotExist), "partial output must be removed")
	}
}

func TestSmartDecrypt_LegacyFormat(t *testing.T) {
	// Build a legacy single-file payload and read it through the same
	// entry point used for current-format files.
	plaintext := append([]byte("%PDF legacy document "), bytes.Repeat([]byte{0xAB}, 3000)...)

	legacy := buildLegacyFile(t, []byte("test-master-secret"), plaintext)

	for _, threshold := range []int64{1, 1 << 30} {
		tr := newTestTransfer(t, WithThreshold(threshold))
		dir := t.TempDir()

		enc := filepath.Join(dir, "legacy.enc")
		dec := filepath.Join(dir, "dec")
		require.NoError(t, os.WriteFile(enc, legacy, 0o600))

		require.NoError(t, tr.SmartDecrypt(context.Background(), enc, dec, ""), "threshold=%d", threshold)
		got, err := os.ReadFile(dec)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestSmartDecrypt_MissingInputDistinctFromCorruption(t *testing.T) {
	tr := newTestTransfer(t)
	dir := t.TempDir()

	err := tr.SmartDecrypt(context.Background(), filepath.Join(dir, "absent"), filepath.Join(dir, "out"), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrStorageIO))
	assert.False(t, errors.Is(err, common.ErrIntegrity))
}

func TestSmartDecrypt_TooSmallPayload(t *testing.T) {
	tr := newTestTransfer(t)
	dir := t.TempDir()

	enc := filepath.Join(dir, "tiny")
	require.NoError(t, os.WriteFile(enc, []byte("short"), 0o600))

	err := tr.SmartDecrypt(context.Background(), enc, filepath.Join(dir, "out"), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrFormat))
}
