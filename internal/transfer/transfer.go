// Package transfer moves documents between plaintext and encrypted form on
// disk. Small files are handled in one buffer; files at or above the size
// threshold are processed in fixed-size chunks so neither the plaintext nor
// the ciphertext is ever fully materialized in memory. Every failure path
// removes partially written output (and its sidecar tag) before the error
// propagates.
package transfer

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/cryptox"
	"github.com/docuvert/docuvert/internal/logging"
	"github.com/docuvert/docuvert/internal/shared"
)

const (
	// DefaultThreshold is the size at which the streaming path takes
	// over from the buffered path.
	DefaultThreshold = 5 * 1024 * 1024

	// DefaultMaxFileSize is the absolute cap on input size.
	DefaultMaxFileSize = 200 * 1024 * 1024

	// TagSuffix is appended to a ciphertext path to name its sidecar
	// authentication-tag file.
	TagSuffix = ".tag"

	chunkSize = 64 * 1024
)

var (
	magicPDF = []byte("%PDF")
	magicZIP = []byte("PK\x03\x04") // DOCX is a ZIP container
)

// Option adjusts a Transfer or a single operation.
type Option func(*settings)

type settings struct {
	threshold   int64
	maxFileSize int64
	sniff       bool
}

// WithThreshold overrides the buffered/streaming size threshold.
func WithThreshold(bytes int64) Option {
	return func(s *settings) { s.threshold = bytes }
}

// WithMaxFileSize overrides the absolute input size cap.
func WithMaxFileSize(bytes int64) Option {
	return func(s *settings) { s.maxFileSize = bytes }
}

// WithContentSniff toggles the magic-number check on encryption input.
func WithContentSniff(enabled bool) Option {
	return func(s *settings) { s.sniff = enabled }
}

// Transfer performs adaptive encrypted file transfers with a Codec.
type Transfer struct {
	codec    *cryptox.Codec
	log      logging.Logger
	defaults settings
}

// New returns a Transfer with the given defaults. Options passed here apply
// to every operation; options passed to an individual call override them
// for that call only.
func New(codec *cryptox.Codec, log logging.Logger, opts ...Option) *Transfer {
	s := settings{
		threshold:   DefaultThreshold,
		maxFileSize: DefaultMaxFileSize,
		sniff:       true,
	}
	for _, o := range opts {
		o(&s)
	}
	return &Transfer{codec: codec, log: log, defaults: s}
}

func (t *Transfer) settingsFor(opts []Option) settings {
	s := t.defaults
	for _, o := range opts {
		o(&s)
	}
	return s
}

// TagPath returns the sidecar tag path for a ciphertext path.
func TagPath(path string) string {
	return path + TagSuffix
}

// validateInput checks existence, the absolute size cap and, when enabled,
// the content-type signature of the file about to be encrypted.
func (t *Transfer) validateInput(path string, s settings) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, fmt.Errorf("%w: input file %s does not exist", common.ErrStorageIO, path)
		}
		return 0, fmt.Errorf("%w: stat %s: %v", common.ErrStorageIO, path, err)
	}
	if info.IsDir() {
		return 0, fmt.Errorf("%w: %s is a directory", common.ErrValidation, path)
	}
	if info.Size() > s.maxFileSize {
		return 0, fmt.Errorf("%w: file size %d exceeds limit %d", common.ErrValidation, info.Size(), s.maxFileSize)
	}

	if s.sniff {
		if err := sniffContentType(path); err != nil {
			return 0, err
		}
	}

	return info.Size(), nil
}

// sniffContentType compares the file's first bytes against the known PDF
// and DOCX/ZIP magic numbers.
func sniffContentType(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", common.ErrStorageIO, path, err)
	}
	defer f.Close()

	head := make([]byte, 4)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: read %s: %v", common.ErrStorageIO, path, err)
	}
	head = head[:n]

	if bytes.HasPrefix(head, magicPDF) || bytes.HasPrefix(head, magicZIP) {
		return nil
	}
	return fmt.Errorf("%w: unrecognized content-type signature", common.ErrValidation)
}

// removeOutputs deletes the output file and its sidecar tag, best effort.
// Called on every failed exit path so partial ciphertext never survives.
func (t *Transfer) removeOutputs(ctx context.Context, outputPath string) {
	for _, p := range []string{outputPath, TagPath(outputPath)} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			t.log.Warn(ctx, "failed to remove partial output", "path", p, "error", err)
		}
	}
}

// SmartEncrypt encrypts inputPath into outputPath (plus a sidecar tag
// file), choosing the buffered path below the threshold and the streaming
// path at or above it.
func (t *Transfer) SmartEncrypt(ctx context.Context, inputPath, outputPath string, opts ...Option) error {
	s := t.settingsFor(opts)

	size, err := t.validateInput(inputPath, s)
	if err != nil {
		return err
	}

	if size < s.threshold {
		err = t.encryptBuffered(inputPath, outputPath)
	} else {
		err = t.encryptStreaming(ctx, inputPath, outputPath)
	}
	if err != nil {
		t.removeOutputs(ctx, outputPath)
		return err
	}

	t.log.Debug(ctx, "encrypted file", "input", inputPath, "output", outputPath,
		"size", size, "streamed", size >= s.threshold)
	return nil
}

func (t *Transfer) encryptBuffered(inputPath, outputPath string) error {
	plaintext, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", common.ErrStorageIO, inputPath, err)
	}

	p, err := t.codec.Encrypt(plaintext)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outputPath, p.Blob(), 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", common.ErrStorageIO, outputPath, err)
	}
	if err := os.WriteFile(TagPath(outputPath), p.Tag, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", common.ErrStorageIO, TagPath(outputPath), err)
	}
	return nil
}

func (t *Transfer) encryptStreaming(ctx context.Context, inputPath, outputPath string) (err error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", common.ErrStorageIO, inputPath, err)
	}
	defer in.Close()

	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", common.ErrStorageIO, outputPath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %v", common.ErrStorageIO, outputPath, cerr)
		}
	}()

	salt := make([]byte, cryptox.SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	iv := make([]byte, cryptox.IVSize)
	if _, err := rand.Read(iv); err != nil {
		return err
	}

	key := t.codec.DeriveKey(salt)
	defer shared.WipeByteArray(key)

	sealer, err := cryptox.NewStreamSealer(key, iv)
	if err != nil {
		return err
	}

	if _, err := out.Write(salt); err != nil {
		return fmt.Errorf("%w: write header: %v", common.ErrStorageIO, err)
	}
	if _, err := out.Write(iv); err != nil {
		return fmt.Errorf("%w: write header: %v", common.ErrStorageIO, err)
	}

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(sealer.Encrypt(buf[:n])); werr != nil {
				return fmt.Errorf("%w: write ciphertext: %v", common.ErrStorageIO, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%w: read %s: %v", common.ErrStorageIO, inputPath, rerr)
		}
	}

	if err := os.WriteFile(TagPath(outputPath), sealer.Tag(), 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", common.ErrStorageIO, TagPath(outputPath), err)
	}
	return nil
}

// SmartDecrypt decrypts inputPath into outputPath, auto-detecting the
// on-disk format. A sidecar tag file selects the current format first;
// either detection falls through to the other format when verification
// fails. userID unlocks the user-bound legacy key variant and may be empty.
func (t *Transfer) SmartDecrypt(ctx context.Context, inputPath, outputPath, userID string, opts ...Option) error {
	s := t.settingsFor(opts)

	info, err := os.Stat(inputPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: input file %s does not exist", common.ErrStorageIO, inputPath)
		}
		return fmt.Errorf("%w: stat %s: %v", common.ErrStorageIO, inputPath, err)
	}

	if info.Size() < s.threshold {
		err = t.decryptBuffered(inputPath, outputPath, userID)
	} else {
		err = t.decryptStreaming(ctx, inputPath, outputPath, userID)
	}
	if err != nil {
		t.removeOutputs(ctx, outputPath)
		return err
	}

	t.log.Debug(ctx, "decrypted file", "input", inputPath, "output", outputPath,
		"streamed", info.Size() >= s.threshold)
	return nil
}

// readTag loads the sidecar tag for inputPath, returning nil when absent.
func readTag(inputPath string) ([]byte, error) {
	tag, err := os.ReadFile(TagPath(inputPath))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", common.ErrStorageIO, TagPath(inputPath), err)
	}
	return tag, nil
}

func (t *Transfer) decryptBuffered(inputPath, outputPath, userID string) error {
	blob, err := os.ReadFile(inputPath)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", common.ErrStorageIO, inputPath, err)
	}

	tag, err := readTag(inputPath)
	if err != nil {
		return err
	}

	plaintext, err := t.codec.Open(blob, tag, userID)
	if err != nil {
		return err
	}

	if err := os.WriteFile(outputPath, plaintext, 0o600); err != nil {
		return fmt.Errorf("%w: write %s: %v", common.ErrStorageIO, outputPath, err)
	}
	return nil
}

// decryptAttempt describes one way of reading a payload: a header layout
// plus a derived key and the tag to verify against.
type decryptAttempt struct {
	legacy bool
	userID string
	tag    []byte // sidecar tag for the current format, nil for legacy
}

func (t *Transfer) decryptStreaming(ctx context.Context, inputPath, outputPath, userID string) error {
	tag, err := readTag(inputPath)
	if err != nil {
		return err
	}

	var attempts []decryptAttempt
	if tag != nil {
		attempts = append(attempts, decryptAttempt{tag: tag})
	}
	attempts = append(attempts, decryptAttempt{legacy: true})
	if userID != "" {
		attempts = append(attempts, decryptAttempt{legacy: true, userID: userID})
	}

	for _, a := range attempts {
		err := t.streamDecryptOnce(ctx, inputPath, outputPath, a)
		if err == nil {
			return nil
		}
		if !errors.Is(err, common.ErrIntegrity) && !errors.Is(err, common.ErrFormat) {
			return err
		}
	}
	return fmt.Errorf("%w: no supported format verified for %s", common.ErrIntegrity, inputPath)
}

// streamDecryptOnce runs a single chunked decryption pass for one format
// attempt. The output file is rewritten from scratch on each attempt and
// removed by the caller if no attempt verifies.
func (t *Transfer) streamDecryptOnce(ctx context.Context, inputPath, outputPath string, a decryptAttempt) (err error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return fmt.Errorf("%w: open %s: %v", common.ErrStorageIO, inputPath, err)
	}
	defer in.Close()

	headerLen := cryptox.HeaderSize
	if a.legacy {
		headerLen = cryptox.LegacyHeaderSize
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(in, header); err != nil {
		return fmt.Errorf("%w: payload smaller than %d-byte header", common.ErrFormat, headerLen)
	}

	salt := header[:cryptox.SaltSize]
	iv := header[cryptox.SaltSize : cryptox.SaltSize+cryptox.IVSize]
	tag := a.tag
	if a.legacy {
		tag = header[cryptox.SaltSize+cryptox.IVSize:]
	}

	var key []byte
	if a.legacy {
		key = t.codec.DeriveLegacyKey(salt, a.userID)
	} else {
		key = t.codec.DeriveKey(salt)
	}
	defer shared.WipeByteArray(key)

	opener, err := cryptox.NewStreamOpener(key, iv)
	if err != nil {
		return err
	}

	out, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", common.ErrStorageIO, outputPath, err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: close %s: %v", common.ErrStorageIO, outputPath, cerr)
		}
	}()

	buf := make([]byte, chunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(opener.Decrypt(buf[:n])); werr != nil {
				return fmt.Errorf("%w: write plaintext: %v", common.ErrStorageIO, werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("%w: read %s: %v", common.ErrStorageIO, inputPath, rerr)
		}
	}

	return opener.Verify(tag)
}
