// Package cryptox implements the authenticated file encryption used for all
// documents at rest. Two on-disk layouts are supported:
//
//	current: salt(16) || iv(16) || ciphertext, 16-byte tag in a sidecar file
//	legacy:  salt(16) || iv(16) || tag(16) || ciphertext, single file
//
// New data is always written in the current layout. Keys are derived from a
// master secret with PBKDF2 (SHA-256 for current, SHA-512 for legacy data).
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"

	"github.com/docuvert/docuvert/internal/common"
	"github.com/docuvert/docuvert/internal/shared"
	"golang.org/x/crypto/pbkdf2"
)

const (
	SaltSize = 16
	IVSize   = 16
	TagSize  = 16
	KeySize  = 32

	// HeaderSize is the prefix length of a current-format payload.
	HeaderSize = SaltSize + IVSize
	// LegacyHeaderSize is the prefix length of a legacy-format payload.
	LegacyHeaderSize = SaltSize + IVSize + TagSize

	kdfIterations = 100000
)

// Payload is a decoded current-format encrypted payload. Salt and IV are
// unique per encryption operation; reuse would break confidentiality.
type Payload struct {
	Salt       []byte
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// Blob returns the main-file bytes of the payload (salt || iv || ciphertext).
// The tag is stored separately.
func (p *Payload) Blob() []byte {
	out := make([]byte, 0, HeaderSize+len(p.Ciphertext))
	out = append(out, p.Salt...)
	out = append(out, p.IV...)
	out = append(out, p.Ciphertext...)
	return out
}

// Codec encrypts and decrypts document payloads under a master secret.
type Codec struct {
	secret []byte
}

// New returns a Codec for the given master secret. An empty secret is a
// configuration error: it would silently derive keys from nothing.
func New(secret []byte) (*Codec, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: master encryption secret is not set", common.ErrConfiguration)
	}
	return &Codec{secret: secret}, nil
}

// DeriveKey derives the current-format AES-256 key for the given salt.
func (c *Codec) DeriveKey(salt []byte) []byte {
	return pbkdf2.Key(c.secret, salt, kdfIterations, KeySize, sha256.New)
}

// DeriveLegacyKey derives a legacy-format key. The oldest variant used the
// global secret alone; a later variant mixed the owner's user id into the
// key material. Both are tried during legacy decryption.
func (c *Codec) DeriveLegacyKey(salt []byte, userID string) []byte {
	material := c.secret
	if userID != "" {
		material = append(append([]byte{}, c.secret...), userID...)
	}
	return pbkdf2.Key(material, salt, kdfIterations, KeySize, sha512.New)
}

// aead builds the AES-256-GCM instance for a derived key. The 16-byte IV
// size is inherited from the on-disk format.
func aead(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, IVSize)
}

// Encrypt encrypts plaintext under a fresh salt and IV and returns the
// current-format payload.
func (c *Codec) Encrypt(plaintext []byte) (*Payload, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	key := c.DeriveKey(salt)
	defer shared.WipeByteArray(key)

	gcm, err := aead(key)
	if err != nil {
		return nil, err
	}

	sealed := gcm.Seal(nil, iv, plaintext, nil)
	n := len(sealed) - TagSize

	return &Payload{
		Salt:       salt,
		IV:         iv,
		Ciphertext: sealed[:n],
		Tag:        sealed[n:],
	}, nil
}

// ParseCurrent splits current-format main-file bytes into a Payload with
// the given sidecar tag.
func ParseCurrent(blob, tag []byte) (*Payload, error) {
	if len(blob) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is below the current-format minimum of %d",
			common.ErrFormat, len(blob), HeaderSize)
	}
	if len(tag) != TagSize {
		return nil, fmt.Errorf("%w: auth tag is %d bytes, want %d", common.ErrFormat, len(tag), TagSize)
	}
	return &Payload{
		Salt:       blob[:SaltSize],
		IV:         blob[SaltSize:HeaderSize],
		Ciphertext: blob[HeaderSize:],
		Tag:        tag,
	}, nil
}

// Decrypt decrypts a current-format payload. A tag that does not verify
// yields ErrIntegrity.
func (c *Codec) Decrypt(p *Payload) ([]byte, error) {
	key := c.DeriveKey(p.Salt)
	defer shared.WipeByteArray(key)

	gcm, err := aead(key)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(p.Ciphertext)+TagSize)
	sealed = append(sealed, p.Ciphertext...)
	sealed = append(sealed, p.Tag...)

	plaintext, err := gcm.Open(nil, p.IV, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: current format", common.ErrIntegrity)
	}
	return plaintext, nil
}

// DecryptLegacy decrypts a single-file legacy payload. The global-secret
// key is tried first, then the secret+userID variant when a user id is
// known. Both failing yields ErrIntegrity.
func (c *Codec) DecryptLegacy(blob []byte, userID string) ([]byte, error) {
	if len(blob) < LegacyHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is below the legacy-format minimum of %d",
			common.ErrFormat, len(blob), LegacyHeaderSize)
	}

	salt := blob[:SaltSize]
	iv := blob[SaltSize : SaltSize+IVSize]
	tag := blob[SaltSize+IVSize : LegacyHeaderSize]
	ciphertext := blob[LegacyHeaderSize:]

	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	variants := []string{""}
	if userID != "" {
		variants = append(variants, userID)
	}

	for _, uid := range variants {
		key := c.DeriveLegacyKey(salt, uid)
		gcm, err := aead(key)
		if err != nil {
			shared.WipeByteArray(key)
			return nil, err
		}
		plaintext, err := gcm.Open(nil, iv, sealed, nil)
		shared.WipeByteArray(key)
		if err == nil {
			return plaintext, nil
		}
	}

	return nil, fmt.Errorf("%w: legacy format", common.ErrIntegrity)
}

// Open decrypts main-file bytes whose format is not known for certain.
// A non-nil tag (sidecar present) selects the current format first; legacy
// is the fallback, because a stray sidecar left by a crashed write must not
// make an old file unreadable. Without a tag only the legacy format can
// verify, so only it is tried.
func (c *Codec) Open(blob, tag []byte, userID string) ([]byte, error) {
	if tag == nil {
		return c.DecryptLegacy(blob, userID)
	}

	p, err := ParseCurrent(blob, tag)
	if err == nil {
		plaintext, derr := c.Decrypt(p)
		if derr == nil {
			return plaintext, nil
		}
	}

	plaintext, lerr := c.DecryptLegacy(blob, userID)
	if lerr == nil {
		return plaintext, nil
	}
	if err != nil && errors.Is(lerr, common.ErrFormat) {
		// Too small for either layout: structural, not a failed tag.
		return nil, lerr
	}
	return nil, fmt.Errorf("%w: no supported format verified", common.ErrIntegrity)
}
