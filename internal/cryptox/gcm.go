package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/docuvert/docuvert/internal/common"
)

// Incremental AES-256-GCM for the streaming transfer path. The one-shot
// cipher.AEAD interface needs the whole message in memory; large documents
// are processed chunk by chunk instead, and the output must stay
// byte-identical to the buffered path so both read and write the same
// on-disk format. This is the GCM construction from NIST SP 800-38D:
// a CTR keystream plus a GHASH accumulator over the ciphertext, finalized
// into the usual 16-byte tag.

const gcmBlockSize = 16

// gcmFieldElement is a value in GF(2^128), bits stored in the reversed,
// big-endian order GHASH uses. The coefficient of x^0 is low >> 63.
type gcmFieldElement struct {
	low, high uint64
}

var gcmReductionTable = [16]uint16{
	0x0000, 0x1c20, 0x3840, 0x2460, 0x7080, 0x6ca0, 0x48c0, 0x54e0,
	0xe100, 0xfd20, 0xd940, 0xc560, 0x9180, 0x8da0, 0xa9c0, 0xb5e0,
}

// reverseBits reverses the order of the four low bits of i.
func reverseBits(i int) int {
	i = ((i << 2) & 0xc) | ((i >> 2) & 0x3)
	i = ((i << 1) & 0xa) | ((i >> 1) & 0x5)
	return i
}

func gcmAdd(x, y *gcmFieldElement) gcmFieldElement {
	// Addition in GF(2^128) is XOR.
	return gcmFieldElement{x.low ^ y.low, x.high ^ y.high}
}

// gcmDouble returns x*2 in the field. Because of the reversed bit ordering
// this is a right shift, with a reduction by the polynomial
// 1 + x + x^2 + x^7 + x^128 when the x^127 term was set.
func gcmDouble(x *gcmFieldElement) gcmFieldElement {
	msbSet := x.high&1 == 1

	var double gcmFieldElement
	double.high = x.high >> 1
	double.high |= x.low << 63
	double.low = x.low >> 1
	if msbSet {
		double.low ^= 0xe100000000000000
	}
	return double
}

// gcmHash holds the hash key's multiplication table and a running digest.
type gcmHash struct {
	productTable [16]gcmFieldElement
	y            gcmFieldElement
}

func newGCMHash(h [gcmBlockSize]byte) *gcmHash {
	g := &gcmHash{}

	x := gcmFieldElement{
		binary.BigEndian.Uint64(h[:8]),
		binary.BigEndian.Uint64(h[8:]),
	}
	// Precomputed multiples of H, indexed with reversed bit order.
	g.productTable[reverseBits(1)] = x
	for i := 2; i < 16; i += 2 {
		g.productTable[reverseBits(i)] = gcmDouble(&g.productTable[reverseBits(i/2)])
		g.productTable[reverseBits(i+1)] = gcmAdd(&g.productTable[reverseBits(i)], &x)
	}
	return g
}

// mul sets y = y * H, processing four bits of y per step against the
// precomputed table and folding the reduction in via gcmReductionTable.
func (g *gcmHash) mul(y *gcmFieldElement) {
	var z gcmFieldElement

	for i := 0; i < 2; i++ {
		word := y.high
		if i == 1 {
			word = y.low
		}

		for j := 0; j < 64; j += 4 {
			msw := z.high & 0xf
			z.high >>= 4
			z.high |= z.low << 60
			z.low >>= 4
			z.low ^= uint64(gcmReductionTable[msw]) << 48

			t := g.productTable[word&0xf]
			z.low ^= t.low
			z.high ^= t.high
			word >>= 4
		}
	}

	*y = z
}

// updateBlocks absorbs full 16-byte blocks into the digest.
func (g *gcmHash) updateBlocks(y *gcmFieldElement, blocks []byte) {
	for len(blocks) > 0 {
		y.low ^= binary.BigEndian.Uint64(blocks)
		y.high ^= binary.BigEndian.Uint64(blocks[8:])
		g.mul(y)
		blocks = blocks[16:]
	}
}

// update absorbs data of any length, zero-padding a trailing partial block.
func (g *gcmHash) update(y *gcmFieldElement, data []byte) {
	fullBlocks := (len(data) >> 4) << 4
	g.updateBlocks(y, data[:fullBlocks])
	if len(data) != fullBlocks {
		var partial [gcmBlockSize]byte
		copy(partial[:], data[fullBlocks:])
		g.updateBlocks(y, partial[:])
	}
}

func gcmInc32(counter *[gcmBlockSize]byte) {
	ctr := counter[gcmBlockSize-4:]
	binary.BigEndian.PutUint32(ctr, binary.BigEndian.Uint32(ctr)+1)
}

// gcmStream is the shared state of StreamSealer and StreamOpener.
type gcmStream struct {
	block cipher.Block
	hash  *gcmHash

	counter [gcmBlockSize]byte
	tagMask [gcmBlockSize]byte

	// Keystream block currently being consumed.
	ks     [gcmBlockSize]byte
	ksUsed int

	// Ciphertext bytes not yet absorbed into the digest (< 16).
	pending    [gcmBlockSize]byte
	pendingLen int

	ctLen uint64
	done  bool
}

func newGCMStream(key, iv []byte) (*gcmStream, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: stream key must be %d bytes", common.ErrConfiguration, KeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: stream iv must be %d bytes", common.ErrFormat, IVSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	var h [gcmBlockSize]byte
	block.Encrypt(h[:], h[:])
	hash := newGCMHash(h)

	s := &gcmStream{block: block, hash: hash, ksUsed: gcmBlockSize}

	// J0 for a non-96-bit IV is GHASH(IV || padding || [len(IV)]64).
	var y gcmFieldElement
	hash.update(&y, iv)
	y.high ^= uint64(len(iv)) * 8
	hash.mul(&y)
	binary.BigEndian.PutUint64(s.counter[:8], y.low)
	binary.BigEndian.PutUint64(s.counter[8:], y.high)

	block.Encrypt(s.tagMask[:], s.counter[:])
	gcmInc32(&s.counter)

	return s, nil
}

// xorKeyStream XORs src into dst using the CTR keystream, generating new
// keystream blocks as needed. len(dst) >= len(src).
func (s *gcmStream) xorKeyStream(dst, src []byte) {
	for len(src) > 0 {
		if s.ksUsed == gcmBlockSize {
			s.block.Encrypt(s.ks[:], s.counter[:])
			gcmInc32(&s.counter)
			s.ksUsed = 0
		}
		n := gcmBlockSize - s.ksUsed
		if n > len(src) {
			n = len(src)
		}
		for i := 0; i < n; i++ {
			dst[i] = src[i] ^ s.ks[s.ksUsed+i]
		}
		s.ksUsed += n
		dst = dst[n:]
		src = src[n:]
	}
}

// absorb feeds ciphertext into the running digest, carrying a partial block
// between calls so chunk boundaries need no alignment.
func (s *gcmStream) absorb(ciphertext []byte) {
	s.ctLen += uint64(len(ciphertext))

	if s.pendingLen > 0 {
		n := copy(s.pending[s.pendingLen:], ciphertext)
		s.pendingLen += n
		ciphertext = ciphertext[n:]
		if s.pendingLen < gcmBlockSize {
			return
		}
		s.hash.updateBlocks(&s.hash.y, s.pending[:])
		s.pendingLen = 0
	}

	fullBlocks := (len(ciphertext) >> 4) << 4
	s.hash.updateBlocks(&s.hash.y, ciphertext[:fullBlocks])

	if len(ciphertext) != fullBlocks {
		s.pendingLen = copy(s.pending[:], ciphertext[fullBlocks:])
	}
}

// finalize pads the trailing partial block, folds in the length block and
// returns the authentication tag.
func (s *gcmStream) finalize() []byte {
	s.done = true

	if s.pendingLen > 0 {
		var partial [gcmBlockSize]byte
		copy(partial[:], s.pending[:s.pendingLen])
		s.hash.updateBlocks(&s.hash.y, partial[:])
		s.pendingLen = 0
	}

	// No additional data: the first length word stays zero.
	s.hash.y.high ^= s.ctLen * 8
	s.hash.mul(&s.hash.y)

	tag := make([]byte, gcmBlockSize)
	binary.BigEndian.PutUint64(tag[:8], s.hash.y.low)
	binary.BigEndian.PutUint64(tag[8:], s.hash.y.high)
	for i := range tag {
		tag[i] ^= s.tagMask[i]
	}
	return tag
}

// StreamSealer encrypts a payload chunk by chunk. The concatenated Encrypt
// outputs plus the Tag are byte-identical to a single gcm.Seal of the whole
// plaintext under the same key and IV.
type StreamSealer struct {
	s *gcmStream
}

func NewStreamSealer(key, iv []byte) (*StreamSealer, error) {
	s, err := newGCMStream(key, iv)
	if err != nil {
		return nil, err
	}
	return &StreamSealer{s: s}, nil
}

// Encrypt returns the ciphertext for the next plaintext chunk. Must not be
// called after Tag.
func (e *StreamSealer) Encrypt(plaintext []byte) []byte {
	if e.s.done {
		panic("cryptox: StreamSealer used after Tag")
	}
	out := make([]byte, len(plaintext))
	e.s.xorKeyStream(out, plaintext)
	e.s.absorb(out)
	return out
}

// Tag finishes the stream and returns the 16-byte authentication tag.
func (e *StreamSealer) Tag() []byte {
	return e.s.finalize()
}

// StreamOpener decrypts a payload chunk by chunk. Plaintext is produced
// before the tag verifies; callers must discard all output when Verify
// fails.
type StreamOpener struct {
	s *gcmStream
}

func NewStreamOpener(key, iv []byte) (*StreamOpener, error) {
	s, err := newGCMStream(key, iv)
	if err != nil {
		return nil, err
	}
	return &StreamOpener{s: s}, nil
}

// Decrypt returns the plaintext for the next ciphertext chunk. Must not be
// called after Verify.
func (o *StreamOpener) Decrypt(ciphertext []byte) []byte {
	if o.s.done {
		panic("cryptox: StreamOpener used after Verify")
	}
	o.s.absorb(ciphertext)
	out := make([]byte, len(ciphertext))
	o.s.xorKeyStream(out, ciphertext)
	return out
}

// Verify finishes the stream and checks the expected tag in constant time.
// A mismatch means the ciphertext or tag was corrupted or tampered with.
func (o *StreamOpener) Verify(expected []byte) error {
	tag := o.s.finalize()
	if subtle.ConstantTimeCompare(tag, expected) != 1 {
		return fmt.Errorf("%w: stream tag mismatch", common.ErrIntegrity)
	}
	return nil
}
