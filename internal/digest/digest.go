// Package digest implements the SHA-256 content addressing used to name
// every chunk in the backup metatree.
package digest

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"io"
)

// Size is the length in bytes of a raw digest.
const Size = sha256.Size

// ErrInvalidLength is returned when decoding a byte slice or hex string that
// is not exactly Size bytes (or 2*Size hex characters) long.
var ErrInvalidLength = errors.New("digest: invalid length")

// Digest is a SHA-256 content hash. The zero value is the "empty" digest,
// distinguishable from any real digest via IsZero.
type Digest [Size]byte

// Zero is the distinguished empty digest: no real chunk ever hashes to it
// with overwhelming probability, and it is used as the absent LoR pointer.
var Zero Digest

// Sum hashes all bytes read from r and returns the resulting digest.
func Sum(r io.Reader) (Digest, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return Digest{}, err
	}
	var d Digest
	h.Sum(d[:0])
	return d, nil
}

// SumBytes hashes b directly.
func SumBytes(b []byte) Digest {
	return Digest(sha256.Sum256(b))
}

// IsZero reports whether d is the distinguished empty digest.
func (d Digest) IsZero() bool {
	return d == Zero
}

// Bytes returns the raw 32-byte form.
func (d Digest) Bytes() []byte {
	return d[:]
}

// String returns the lower-case 64-character hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Compare gives a total ordering on raw bytes, matching spec's
// "lexicographic on raw bytes" requirement. It returns -1, 0, or 1.
func (d Digest) Compare(o Digest) int {
	return bytes.Compare(d[:], o[:])
}

// FromBytes builds a Digest from a raw 32-byte slice.
func FromBytes(b []byte) (Digest, error) {
	if len(b) != Size {
		return Digest{}, ErrInvalidLength
	}
	var d Digest
	copy(d[:], b)
	return d, nil
}

// FromHex parses a lower- or upper-case 64-character hex string.
func FromHex(s string) (Digest, error) {
	if len(s) != Size*2 {
		return Digest{}, ErrInvalidLength
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, err
	}
	return FromBytes(b)
}

// Hasher is an incremental SHA-256 hasher used when a file is read in
// MAX_CHUNK_SIZE-aligned windows so that no oversized buffer is ever held
// in memory just to compute one digest.
type Hasher struct {
	h interface {
		io.Writer
		Sum([]byte) []byte
		Reset()
	}
}

// NewHasher returns a ready-to-use incremental hasher.
func NewHasher() *Hasher {
	return &Hasher{h: sha256.New()}
}

// Write feeds more bytes into the running hash.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the digest of everything written so far without resetting
// the hasher's internal state.
func (h *Hasher) Sum() Digest {
	var d Digest
	h.h.Sum(d[:0])
	return d
}

// Reset clears the hasher so it can be reused for the next chunk.
func (h *Hasher) Reset() {
	h.h.Reset()
}

// Seq is an ordered vector of digests naming the chunks of one logical
// file or directory that exceeded the max chunk size. Length zero denotes
// "no data" per spec.
type Seq []Digest

// Equal reports whether two sequences name the same chunks in the same order.
func (s Seq) Equal(o Seq) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

// Encode serializes the sequence as a length-prefixed (uint32 count) list
// of 32-byte digests, the wire form used inside directory child entries.
func (s Seq) Encode() []byte {
	buf := make([]byte, 4+len(s)*Size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(s))) //nolint:gosec // G115: sequence length bounded by MAX_CHUNK_SIZE encoding, never near 2^32
	for i, d := range s {
		copy(buf[4+i*Size:], d[:])
	}
	return buf
}

// DecodeSeq parses the wire form produced by Encode, returning the number
// of bytes consumed.
func DecodeSeq(buf []byte) (Seq, int, error) {
	if len(buf) < 4 {
		return nil, 0, ErrInvalidLength
	}
	n := int(binary.LittleEndian.Uint32(buf[0:4]))
	need := 4 + n*Size
	if len(buf) < need {
		return nil, 0, ErrInvalidLength
	}
	seq := make(Seq, n)
	for i := range seq {
		copy(seq[i][:], buf[4+i*Size:4+(i+1)*Size])
	}
	return seq, need, nil
}
