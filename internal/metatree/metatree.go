// Package metatree implements the chunk codec (spec component B): it maps
// filesystem entities onto a deduplicating, content-addressed Merkle DAG of
// size-bounded chunks.
//
// Wire format, grounded on the binary, hand-rolled little-endian encoding
// style of the teacher's internal/chunk package (length-prefixed strings and
// lists, a leading kind tag), generalized to this domain's DirectoryStart /
// Data / DirectorySplit / DataSplit chunk kinds.
package metatree

import (
	"encoding/binary"
	"errors"
	"fmt"

	"backupcore/internal/digest"
)

// FormatVersion is the single leading byte every chunk begins with.
const FormatVersion byte = 0x00

// Kind tags. Directory and data kinds are disjoint byte ranges so a reader
// can distinguish them without any other context, and continuation kinds
// are distinct from initial kinds as spec.md §4.1 requires.
const (
	KindDirectoryStart byte = 0x01
	KindDirectorySplit byte = 0x02
	KindData           byte = 0xFD
	KindDataSplit      byte = 0xFE
)

// DefaultMaxChunkSize is the recommended MAX_CHUNK_SIZE from spec.md §4.1.
const DefaultMaxChunkSize = 1 << 20 // 1 MiB

var (
	ErrTruncated      = errors.New("metatree: chunk truncated")
	ErrBadVersion     = errors.New("metatree: unsupported format version")
	ErrUnknownKind    = errors.New("metatree: unknown chunk kind")
	ErrEmptyDirectory = errors.New("metatree: directory split produced no chunks")
)

// EntryKind discriminates the on-wire type of a directory child entry,
// recovered from original_source/src/backup/metatree.hh (the distilled
// spec.md folds this into "mode/permissions"; the original keeps it
// explicit so symlinks can carry a target string instead of a chunk seq).
type EntryKind uint8

const (
	EntryKindFile EntryKind = iota
	EntryKindDir
	EntryKindSymlink
)

// ChildEntry describes one file/directory/symlink inside a directory chunk.
type ChildEntry struct {
	Name  string
	Kind  EntryKind
	Mode  uint32 // POSIX permission bits, or the low bits of a Windows mode
	Owner string // POSIX owner name, or the Windows SDDL owner string
	Group string // POSIX group name; empty on Windows
	Attrs uint32 // platform file-attribute flags

	// SymlinkTarget is set only when Kind == EntryKindSymlink.
	SymlinkTarget string

	// Chunks is this child's own chunk sequence. Empty for symlinks.
	Chunks digest.Seq
}

// Chunk is a single decoded physical chunk: the LoR pointer (zero if this
// is the last or only piece), the logical subtree_size field carried by
// this piece, and either directory children or a data payload.
type Chunk struct {
	Kind        byte
	SubtreeSize uint64
	LoR         digest.Digest // zero means "no next chunk"

	// Populated for DirectoryStart/DirectorySplit.
	Children []ChildEntry

	// Populated for Data/DataSplit.
	Payload []byte
}

// IsDirectory reports whether the chunk is a directory kind.
func (c Chunk) IsDirectory() bool {
	return c.Kind == KindDirectoryStart || c.Kind == KindDirectorySplit
}

// HasLoR reports whether the on-wire format for this chunk's kind carries a
// LoR pointer field at all (Data, the solo/initial data kind, never does).
func HasLoR(kind byte) bool {
	return kind != KindData
}

func putUint16(b []byte, v int) []byte {
	out := make([]byte, 2)
	binary.LittleEndian.PutUint16(out, uint16(v)) //nolint:gosec // G115: callers bound v to len() of wire-limited fields
	return append(b, out...)
}

func putString16(b []byte, s string) []byte {
	b = putUint16(b, len(s))
	return append(b, s...)
}

func readUint16(buf []byte) (int, []byte, error) {
	if len(buf) < 2 {
		return 0, nil, ErrTruncated
	}
	return int(binary.LittleEndian.Uint16(buf[:2])), buf[2:], nil
}

func readString16(buf []byte) (string, []byte, error) {
	n, rest, err := readUint16(buf)
	if err != nil {
		return "", nil, err
	}
	if len(rest) < n {
		return "", nil, ErrTruncated
	}
	return string(rest[:n]), rest[n:], nil
}

// encodeChildEntry appends the on-wire form of e to b.
func encodeChildEntry(b []byte, e ChildEntry) []byte {
	b = append(b, byte(e.Kind))
	b = putString16(b, e.Name)
	mode := make([]byte, 4)
	binary.LittleEndian.PutUint32(mode, e.Mode)
	b = append(b, mode...)
	b = putString16(b, e.Owner)
	b = putString16(b, e.Group)
	attrs := make([]byte, 4)
	binary.LittleEndian.PutUint32(attrs, e.Attrs)
	b = append(b, attrs...)
	if e.Kind == EntryKindSymlink {
		b = putString16(b, e.SymlinkTarget)
		return b
	}
	return append(b, e.Chunks.Encode()...)
}

// decodeChildEntry parses one child entry and returns the remaining buffer.
func decodeChildEntry(buf []byte) (ChildEntry, []byte, error) {
	if len(buf) < 1 {
		return ChildEntry{}, nil, ErrTruncated
	}
	kind := EntryKind(buf[0])
	buf = buf[1:]

	var e ChildEntry
	e.Kind = kind

	var err error
	e.Name, buf, err = readString16(buf)
	if err != nil {
		return ChildEntry{}, nil, err
	}
	if len(buf) < 4 {
		return ChildEntry{}, nil, ErrTruncated
	}
	e.Mode = binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]

	e.Owner, buf, err = readString16(buf)
	if err != nil {
		return ChildEntry{}, nil, err
	}
	e.Group, buf, err = readString16(buf)
	if err != nil {
		return ChildEntry{}, nil, err
	}
	if len(buf) < 4 {
		return ChildEntry{}, nil, ErrTruncated
	}
	e.Attrs = binary.LittleEndian.Uint32(buf[:4])
	buf = buf[4:]

	if kind == EntryKindSymlink {
		e.SymlinkTarget, buf, err = readString16(buf)
		if err != nil {
			return ChildEntry{}, nil, err
		}
		return e, buf, nil
	}

	seq, n, err := digest.DecodeSeq(buf)
	if err != nil {
		return ChildEntry{}, nil, err
	}
	e.Chunks = seq
	return e, buf[n:], nil
}

func encodedChildEntrySize(e ChildEntry) int {
	size := 1 + 2 + len(e.Name) + 4 + 2 + len(e.Owner) + 2 + len(e.Group) + 4
	if e.Kind == EntryKindSymlink {
		return size + 2 + len(e.SymlinkTarget)
	}
	return size + 4 + len(e.Chunks)*digest.Size
}

// Serialize renders a single physical chunk to its on-wire byte form. The
// caller is responsible for having chosen LoR correctly (zero for the
// final/only piece) before calling Serialize, since that value feeds the
// digest this chunk is named by.
func Serialize(c Chunk) ([]byte, error) {
	buf := []byte{FormatVersion, c.Kind}
	size := make([]byte, 8)
	binary.LittleEndian.PutUint64(size, c.SubtreeSize)
	buf = append(buf, size...)

	if HasLoR(c.Kind) {
		buf = append(buf, c.LoR.Bytes()...)
	}

	switch c.Kind {
	case KindDirectoryStart, KindDirectorySplit:
		count := make([]byte, 4)
		binary.LittleEndian.PutUint32(count, uint32(len(c.Children))) //nolint:gosec // G115: child count bounded by MAX_CHUNK_SIZE splitting
		buf = append(buf, count...)
		for _, e := range c.Children {
			buf = encodeChildEntry(buf, e)
		}
	case KindData, KindDataSplit:
		buf = append(buf, c.Payload...)
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, c.Kind)
	}
	return buf, nil
}

// Parse decodes a physical chunk from its on-wire bytes. parse(serialize(c))
// reproduces c for every chunk kind (spec.md §8 round-trip property).
func Parse(buf []byte) (Chunk, error) {
	if len(buf) < 2 {
		return Chunk{}, ErrTruncated
	}
	if buf[0] != FormatVersion {
		return Chunk{}, ErrBadVersion
	}
	kind := buf[1]
	buf = buf[2:]

	if len(buf) < 8 {
		return Chunk{}, ErrTruncated
	}
	c := Chunk{Kind: kind, SubtreeSize: binary.LittleEndian.Uint64(buf[:8])}
	buf = buf[8:]

	if HasLoR(kind) {
		if len(buf) < digest.Size {
			return Chunk{}, ErrTruncated
		}
		lor, err := digest.FromBytes(buf[:digest.Size])
		if err != nil {
			return Chunk{}, err
		}
		c.LoR = lor
		buf = buf[digest.Size:]
	}

	switch kind {
	case KindDirectoryStart, KindDirectorySplit:
		if len(buf) < 4 {
			return Chunk{}, ErrTruncated
		}
		n := int(binary.LittleEndian.Uint32(buf[:4]))
		buf = buf[4:]
		c.Children = make([]ChildEntry, 0, n)
		for range n {
			var e ChildEntry
			var err error
			e, buf, err = decodeChildEntry(buf)
			if err != nil {
				return Chunk{}, err
			}
			c.Children = append(c.Children, e)
		}
	case KindData, KindDataSplit:
		c.Payload = append([]byte(nil), buf...)
	default:
		return Chunk{}, fmt.Errorf("%w: 0x%02x", ErrUnknownKind, kind)
	}
	return c, nil
}

// Digest returns the SHA-256 content address of a chunk's serialized bytes.
func Digest(c Chunk) (digest.Digest, []byte, error) {
	raw, err := Serialize(c)
	if err != nil {
		return digest.Digest{}, nil, err
	}
	return digest.SumBytes(raw), raw, nil
}
